package domain

import "errors"

// Errores de dominio (sin dependencias externas).
var (
	ErrNotFound          = errors.New("recurso no encontrado")
	ErrInvalidInput      = errors.New("entrada inválida")
	ErrUnauthorized      = errors.New("no autorizado")
	ErrForbidden         = errors.New("acceso denegado")
	ErrConflict          = errors.New("conflicto con el estado actual")
	ErrValidation        = errors.New("factura incompleta para VeriFactu")
	ErrCertificate       = errors.New("certificado o llave inválidos")
	ErrEndpointDown      = errors.New("endpoint AEAT no disponible")
	ErrTransport         = errors.New("fallo de red hacia AEAT")
	ErrAuthorityRejected = errors.New("registro rechazado por la AEAT")
	ErrMaxAttempts       = errors.New("intentos máximos agotados")
)
