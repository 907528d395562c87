package entity

import "time"

// Estados del ciclo de vida de un evento de remisión VeriFactu.
// pending -> sending -> accepted | pending(retry) | rejected.
// rejected admite un reset manual a pending; accepted es final.
const (
	EventStatusPending  = "pending"
	EventStatusSending  = "sending"
	EventStatusAccepted = "accepted"
	EventStatusRejected = "rejected"
)

// Tipos de evento: alta de factura o anulación.
const (
	EventTypeAlta      = "alta"
	EventTypeAnulacion = "anulacion"
)

// DispatchEvent es una fila de la cola verifactu.events. Solo el despachador
// la muta; nunca se borra (pista de auditoría).
type DispatchEvent struct {
	ID        string
	CompanyID string
	InvoiceID string
	EventType string // alta | anulacion
	Status    string
	Attempts  int
	SentAt    *time.Time
	Response  []byte // última respuesta AEAT o simulada, JSON
	LastError string
	CreatedAt time.Time
}

// Terminal indica si el evento ya no será procesado por el polling.
func (e *DispatchEvent) Terminal() bool {
	return e.Status == EventStatusAccepted || e.Status == EventStatusRejected
}
