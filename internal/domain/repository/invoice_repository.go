package repository

import (
	"context"

	"github.com/simplifica-app/verifactu-dispatcher/internal/domain/entity"
)

// InvoiceRepository define el puerto de lectura de facturas para el
// despachador. La emisión de facturas vive en otro servicio: aquí solo se
// leen con sus líneas, empresa y cliente ya resueltos.
type InvoiceRepository interface {
	// GetByID devuelve la factura con líneas, empresa y cliente. Verifica
	// que pertenece a companyID; si no, domain.ErrNotFound.
	GetByID(ctx context.Context, companyID, invoiceID string) (*entity.InvoiceRecord, error)
}
