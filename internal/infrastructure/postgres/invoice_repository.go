package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/simplifica-app/verifactu-dispatcher/internal/domain"
	"github.com/simplifica-app/verifactu-dispatcher/internal/domain/entity"
	"github.com/simplifica-app/verifactu-dispatcher/internal/domain/repository"
)

var _ repository.InvoiceRepository = (*InvoiceRepo)(nil)

// InvoiceRepo lectura de facturas para el despachador. Las facturas se emiten
// en otro servicio; aquí solo se leen con empresa, cliente y líneas resueltos.
type InvoiceRepo struct {
	q Querier
}

// NewInvoiceRepository construye el adaptador. Pasar pool o tx (Querier).
func NewInvoiceRepository(q Querier) *InvoiceRepo {
	return &InvoiceRepo{q: q}
}

// GetByID devuelve la factura completa. El filtro por company_id hace de
// control de pertenencia: una factura ajena es un not found, no un forbidden.
func (r *InvoiceRepo) GetByID(ctx context.Context, companyID, invoiceID string) (*entity.InvoiceRecord, error) {
	query := `
		SELECT i.id, i.company_id, COALESCE(i.series, ''), i.number, i.issue_date::text,
		       i.subtotal, i.tax_total, i.total, COALESCE(i.notes, ''),
		       co.name, co.nif,
		       cl.id, cl.name, COALESCE(cl.nif, ''), COALESCE(cl.tax_id, ''), COALESCE(cl.country, '')
		FROM invoices i
		JOIN companies co ON co.id = i.company_id
		LEFT JOIN clients cl ON cl.id = i.client_id
		WHERE i.id = $1 AND i.company_id = $2`

	var inv entity.InvoiceRecord
	var clientID, clientName, clientNIF, clientTaxID, clientCountry *string
	err := r.q.QueryRow(ctx, query, invoiceID, companyID).Scan(
		&inv.ID, &inv.CompanyID, &inv.Series, &inv.Number, &inv.IssueDate,
		&inv.Subtotal, &inv.TaxTotal, &inv.Total, &inv.Notes,
		&inv.Company.Name, &inv.Company.NIF,
		&clientID, &clientName, &clientNIF, &clientTaxID, &clientCountry,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get invoice: %w", err)
	}

	if clientID != nil {
		inv.Client = &entity.ClientInfo{
			Name:    deref(clientName),
			NIF:     deref(clientNIF),
			TaxID:   deref(clientTaxID),
			Country: deref(clientCountry),
		}
	}

	lines, err := r.listLines(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	inv.Lines = lines
	return &inv, nil
}

func (r *InvoiceRepo) listLines(ctx context.Context, invoiceID string) ([]entity.InvoiceLine, error) {
	rows, err := r.q.Query(ctx, `
		SELECT COALESCE(description, ''), quantity, unit_price, tax_rate, tax_amount
		FROM invoice_lines
		WHERE invoice_id = $1
		ORDER BY position ASC`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("list invoice lines: %w", err)
	}
	defer rows.Close()

	var lines []entity.InvoiceLine
	for rows.Next() {
		var l entity.InvoiceLine
		if err := rows.Scan(&l.Description, &l.Quantity, &l.UnitPrice, &l.TaxRate, &l.TaxAmount); err != nil {
			return nil, fmt.Errorf("scan invoice line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
