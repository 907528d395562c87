package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/simplifica-app/verifactu-dispatcher/internal/domain/entity"
	"github.com/simplifica-app/verifactu-dispatcher/internal/domain/repository"
)

var _ repository.ChainRepository = (*ChainRepo)(nil)

// ChainRepo implementación de ChainRepository sobre PostgreSQL. La tabla
// verifactu_chain guarda una fila por NIF emisor: el último eslabón aceptado.
type ChainRepo struct {
	q Querier
}

// NewChainRepository construye el adaptador. Pasar pool o tx (Querier).
func NewChainRepository(q Querier) *ChainRepo {
	return &ChainRepo{q: q}
}

// GetAnchor devuelve el último eslabón del emisor, nil si la cadena está vacía.
func (r *ChainRepo) GetAnchor(ctx context.Context, issuerNIF string) (*entity.ChainAnchor, error) {
	var a entity.ChainAnchor
	err := r.q.QueryRow(ctx, `
		SELECT issuer_nif, invoice_id, num_serie, fecha_expedicion, huella, created_at
		FROM verifactu_chain
		WHERE issuer_nif = $1`, issuerNIF).Scan(
		&a.IssuerNIF, &a.InvoiceID, &a.NumSerie, &a.FechaExpedic, &a.Huella, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get chain anchor: %w", err)
	}
	return &a, nil
}

// UpsertAnchor sustituye el ancla del emisor por el eslabón recién aceptado.
func (r *ChainRepo) UpsertAnchor(ctx context.Context, anchor *entity.ChainAnchor) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO verifactu_chain (issuer_nif, invoice_id, num_serie, fecha_expedicion, huella, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (issuer_nif) DO UPDATE
		SET invoice_id = EXCLUDED.invoice_id,
		    num_serie = EXCLUDED.num_serie,
		    fecha_expedicion = EXCLUDED.fecha_expedicion,
		    huella = EXCLUDED.huella,
		    created_at = NOW()`,
		anchor.IssuerNIF, anchor.InvoiceID, anchor.NumSerie, anchor.FechaExpedic, anchor.Huella,
	)
	if err != nil {
		return fmt.Errorf("upsert chain anchor: %w", err)
	}
	return nil
}
