package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/simplifica-app/verifactu-dispatcher/internal/domain"
	"github.com/simplifica-app/verifactu-dispatcher/internal/domain/entity"
	"github.com/simplifica-app/verifactu-dispatcher/internal/domain/repository"
)

var _ repository.EventRepository = (*EventRepo)(nil)

const eventColumns = `id, company_id, invoice_id, event_type, status, attempts, sent_at, response, last_error, created_at`

// EventRepo implementación de EventRepository sobre PostgreSQL (usable con pool o tx).
type EventRepo struct {
	q Querier
}

// NewEventRepository construye el adaptador. Pasar pool o tx (Querier).
func NewEventRepository(q Querier) *EventRepo {
	return &EventRepo{q: q}
}

// ListPending devuelve el lote de eventos pendientes más antiguos.
func (r *EventRepo) ListPending(ctx context.Context, limit int) ([]*entity.DispatchEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM verifactu_events
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1`
	rows, err := r.q.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// MarkSending reclama el evento de forma condicional: el UPDATE solo afecta
// filas que sigan en pending, así dos procesos no remiten el mismo registro.
func (r *EventRepo) MarkSending(ctx context.Context, eventID string) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		UPDATE verifactu_events
		SET status = 'sending'
		WHERE id = $1 AND status = 'pending'`, eventID)
	if err != nil {
		return false, fmt.Errorf("mark sending: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkAccepted cierra el evento con la respuesta de la AEAT.
func (r *EventRepo) MarkAccepted(ctx context.Context, eventID string, sentAt time.Time, response []byte) error {
	_, err := r.q.Exec(ctx, `
		UPDATE verifactu_events
		SET status = 'accepted', sent_at = $2, response = $3, last_error = NULL
		WHERE id = $1`, eventID, sentAt, response)
	if err != nil {
		return fmt.Errorf("mark accepted: %w", err)
	}
	return nil
}

// MarkRejected cierra el evento como rechazado terminal.
func (r *EventRepo) MarkRejected(ctx context.Context, eventID string, attempts int, lastError string, response []byte) error {
	_, err := r.q.Exec(ctx, `
		UPDATE verifactu_events
		SET status = 'rejected', attempts = $2, sent_at = NOW(), last_error = $3, response = COALESCE($4, response)
		WHERE id = $1`, eventID, attempts, lastError, response)
	if err != nil {
		return fmt.Errorf("mark rejected: %w", err)
	}
	return nil
}

// Reschedule devuelve el evento a pending con el intento consumido; sent_at
// marca el inicio de la espera de la tabla de reintentos.
func (r *EventRepo) Reschedule(ctx context.Context, eventID string, attempts int, lastError string) error {
	_, err := r.q.Exec(ctx, `
		UPDATE verifactu_events
		SET status = 'pending', attempts = $2, sent_at = NOW(), last_error = $3
		WHERE id = $1`, eventID, attempts, lastError)
	if err != nil {
		return fmt.Errorf("reschedule event: %w", err)
	}
	return nil
}

// ResetNewestRejected reactiva el rechazo más reciente de la factura. Los
// intentos no se tocan: el reintento manual no regala presupuesto extra.
func (r *EventRepo) ResetNewestRejected(ctx context.Context, companyID, invoiceID string) (*entity.DispatchEvent, error) {
	query := `
		UPDATE verifactu_events
		SET status = 'pending', last_error = NULL
		WHERE id = (
			SELECT id FROM verifactu_events
			WHERE company_id = $1 AND invoice_id = $2 AND status = 'rejected'
			ORDER BY created_at DESC
			LIMIT 1
		)
		RETURNING ` + eventColumns
	ev, err := scanEvent(r.q.QueryRow(ctx, query, companyID, invoiceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("reset rejected event: %w", err)
	}
	return ev, nil
}

// ListByInvoice historial de la factura, más reciente primero.
func (r *EventRepo) ListByInvoice(ctx context.Context, companyID, invoiceID string, limit int) ([]*entity.DispatchEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM verifactu_events
		WHERE company_id = $1 AND invoice_id = $2
		ORDER BY created_at DESC
		LIMIT $3`
	rows, err := r.q.Query(ctx, query, companyID, invoiceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list invoice events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountByStatus agrupa los eventos de la empresa por estado.
func (r *EventRepo) CountByStatus(ctx context.Context, companyID string) (map[string]int, error) {
	rows, err := r.q.Query(ctx, `
		SELECT status, COUNT(*)
		FROM verifactu_events
		WHERE company_id = $1
		GROUP BY status`, companyID)
	if err != nil {
		return nil, fmt.Errorf("count events by status: %w", err)
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Health agregados globales de la cola en una sola consulta.
func (r *EventRepo) Health(ctx context.Context) (*repository.HealthStats, error) {
	var stats repository.HealthStats
	err := r.q.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			MAX(created_at),
			MAX(sent_at) FILTER (WHERE status = 'accepted'),
			MAX(sent_at) FILTER (WHERE status = 'rejected')
		FROM verifactu_events`).Scan(
		&stats.Pending, &stats.LastEventAt, &stats.LastAcceptedAt, &stats.LastRejectedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("queue health: %w", err)
	}
	return &stats, nil
}

// GetByID recupera un evento por id.
func (r *EventRepo) GetByID(ctx context.Context, eventID string) (*entity.DispatchEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM verifactu_events WHERE id = $1`
	ev, err := scanEvent(r.q.QueryRow(ctx, query, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

// Create encola un evento nuevo. Un duplicado pending para la misma factura y
// tipo es un conflicto (constraint único parcial en la tabla).
func (r *EventRepo) Create(ctx context.Context, ev *entity.DispatchEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Status == "" {
		ev.Status = entity.EventStatusPending
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := r.q.Exec(ctx, `
		INSERT INTO verifactu_events (id, company_id, invoice_id, event_type, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.CompanyID, ev.InvoiceID, ev.EventType, ev.Status, ev.Attempts, ev.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: ya hay un evento %s pendiente para la factura", domain.ErrConflict, ev.EventType)
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*entity.DispatchEvent, error) {
	var ev entity.DispatchEvent
	var lastError *string
	if err := row.Scan(
		&ev.ID, &ev.CompanyID, &ev.InvoiceID, &ev.EventType, &ev.Status,
		&ev.Attempts, &ev.SentAt, &ev.Response, &lastError, &ev.CreatedAt,
	); err != nil {
		return nil, err
	}
	if lastError != nil {
		ev.LastError = *lastError
	}
	return &ev, nil
}

func scanEvents(rows pgx.Rows) ([]*entity.DispatchEvent, error) {
	var list []*entity.DispatchEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		list = append(list, ev)
	}
	return list, rows.Err()
}
