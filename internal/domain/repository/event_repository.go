package repository

import (
	"context"
	"time"

	"github.com/simplifica-app/verifactu-dispatcher/internal/domain/entity"
)

// HealthStats agregados de la cola para el resumen de salud.
type HealthStats struct {
	Pending        int
	LastEventAt    *time.Time
	LastAcceptedAt *time.Time
	LastRejectedAt *time.Time
}

// EventRepository define el puerto de persistencia de la cola de eventos
// VeriFactu. El despachador es el único escritor de estados.
type EventRepository interface {
	// ListPending devuelve eventos en estado pending ordenados por created_at
	// ascendente, limitados a limit.
	ListPending(ctx context.Context, limit int) ([]*entity.DispatchEvent, error)

	// MarkSending transiciona pending→sending de forma condicional: solo
	// tiene efecto si el evento sigue en pending. Devuelve false si otro
	// proceso lo tomó antes.
	MarkSending(ctx context.Context, eventID string) (bool, error)

	// MarkAccepted cierra el evento con la respuesta de la AEAT.
	MarkAccepted(ctx context.Context, eventID string, sentAt time.Time, response []byte) error

	// MarkRejected cierra el evento como rechazado (estado terminal).
	MarkRejected(ctx context.Context, eventID string, attempts int, lastError string, response []byte) error

	// Reschedule devuelve el evento a pending incrementando attempts,
	// para reintento según la tabla de espera.
	Reschedule(ctx context.Context, eventID string, attempts int, lastError string) error

	// ResetNewestRejected reactiva el rechazo más reciente de una factura
	// (pending, last_error limpio, attempts intacto). Devuelve el evento
	// reactivado o nil si no había ninguno.
	ResetNewestRejected(ctx context.Context, companyID, invoiceID string) (*entity.DispatchEvent, error)

	// ListByInvoice devuelve el historial de eventos de una factura,
	// más reciente primero.
	ListByInvoice(ctx context.Context, companyID, invoiceID string, limit int) ([]*entity.DispatchEvent, error)

	// CountByStatus agrupa los eventos de una empresa por estado.
	CountByStatus(ctx context.Context, companyID string) (map[string]int, error)

	// Health devuelve agregados globales de la cola.
	Health(ctx context.Context) (*HealthStats, error)

	// GetByID recupera un evento por id.
	GetByID(ctx context.Context, eventID string) (*entity.DispatchEvent, error)

	// Create encola un evento nuevo en estado pending.
	Create(ctx context.Context, ev *entity.DispatchEvent) error
}
