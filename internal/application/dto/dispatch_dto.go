package dto

import (
	"time"

	"github.com/simplifica-app/verifactu-dispatcher/internal/domain/entity"
)

// Acciones del endpoint de despacho. Sin acción explícita se ejecuta poll.
const (
	ActionPoll   = "poll"
	ActionRetry  = "retry"
	ActionConfig = "config"
	ActionHealth = "health"
	ActionMeta   = "meta"
	ActionEvents = "events"
	ActionDiag   = "diag"
)

// DispatchRequest cuerpo del POST /api/verifactu/dispatch.
type DispatchRequest struct {
	Action    string `json:"action"`
	InvoiceID string `json:"invoice_id"` // requerido por retry, meta y events
	Limit     int    `json:"limit"`      // solo events
}

// EventResponse evento de la cola serializado para el historial.
type EventResponse struct {
	ID        string     `json:"id"`
	InvoiceID string     `json:"invoice_id"`
	EventType string     `json:"event_type"`
	Status    string     `json:"status"`
	Attempts  int        `json:"attempts"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// FromEvent convierte la entidad de cola en su respuesta HTTP.
func FromEvent(ev *entity.DispatchEvent) EventResponse {
	return EventResponse{
		ID:        ev.ID,
		InvoiceID: ev.InvoiceID,
		EventType: ev.EventType,
		Status:    ev.Status,
		Attempts:  ev.Attempts,
		SentAt:    ev.SentAt,
		LastError: ev.LastError,
		CreatedAt: ev.CreatedAt,
	}
}

// FromEvents convierte el historial completo.
func FromEvents(events []*entity.DispatchEvent) []EventResponse {
	out := make([]EventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, FromEvent(ev))
	}
	return out
}
