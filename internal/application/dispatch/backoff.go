package dispatch

import (
	"time"

	"github.com/simplifica-app/verifactu-dispatcher/internal/domain/entity"
)

// Tabla de espera por intento, en minutos. El índice es el número de intentos
// ya consumidos; por encima del último tramo se mantiene la espera máxima.
var DefaultBackoffMinutes = []int{0, 1, 5, 15, 60, 180, 720}

// DefaultMaxAttempts intentos antes de marcar el evento como rechazado terminal.
const DefaultMaxAttempts = 7

// BatchSize máximo de eventos pendientes leídos por invocación.
const BatchSize = 100

// Backoff decide cuándo un evento pendiente vuelve a estar elegible.
type Backoff struct {
	minutes []int
}

func NewBackoff(minutes []int) Backoff {
	if len(minutes) == 0 {
		minutes = DefaultBackoffMinutes
	}
	return Backoff{minutes: minutes}
}

// Wait devuelve la espera mínima tras attempts intentos fallidos.
func (b Backoff) Wait(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= len(b.minutes) {
		attempts = len(b.minutes) - 1
	}
	return time.Duration(b.minutes[attempts]) * time.Minute
}

// IsDue indica si el evento ya cumplió su espera. La referencia es el último
// envío; si nunca se envió, la creación del evento.
func (b Backoff) IsDue(ev *entity.DispatchEvent, now time.Time) bool {
	last := ev.CreatedAt
	if ev.SentAt != nil {
		last = *ev.SentAt
	}
	return now.Sub(last) >= b.Wait(ev.Attempts)
}
