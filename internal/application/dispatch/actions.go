package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/simplifica-app/verifactu-dispatcher/internal/domain"
	"github.com/simplifica-app/verifactu-dispatcher/internal/domain/entity"
	"github.com/simplifica-app/verifactu-dispatcher/internal/domain/repository"
	infravf "github.com/simplifica-app/verifactu-dispatcher/internal/infrastructure/verifactu"
	"github.com/simplifica-app/verifactu-dispatcher/pkg/config"
)

// eventsDefaultLimit historial devuelto por defecto en la acción events.
const eventsDefaultLimit = 5

// Actions agrupa las operaciones auxiliares del despachador: consultas de
// estado y el reintento manual de rechazos. No ejecuta el ciclo de remisión.
type Actions struct {
	eventRepo repository.EventRepository
	cfg       config.VerifactuConfig
	backoff   Backoff
	now       func() time.Time

	// Dependencias del export de conservación (opcionales; sin ellas la
	// acción meta omite el XML del registro).
	invoiceRepo  repository.InvoiceRepository
	settingsRepo repository.SettingsRepository
	chainRepo    repository.ChainRepository
	transformer  *infravf.Transformer
	xmlBuilder   *infravf.XMLBuilder
}

func NewActions(eventRepo repository.EventRepository, cfg config.VerifactuConfig) *Actions {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Actions{
		eventRepo: eventRepo,
		cfg:       cfg,
		backoff:   NewBackoff(cfg.BackoffMinutes),
		now:       time.Now,
	}
}

// WithExport habilita el export de conservación en la acción meta.
func (a *Actions) WithExport(
	invoiceRepo repository.InvoiceRepository,
	settingsRepo repository.SettingsRepository,
	chainRepo repository.ChainRepository,
	transformer *infravf.Transformer,
	xmlBuilder *infravf.XMLBuilder,
) *Actions {
	a.invoiceRepo = invoiceRepo
	a.settingsRepo = settingsRepo
	a.chainRepo = chainRepo
	a.transformer = transformer
	a.xmlBuilder = xmlBuilder
	return a
}

// WithClock fija el reloj (tests).
func (a *Actions) WithClock(now func() time.Time) *Actions {
	a.now = now
	return a
}

// RetryResult resultado del reintento manual.
type RetryResult struct {
	Retried bool   `json:"retried"`
	EventID string `json:"event_id,omitempty"`
	Message string `json:"message"`
}

// Retry reactiva el rechazo más reciente de la factura: vuelve a pending con
// last_error limpio y los intentos intactos; el siguiente poll lo recogerá.
func (a *Actions) Retry(ctx context.Context, companyID, invoiceID string) (*RetryResult, error) {
	ev, err := a.eventRepo.ResetNewestRejected(ctx, companyID, invoiceID)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return &RetryResult{Retried: false, Message: "sin eventos rechazados para esta factura"}, nil
	}
	return &RetryResult{Retried: true, EventID: ev.ID, Message: "evento reactivado; se procesará en el siguiente ciclo"}, nil
}

// ConfigInfo configuración efectiva del despachador, sin secretos.
type ConfigInfo struct {
	Mode            string  `json:"mode"`
	Environment     string  `json:"environment"`
	MaxAttempts     int     `json:"max_attempts"`
	BackoffMinutes  []int   `json:"backoff_minutes"`
	BatchSize       int     `json:"batch_size"`
	RejectRate      float64 `json:"reject_rate"`
	FallbackEnabled bool    `json:"fallback_enabled"`
}

// Config devuelve la configuración efectiva (nunca claves ni certificados).
func (a *Actions) Config() *ConfigInfo {
	minutes := a.cfg.BackoffMinutes
	if len(minutes) == 0 {
		minutes = DefaultBackoffMinutes
	}
	return &ConfigInfo{
		Mode:            a.cfg.Mode,
		Environment:     a.cfg.Environment,
		MaxAttempts:     a.cfg.MaxAttempts,
		BackoffMinutes:  minutes,
		BatchSize:       BatchSize,
		RejectRate:      a.cfg.RejectRate,
		FallbackEnabled: a.cfg.EnableFallback,
	}
}

// HealthInfo salud global de la cola.
type HealthInfo struct {
	Status         string     `json:"status"` // ok | degraded
	Pending        int        `json:"pending"`
	LastEventAt    *time.Time `json:"last_event_at,omitempty"`
	LastAcceptedAt *time.Time `json:"last_accepted_at,omitempty"`
	LastRejectedAt *time.Time `json:"last_rejected_at,omitempty"`
}

// Health agrega la cola. Se considera degradada cuando hay pendientes pero
// nada se acepta desde hace más de una hora (el polling debería haber pasado).
func (a *Actions) Health(ctx context.Context) (*HealthInfo, error) {
	stats, err := a.eventRepo.Health(ctx)
	if err != nil {
		return nil, err
	}
	info := &HealthInfo{
		Status:         "ok",
		Pending:        stats.Pending,
		LastEventAt:    stats.LastEventAt,
		LastAcceptedAt: stats.LastAcceptedAt,
		LastRejectedAt: stats.LastRejectedAt,
	}
	if stats.Pending > 0 {
		ref := stats.LastAcceptedAt
		if ref == nil || a.now().Sub(*ref) > time.Hour {
			info.Status = "degraded"
		}
	}
	return info, nil
}

// InvoiceMeta estado VeriFactu consolidado de una factura: el evento más
// reciente de su historial.
type InvoiceMeta struct {
	InvoiceID   string     `json:"invoice_id"`
	Status      string     `json:"status"`
	EventType   string     `json:"event_type"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	NextDue     *time.Time `json:"next_due,omitempty"`
	RegistroXML string     `json:"registro_xml,omitempty"` // export de conservación del registro actual
}

// Meta devuelve el estado consolidado de la factura. domain.ErrNotFound si la
// factura no tiene eventos (o pertenece a otra empresa).
func (a *Actions) Meta(ctx context.Context, companyID, invoiceID string) (*InvoiceMeta, error) {
	events, err := a.eventRepo.ListByInvoice(ctx, companyID, invoiceID, 1)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, domain.ErrNotFound
	}
	ev := events[0]
	meta := &InvoiceMeta{
		InvoiceID: invoiceID,
		Status:    ev.Status,
		EventType: ev.EventType,
		Attempts:  ev.Attempts,
		LastError: ev.LastError,
		SentAt:    ev.SentAt,
	}
	if ev.Status == entity.EventStatusPending {
		last := ev.CreatedAt
		if ev.SentAt != nil {
			last = *ev.SentAt
		}
		due := last.Add(a.backoff.Wait(ev.Attempts))
		meta.NextDue = &due
	}
	if xml, err := a.exportRegistro(ctx, companyID, invoiceID, ev.EventType); err == nil {
		meta.RegistroXML = xml
	}
	return meta, nil
}

// exportRegistro regenera el registro de la factura y lo serializa para
// conservación. Cualquier fallo se omite: el export es un extra de la acción
// meta, no su razón de ser.
func (a *Actions) exportRegistro(ctx context.Context, companyID, invoiceID, eventType string) (string, error) {
	if a.invoiceRepo == nil || a.settingsRepo == nil || a.chainRepo == nil ||
		a.transformer == nil || a.xmlBuilder == nil {
		return "", errors.New("export no configurado")
	}
	settings, err := a.settingsRepo.GetByCompany(ctx, companyID)
	if err != nil {
		return "", err
	}
	inv, err := a.invoiceRepo.GetByID(ctx, companyID, invoiceID)
	if err != nil {
		return "", err
	}
	anchor, err := a.chainRepo.GetAnchor(ctx, settings.IssuerNIF)
	if err != nil {
		return "", err
	}
	if eventType == entity.EventTypeAnulacion {
		reg, err := a.transformer.ToRegistroAnulacion(inv, settings, anchor)
		if err != nil {
			return "", err
		}
		return a.xmlBuilder.ExportRegistroAnulacion(reg)
	}
	reg, err := a.transformer.ToRegistroAlta(inv, settings, anchor)
	if err != nil {
		return "", err
	}
	return a.xmlBuilder.ExportRegistroAlta(reg)
}

// Events devuelve el historial de eventos de la factura, más reciente primero.
func (a *Actions) Events(ctx context.Context, companyID, invoiceID string, limit int) ([]*entity.DispatchEvent, error) {
	if limit <= 0 {
		limit = eventsDefaultLimit
	}
	return a.eventRepo.ListByInvoice(ctx, companyID, invoiceID, limit)
}

// DiagInfo diagnóstico rápido: acceso a la cola más la configuración efectiva.
type DiagInfo struct {
	QueueReachable bool        `json:"queue_reachable"`
	QueueError     string      `json:"queue_error,omitempty"`
	Pending        int         `json:"pending"`
	Config         *ConfigInfo `json:"config"`
}

// Diag comprueba que la cola responde y resume la configuración. Un fallo de
// acceso no es error de la acción: se reporta dentro del diagnóstico.
func (a *Actions) Diag(ctx context.Context) *DiagInfo {
	diag := &DiagInfo{Config: a.Config()}
	stats, err := a.eventRepo.Health(ctx)
	if err != nil {
		diag.QueueError = err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			diag.QueueError = "timeout consultando la cola"
		}
		return diag
	}
	diag.QueueReachable = true
	diag.Pending = stats.Pending
	return diag
}
