package dispatch

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/simplifica-app/verifactu-dispatcher/internal/domain"
	"github.com/simplifica-app/verifactu-dispatcher/internal/domain/entity"
	"github.com/simplifica-app/verifactu-dispatcher/internal/domain/repository"
	domvf "github.com/simplifica-app/verifactu-dispatcher/internal/domain/verifactu"
	infravf "github.com/simplifica-app/verifactu-dispatcher/internal/infrastructure/verifactu"
	"github.com/simplifica-app/verifactu-dispatcher/internal/infrastructure/verifactu/signer"
	"github.com/simplifica-app/verifactu-dispatcher/pkg/config"
	"github.com/simplifica-app/verifactu-dispatcher/pkg/logger"
)

// Dispatcher orquesta el ciclo completo de remisión VeriFactu:
//
//	poll cola → transformar factura → XML SuministroLR → firma XAdES → SOAP AEAT → update DB
//
// Los eventos de un lote se procesan en estricta secuencia: el encadenamiento
// de huellas por emisor exige que cada registro vea el ancla que dejó el
// anterior, y el control de flujo AEAT prohíbe envíos concurrentes.
//
// Modos de operación (VerifactuConfig.Mode):
//   - "mock" → no contacta la AEAT; simula aceptación (o rechazo según
//     RejectRate). No toca la cadena de huellas.
//   - "live" → ciclo real contra el entorno configurado (pre | prod).
type Dispatcher struct {
	eventRepo    repository.EventRepository
	invoiceRepo  repository.InvoiceRepository
	settingsRepo repository.SettingsRepository
	chainRepo    repository.ChainRepository

	transformer *infravf.Transformer
	xmlBuilder  *infravf.XMLBuilder
	signer      Signer
	newSub      SubmitterFactory
	loadCert    CertLoader

	cfg     config.VerifactuConfig
	backoff Backoff
	log     *logger.Logger

	now  func() time.Time
	rand func() float64
}

// NewDispatcher construye el despachador con todas sus dependencias.
// newSub puede ser nil: en ese caso solo funciona el modo mock.
func NewDispatcher(
	eventRepo repository.EventRepository,
	invoiceRepo repository.InvoiceRepository,
	settingsRepo repository.SettingsRepository,
	chainRepo repository.ChainRepository,
	transformer *infravf.Transformer,
	xmlBuilder *infravf.XMLBuilder,
	signer Signer,
	newSub SubmitterFactory,
	loadCert CertLoader,
	cfg config.VerifactuConfig,
	log *logger.Logger,
) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Dispatcher{
		eventRepo:    eventRepo,
		invoiceRepo:  invoiceRepo,
		settingsRepo: settingsRepo,
		chainRepo:    chainRepo,
		transformer:  transformer,
		xmlBuilder:   xmlBuilder,
		signer:       signer,
		newSub:       newSub,
		loadCert:     loadCert,
		cfg:          cfg,
		backoff:      NewBackoff(cfg.BackoffMinutes),
		log:          log,
		now:          time.Now,
		rand:         rand.Float64,
	}
}

// WithClock fija el reloj y la fuente aleatoria (tests).
func (d *Dispatcher) WithClock(now func() time.Time, random func() float64) *Dispatcher {
	d.now = now
	if random != nil {
		d.rand = random
	}
	return d
}

// EventResult resultado por evento de una pasada del despachador.
type EventResult struct {
	EventID   string `json:"event_id"`
	InvoiceID string `json:"invoice_id"`
	Status    string `json:"status"` // accepted | pending | rejected | skipped
	Attempts  int    `json:"attempts"`
	Mode      string `json:"mode"` // live | simulation
	Error     string `json:"error,omitempty"`
}

// RunSummary resumen de una pasada completa.
type RunSummary struct {
	Polled    int           `json:"polled"`
	Due       int           `json:"due"`
	Processed int           `json:"processed"`
	Accepted  int           `json:"accepted"`
	Results   []EventResult `json:"results"`
}

// Run ejecuta una pasada: lee hasta BatchSize eventos pendientes, filtra los
// que ya cumplieron su espera y los procesa uno a uno.
func (d *Dispatcher) Run(ctx context.Context) (*RunSummary, error) {
	events, err := d.eventRepo.ListPending(ctx, BatchSize)
	if err != nil {
		return nil, fmt.Errorf("leyendo eventos pendientes: %w", err)
	}

	now := d.now()
	due := make([]*entity.DispatchEvent, 0, len(events))
	for _, ev := range events {
		if d.backoff.IsDue(ev, now) {
			due = append(due, ev)
		}
	}

	// Un Submitter por (entorno, emisor) para todo el lote: el control de
	// flujo AEAT (espera mínima entre envíos) vive en el estado del cliente
	// y se perdería construyendo uno nuevo por evento.
	subs := make(map[string]Submitter)

	summary := &RunSummary{Polled: len(events), Due: len(due)}
	for _, ev := range due {
		if ctx.Err() != nil {
			break
		}
		res := d.processEvent(ctx, ev, subs)
		summary.Results = append(summary.Results, res)
		if res.Status != "skipped" {
			summary.Processed++
		}
		if res.Status == entity.EventStatusAccepted {
			summary.Accepted++
		}
	}

	d.log.Info().
		Int("polled", summary.Polled).
		Int("due", summary.Due).
		Int("processed", summary.Processed).
		Int("accepted", summary.Accepted).
		Msg("pasada del despachador VeriFactu completada")

	return summary, nil
}

// processEvent procesa un evento de principio a fin. Nunca propaga pánicos:
// un fallo inesperado en un evento cuenta como intento fallido y no debe
// tumbar el resto del lote.
func (d *Dispatcher) processEvent(ctx context.Context, ev *entity.DispatchEvent, subs map[string]Submitter) (res EventResult) {
	res = EventResult{EventID: ev.ID, InvoiceID: ev.InvoiceID, Attempts: ev.Attempts, Mode: "live"}
	if d.cfg.Mode != "live" {
		res.Mode = "simulation"
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("event_id", ev.ID).Interface("panic", r).Msg("pánico procesando evento")
			res = d.markFailure(ctx, ev, res, fmt.Errorf("pánico: %v", r))
		}
	}()

	// ═══════════════════════════════════════════════════════════════════════════
	// 0. Reclamar el evento (pending → sending, condicional)
	// ═══════════════════════════════════════════════════════════════════════════
	claimed, err := d.eventRepo.MarkSending(ctx, ev.ID)
	if err != nil {
		res.Status = "skipped"
		res.Error = err.Error()
		return res
	}
	if !claimed {
		// Otro proceso lo tomó entre el listado y el claim.
		res.Status = "skipped"
		return res
	}

	out, simulated, err := d.execute(ctx, ev, subs)
	if err != nil {
		return d.markFailure(ctx, ev, res, err)
	}
	if simulated {
		res.Mode = "simulation"
	}

	// ═══════════════════════════════════════════════════════════════════════════
	// 5. Persistir el desenlace
	// ═══════════════════════════════════════════════════════════════════════════
	sentAt := d.now()
	if out.accepted {
		if err := d.eventRepo.MarkAccepted(ctx, ev.ID, sentAt, out.response); err != nil {
			d.log.Error().Str("event_id", ev.ID).Err(err).Msg("no se pudo persistir accepted")
			res.Status = "skipped"
			res.Error = err.Error()
			return res
		}
		if out.anchor != nil {
			if err := d.chainRepo.UpsertAnchor(ctx, out.anchor); err != nil {
				// El registro ya está aceptado por la AEAT; el ancla se
				// reconstruirá en el siguiente ciclo si hace falta.
				d.log.Error().Str("event_id", ev.ID).Err(err).Msg("no se pudo actualizar el ancla de cadena")
			}
		}
		res.Status = entity.EventStatusAccepted
		return res
	}
	return d.markRejection(ctx, ev, res, out)
}

// outcome desenlace de la ejecución de un evento (sin persistir todavía).
type outcome struct {
	accepted bool
	errMsg   string
	response []byte
	anchor   *entity.ChainAnchor
}

// execute corre el ciclo del evento según el modo. Un error devuelto es un
// fallo del intento (reintentabe); un outcome no aceptado es un rechazo AEAT.
func (d *Dispatcher) execute(ctx context.Context, ev *entity.DispatchEvent, subs map[string]Submitter) (*outcome, bool, error) {
	if d.cfg.Mode != "live" {
		return d.simulate(ev), true, nil
	}

	out, err := d.executeLive(ctx, ev, subs)
	if err != nil {
		// Aceptación simulada solo si el endpoint no responde y el
		// fallback está habilitado explícitamente.
		if d.cfg.EnableFallback && errors.Is(err, domain.ErrEndpointDown) {
			d.log.Warn().Str("event_id", ev.ID).Msg("endpoint AEAT caído; aplicando fallback simulado")
			return d.simulate(ev), true, nil
		}
		return nil, false, err
	}
	return out, false, nil
}

// executeLive ciclo real: carga datos, transforma, genera XML, firma y remite.
func (d *Dispatcher) executeLive(ctx context.Context, ev *entity.DispatchEvent, subs map[string]Submitter) (*outcome, error) {
	// ═══════════════════════════════════════════════════════════════════════════
	// 1. Datos frescos: configuración, factura y ancla de cadena
	// ═══════════════════════════════════════════════════════════════════════════
	settings, err := d.settingsRepo.GetByCompany(ctx, ev.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("configuración VeriFactu: %w", err)
	}
	inv, err := d.invoiceRepo.GetByID(ctx, ev.CompanyID, ev.InvoiceID)
	if err != nil {
		return nil, fmt.Errorf("factura %s: %w", ev.InvoiceID, err)
	}
	anchor, err := d.chainRepo.GetAnchor(ctx, settings.IssuerNIF)
	if err != nil {
		return nil, fmt.Errorf("ancla de cadena: %w", err)
	}

	// ═══════════════════════════════════════════════════════════════════════════
	// 2. Transformar y generar el XML SuministroLR
	// ═══════════════════════════════════════════════════════════════════════════
	cab := infravf.BuildCabecera(settings, false)
	var (
		xmlStr    string
		newAnchor *entity.ChainAnchor
		operation string
	)
	switch ev.EventType {
	case entity.EventTypeAnulacion:
		reg, tErr := d.transformer.ToRegistroAnulacion(inv, settings, anchor)
		if tErr != nil {
			return nil, tErr
		}
		xmlStr, err = d.xmlBuilder.BuildSuministroAnulacion(cab, []*domvf.RegistroAnulacion{reg})
		if err != nil {
			return nil, fmt.Errorf("generando XML de anulación: %w", err)
		}
		newAnchor = &entity.ChainAnchor{
			IssuerNIF:    settings.IssuerNIF,
			InvoiceID:    inv.ID,
			NumSerie:     reg.IDFactura.NumSerieFactura,
			FechaExpedic: reg.IDFactura.FechaExpedicion,
			Huella:       reg.Huella,
		}
		operation = infravf.OperationAnulacion
	default:
		reg, tErr := d.transformer.ToRegistroAlta(inv, settings, anchor)
		if tErr != nil {
			return nil, tErr
		}
		xmlStr, err = d.xmlBuilder.BuildSuministroAlta(cab, []*domvf.RegistroAlta{reg})
		if err != nil {
			return nil, fmt.Errorf("generando XML de alta: %w", err)
		}
		newAnchor = &entity.ChainAnchor{
			IssuerNIF:    settings.IssuerNIF,
			InvoiceID:    inv.ID,
			NumSerie:     reg.IDFactura.NumSerieFactura,
			FechaExpedic: reg.IDFactura.FechaExpedicion,
			Huella:       reg.Huella,
		}
		operation = infravf.OperationAlta
	}

	// ═══════════════════════════════════════════════════════════════════════════
	// 3. Firma XAdES con el certificado del emisor
	// ═══════════════════════════════════════════════════════════════════════════
	cert, err := d.loadCertificate(ctx, ev.CompanyID)
	if err != nil {
		return nil, err
	}
	signed, err := d.signer.Sign([]byte(xmlStr), cert)
	if err != nil {
		if errors.Is(err, signer.ErrCertExpired) || errors.Is(err, signer.ErrCertParse) || errors.Is(err, signer.ErrNonRSAKey) {
			return nil, fmt.Errorf("%w: %v", domain.ErrCertificate, err)
		}
		return nil, fmt.Errorf("firmando XML: %w", err)
	}

	// ═══════════════════════════════════════════════════════════════════════════
	// 4. Remisión SOAP
	// ═══════════════════════════════════════════════════════════════════════════
	subKey := settings.Environment + "|" + settings.IssuerNIF
	sub, ok := subs[subKey]
	if !ok {
		if d.newSub == nil {
			return nil, errors.New("SubmitterFactory no inyectado para modo live")
		}
		sub, err = d.newSub(settings.Environment, cert)
		if err != nil {
			return nil, fmt.Errorf("construyendo cliente AEAT: %w", err)
		}
		subs[subKey] = sub
	}

	var result *infravf.SubmitResult
	if operation == infravf.OperationAnulacion {
		result, err = sub.AnulacionLR(ctx, string(signed))
	} else {
		result, err = sub.SuministroLR(ctx, string(signed))
	}
	if err != nil {
		return nil, err
	}

	response, _ := json.Marshal(map[string]any{
		"csv":                  result.CSV,
		"estado":               result.Estado,
		"registros_aceptados":  result.RegistrosAceptados,
		"registros_rechazados": result.RegistrosRechazados,
		"errores":              result.ErrorSummary(),
	})
	out := &outcome{accepted: result.Accepted, response: response}
	if result.Accepted {
		out.anchor = newAnchor
	} else {
		out.errMsg = result.ErrorSummary()
		if out.errMsg == "" {
			out.errMsg = "AEAT: estado " + result.Estado
		}
	}
	return out, nil
}

// simulate respuesta simulada en modo mock o fallback. Determinista salvo por
// la tasa de rechazo configurada; no toca la cadena de huellas.
func (d *Dispatcher) simulate(ev *entity.DispatchEvent) *outcome {
	rejected := d.cfg.RejectRate > 0 && d.rand() < d.cfg.RejectRate
	if rejected {
		response, _ := json.Marshal(map[string]any{
			"simulation": true,
			"estado":     "Incorrecto",
			"codigo":     "9999",
			"at":         d.now().UTC().Format(time.RFC3339),
		})
		return &outcome{accepted: false, errMsg: "9999: rechazo simulado", response: response}
	}
	response, _ := json.Marshal(map[string]any{
		"simulation": true,
		"estado":     "Correcto",
		"csv":        "SIM" + ev.ID,
		"at":         d.now().UTC().Format(time.RFC3339),
	})
	return &outcome{accepted: true, response: response}
}

// markFailure registra un intento fallido: reprograma el evento o lo marca
// rechazado terminal si agotó la tabla de reintentos.
func (d *Dispatcher) markFailure(ctx context.Context, ev *entity.DispatchEvent, res EventResult, cause error) EventResult {
	attempts := ev.Attempts + 1
	res.Attempts = attempts
	res.Error = cause.Error()

	if attempts >= d.cfg.MaxAttempts {
		if err := d.eventRepo.MarkRejected(ctx, ev.ID, attempts, cause.Error(), nil); err != nil {
			d.log.Error().Str("event_id", ev.ID).Err(err).Msg("no se pudo persistir rejected")
		}
		d.log.Error().Str("event_id", ev.ID).Int("attempts", attempts).Err(cause).
			Msg("evento rechazado: intentos agotados")
		res.Status = entity.EventStatusRejected
		return res
	}

	if err := d.eventRepo.Reschedule(ctx, ev.ID, attempts, cause.Error()); err != nil {
		d.log.Error().Str("event_id", ev.ID).Err(err).Msg("no se pudo reprogramar el evento")
	}
	d.log.Warn().Str("event_id", ev.ID).Int("attempts", attempts).Err(cause).
		Dur("next_wait", d.backoff.Wait(attempts)).
		Msg("intento fallido; evento reprogramado")
	res.Status = entity.EventStatusPending
	return res
}

// markRejection registra un rechazo explícito de la AEAT (respuesta recibida,
// registro no admitido). Cuenta como intento igual que un fallo de transporte.
func (d *Dispatcher) markRejection(ctx context.Context, ev *entity.DispatchEvent, res EventResult, out *outcome) EventResult {
	attempts := ev.Attempts + 1
	res.Attempts = attempts
	res.Error = out.errMsg

	if attempts >= d.cfg.MaxAttempts {
		if err := d.eventRepo.MarkRejected(ctx, ev.ID, attempts, out.errMsg, out.response); err != nil {
			d.log.Error().Str("event_id", ev.ID).Err(err).Msg("no se pudo persistir rejected")
		}
		res.Status = entity.EventStatusRejected
		return res
	}

	if err := d.eventRepo.Reschedule(ctx, ev.ID, attempts, out.errMsg); err != nil {
		d.log.Error().Str("event_id", ev.ID).Err(err).Msg("no se pudo reprogramar el evento")
	}
	d.log.Warn().Str("event_id", ev.ID).Int("attempts", attempts).Str("aeat_error", out.errMsg).
		Msg("registro rechazado por la AEAT; evento reprogramado")
	res.Status = entity.EventStatusPending
	return res
}

// loadCertificate recupera y abre el PKCS#12 del emisor. El material se
// descifra por invocación y nunca se cachea.
func (d *Dispatcher) loadCertificate(ctx context.Context, companyID string) (tls.Certificate, error) {
	p12, password, err := d.settingsRepo.GetCertificate(ctx, companyID)
	if err != nil {
		return tls.Certificate{}, err
	}
	cert, err := d.loadCert(p12, password)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: %v", domain.ErrCertificate, err)
	}
	if len(cert.Certificate) == 0 || cert.PrivateKey == nil {
		return tls.Certificate{}, fmt.Errorf("%w: material de certificado vacío", domain.ErrCertificate)
	}
	return cert, nil
}
