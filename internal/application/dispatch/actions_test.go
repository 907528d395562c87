package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simplifica-app/verifactu-dispatcher/internal/domain"
	"github.com/simplifica-app/verifactu-dispatcher/internal/domain/entity"
	infravf "github.com/simplifica-app/verifactu-dispatcher/internal/infrastructure/verifactu"
	"github.com/simplifica-app/verifactu-dispatcher/pkg/config"
)

func TestActions_Retry(t *testing.T) {
	t.Run("reactiva el rechazo más reciente", func(t *testing.T) {
		rechazado := testEvent(entity.EventTypeAlta)
		rechazado.Status = entity.EventStatusRejected
		rechazado.LastError = "1105: NIF no identificado"
		rechazado.Attempts = 7
		events := newMemEventRepo(rechazado)
		a := NewActions(events, config.VerifactuConfig{})

		res, err := a.Retry(context.Background(), "co-1", "inv-1")
		require.NoError(t, err)

		assert.True(t, res.Retried)
		assert.Equal(t, "ev-1", res.EventID)
		assert.Equal(t, entity.EventStatusPending, rechazado.Status)
		assert.Empty(t, rechazado.LastError, "el error previo se limpia")
		assert.Equal(t, 7, rechazado.Attempts, "los intentos no se resetean")
	})

	t.Run("sin rechazos no hace nada", func(t *testing.T) {
		events := newMemEventRepo(testEvent(entity.EventTypeAlta))
		a := NewActions(events, config.VerifactuConfig{})

		res, err := a.Retry(context.Background(), "co-1", "inv-1")
		require.NoError(t, err)
		assert.False(t, res.Retried)
		assert.Empty(t, res.EventID)
	})
}

func TestActions_Config(t *testing.T) {
	a := NewActions(newMemEventRepo(), config.VerifactuConfig{
		Mode:           "live",
		Environment:    "pre",
		MaxAttempts:    7,
		BackoffMinutes: []int{0, 1, 5},
		RejectRate:     0.25,
		EnableFallback: true,
	})

	info := a.Config()
	assert.Equal(t, "live", info.Mode)
	assert.Equal(t, "pre", info.Environment)
	assert.Equal(t, 7, info.MaxAttempts)
	assert.Equal(t, []int{0, 1, 5}, info.BackoffMinutes)
	assert.Equal(t, BatchSize, info.BatchSize)
	assert.True(t, info.FallbackEnabled)
}

func TestActions_Config_Defaults(t *testing.T) {
	info := NewActions(newMemEventRepo(), config.VerifactuConfig{}).Config()
	assert.Equal(t, DefaultMaxAttempts, info.MaxAttempts)
	assert.Equal(t, DefaultBackoffMinutes, info.BackoffMinutes)
}

func TestActions_Health(t *testing.T) {
	t.Run("cola vacía ok", func(t *testing.T) {
		events := newMemEventRepo()
		a := NewActions(events, config.VerifactuConfig{})

		info, err := a.Health(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ok", info.Status)
		assert.Zero(t, info.Pending)
	})

	t.Run("pendientes recientes ok", func(t *testing.T) {
		events := newMemEventRepo()
		accepted := frozenNow.Add(-10 * time.Minute)
		events.stats.Pending = 3
		events.stats.LastAcceptedAt = &accepted
		a := NewActions(events, config.VerifactuConfig{}).
			WithClock(func() time.Time { return frozenNow })

		info, err := a.Health(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ok", info.Status)
		assert.Equal(t, 3, info.Pending)
	})

	t.Run("pendientes estancados degradado", func(t *testing.T) {
		events := newMemEventRepo()
		accepted := frozenNow.Add(-2 * time.Hour)
		events.stats.Pending = 5
		events.stats.LastAcceptedAt = &accepted
		a := NewActions(events, config.VerifactuConfig{}).
			WithClock(func() time.Time { return frozenNow })

		info, err := a.Health(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "degraded", info.Status)
	})
}

func TestActions_Meta(t *testing.T) {
	t.Run("evento pendiente incluye próxima ejecución", func(t *testing.T) {
		sent := frozenNow.Add(-time.Minute)
		ev := testEvent(entity.EventTypeAlta)
		ev.Attempts = 2 // espera de 5 minutos
		ev.SentAt = &sent
		ev.LastError = "fallo de red hacia AEAT"
		events := newMemEventRepo(ev)
		a := NewActions(events, config.VerifactuConfig{})

		meta, err := a.Meta(context.Background(), "co-1", "inv-1")
		require.NoError(t, err)

		assert.Equal(t, entity.EventStatusPending, meta.Status)
		assert.Equal(t, entity.EventTypeAlta, meta.EventType)
		assert.Equal(t, 2, meta.Attempts)
		assert.Equal(t, "fallo de red hacia AEAT", meta.LastError)
		require.NotNil(t, meta.NextDue)
		assert.Equal(t, sent.Add(5*time.Minute), *meta.NextDue)
	})

	t.Run("evento aceptado sin próxima ejecución", func(t *testing.T) {
		sent := frozenNow.Add(-time.Minute)
		ev := testEvent(entity.EventTypeAlta)
		ev.Status = entity.EventStatusAccepted
		ev.SentAt = &sent
		events := newMemEventRepo(ev)
		a := NewActions(events, config.VerifactuConfig{})

		meta, err := a.Meta(context.Background(), "co-1", "inv-1")
		require.NoError(t, err)
		assert.Equal(t, entity.EventStatusAccepted, meta.Status)
		assert.Nil(t, meta.NextDue)
	})

	t.Run("con export incluye el XML de conservación", func(t *testing.T) {
		ev := testEvent(entity.EventTypeAlta)
		ev.Status = entity.EventStatusAccepted
		events := newMemEventRepo(ev)
		invRepo, setRepo := testFixtures()
		a := NewActions(events, config.VerifactuConfig{}).
			WithExport(invRepo, setRepo, &memChainRepo{},
				infravf.NewTransformerWithClock(func() time.Time { return frozenNow }),
				infravf.NewXMLBuilder())

		meta, err := a.Meta(context.Background(), "co-1", "inv-1")
		require.NoError(t, err)
		assert.Contains(t, meta.RegistroXML, "RegistroAltaExportacion")
		assert.Contains(t, meta.RegistroXML, "FA2024-001")
	})

	t.Run("factura sin eventos not found", func(t *testing.T) {
		a := NewActions(newMemEventRepo(), config.VerifactuConfig{})
		_, err := a.Meta(context.Background(), "co-1", "inv-ajena")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestActions_Events(t *testing.T) {
	ev1 := testEvent(entity.EventTypeAlta)
	ev2 := testEvent(entity.EventTypeAnulacion)
	ev2.ID = "ev-2"
	events := newMemEventRepo(ev1, ev2)
	a := NewActions(events, config.VerifactuConfig{})

	t.Run("límite explícito", func(t *testing.T) {
		out, err := a.Events(context.Background(), "co-1", "inv-1", 1)
		require.NoError(t, err)
		assert.Len(t, out, 1)
	})

	t.Run("límite por defecto", func(t *testing.T) {
		out, err := a.Events(context.Background(), "co-1", "inv-1", 0)
		require.NoError(t, err)
		assert.Len(t, out, 2)
	})
}

func TestActions_Diag(t *testing.T) {
	events := newMemEventRepo()
	events.stats.Pending = 2
	a := NewActions(events, config.VerifactuConfig{Mode: "mock"})

	diag := a.Diag(context.Background())
	assert.True(t, diag.QueueReachable)
	assert.Equal(t, 2, diag.Pending)
	require.NotNil(t, diag.Config)
	assert.Equal(t, "mock", diag.Config.Mode)
}
