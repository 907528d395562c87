package verifactu_test

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simplifica-app/verifactu-dispatcher/internal/domain"
	infravf "github.com/simplifica-app/verifactu-dispatcher/internal/infrastructure/verifactu"
)

const respuestaCorrecta = `<?xml version="1.0" encoding="UTF-8"?>
<env:Envelope xmlns:env="http://schemas.xmlsoap.org/soap/envelope/">
  <env:Body>
    <sfR:RespuestaRegFactuSistemaFacturacion xmlns:sfR="https://www2.agenciatributaria.gob.es/static_files/common/internet/dep/aplicaciones/es/aeat/ssii/verifactu/ws/RespuestaSuministro.xsd">
      <sfR:CSV>CSVPRUEBA123456</sfR:CSV>
      <sfR:EstadoEnvio>Correcto</sfR:EstadoEnvio>
      <sfR:TiempoEsperaEnvio>90</sfR:TiempoEsperaEnvio>
      <sfR:RegistrosAceptados>1</sfR:RegistrosAceptados>
      <sfR:RegistrosRechazados>0</sfR:RegistrosRechazados>
    </sfR:RespuestaRegFactuSistemaFacturacion>
  </env:Body>
</env:Envelope>`

const respuestaRechazo = `<?xml version="1.0" encoding="UTF-8"?>
<env:Envelope xmlns:env="http://schemas.xmlsoap.org/soap/envelope/">
  <env:Body>
    <sfR:RespuestaRegFactuSistemaFacturacion xmlns:sfR="https://www2.agenciatributaria.gob.es/static_files/common/internet/dep/aplicaciones/es/aeat/ssii/verifactu/ws/RespuestaSuministro.xsd">
      <sfR:EstadoEnvio>Incorrecto</sfR:EstadoEnvio>
      <sfR:RegistrosAceptados>0</sfR:RegistrosAceptados>
      <sfR:RegistrosRechazados>1</sfR:RegistrosRechazados>
      <sfR:RespuestaLinea>
        <sfR:CodigoErrorRegistro>1105</sfR:CodigoErrorRegistro>
        <sfR:DescripcionErrorRegistro>El NIF no esta identificado en el censo de la AEAT</sfR:DescripcionErrorRegistro>
      </sfR:RespuestaLinea>
    </sfR:RespuestaRegFactuSistemaFacturacion>
  </env:Body>
</env:Envelope>`

// newTestClient construye un cliente apuntando al servidor de prueba, con
// reloj fijo y espera registrada en lugar de dormir de verdad.
func newTestClient(t *testing.T, url string, slept *[]time.Duration) *infravf.AEATClient {
	t.Helper()
	now := time.Date(2024, 11, 29, 10, 0, 0, 0, time.UTC)
	c, err := infravf.NewAEATClient(infravf.EnvPre, tls.Certificate{},
		infravf.WithEndpoint(url),
		infravf.WithHTTPClient(http.DefaultClient),
		infravf.WithClock(
			func() time.Time { return now },
			func(d time.Duration) { *slept = append(*slept, d) },
		),
	)
	require.NoError(t, err)
	return c
}

func TestAEATClient_EnvioCorrecto(t *testing.T) {
	var gotAction string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAction = r.Header.Get("SOAPAction")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write([]byte(respuestaCorrecta))
	}))
	defer srv.Close()

	var slept []time.Duration
	c := newTestClient(t, srv.URL, &slept)

	res, err := c.SuministroLR(context.Background(), `<?xml version="1.0" encoding="UTF-8"?><sf:RegFactuSistemaFacturacion xmlns:sf="x">cuerpo</sf:RegFactuSistemaFacturacion>`)
	require.NoError(t, err)

	assert.Equal(t, "SuministroLR", gotAction, "la cabecera SOAPAction identifica la operación")
	assert.Contains(t, string(gotBody), "<soapenv:Envelope")
	assert.Contains(t, string(gotBody), "<sf:RegFactuSistemaFacturacion")

	assert.True(t, res.Accepted)
	assert.Equal(t, "CSVPRUEBA123456", res.CSV)
	assert.Equal(t, "Correcto", res.Estado)
	assert.Equal(t, 1, res.RegistrosAceptados)
	assert.Equal(t, 0, res.RegistrosRechazados)
	assert.Empty(t, res.Errores)

	// La respuesta trae TiempoEsperaEnvio=90: el cliente adopta la nueva espera.
	assert.Equal(t, 90*time.Second, c.WaitTime())
}

func TestAEATClient_EnvioRechazado(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(respuestaRechazo))
	}))
	defer srv.Close()

	var slept []time.Duration
	c := newTestClient(t, srv.URL, &slept)

	res, err := c.SuministroLR(context.Background(), "<doc>x</doc>")
	require.NoError(t, err, "un rechazo de protocolo no es un error de transporte")

	assert.False(t, res.Accepted)
	assert.Equal(t, 1, res.RegistrosRechazados)
	require.Len(t, res.Errores, 1)
	assert.Equal(t, "1105", res.Errores[0].Codigo)
	assert.Contains(t, res.ErrorSummary(), "1105")
}

func TestAEATClient_RespuestaHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<!DOCTYPE html><html><body>Servicio no disponible</body></html>"))
	}))
	defer srv.Close()

	var slept []time.Duration
	c := newTestClient(t, srv.URL, &slept)

	_, err := c.SuministroLR(context.Background(), "<doc>x</doc>")
	assert.ErrorIs(t, err, domain.ErrEndpointDown,
		"HTML en la respuesta se clasifica como endpoint caído, no como parse error")
}

func TestAEATClient_ReintentosDeTransporte(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("error temporal"))
			return
		}
		_, _ = w.Write([]byte(respuestaCorrecta))
	}))
	defer srv.Close()

	var slept []time.Duration
	c := newTestClient(t, srv.URL, &slept)

	res, err := c.SuministroLR(context.Background(), "<doc>x</doc>")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, int32(3), calls.Load(), "dos fallos y un éxito")

	// Las dos reposiciones esperan el retardo fijo de transporte.
	esperas := 0
	for _, d := range slept {
		if d == 5*time.Second {
			esperas++
		}
	}
	assert.Equal(t, 2, esperas)
}

func TestAEATClient_ReintentosAgotados(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	var slept []time.Duration
	c := newTestClient(t, srv.URL, &slept)

	_, err := c.SuministroLR(context.Background(), "<doc>x</doc>")
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.Equal(t, int32(3), calls.Load(), "el reintento de transporte está acotado")
}

func TestAEATClient_ControlDeFlujo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(respuestaCorrecta))
	}))
	defer srv.Close()

	var slept []time.Duration
	c := newTestClient(t, srv.URL, &slept)

	// Primer envío: sin espera previa.
	_, err := c.SuministroLR(context.Background(), "<doc>x</doc>")
	require.NoError(t, err)
	assert.Empty(t, slept, "el primer envío no espera")

	// Segundo envío inmediato (reloj congelado): debe esperar la pausa
	// completa anunciada por la AEAT (90 s).
	_, err = c.AnulacionLR(context.Background(), "<doc>y</doc>")
	require.NoError(t, err)
	require.NotEmpty(t, slept)
	assert.Equal(t, 90*time.Second, slept[0])
}

func TestAEATClient_ControlDeFlujoEnReintentos(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// El segundo envío falla en su primer intento de transporte.
		if calls.Add(1) == 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(respuestaCorrecta))
	}))
	defer srv.Close()

	var slept []time.Duration
	c := newTestClient(t, srv.URL, &slept)

	// Primer envío: fija lastRequest y adopta la espera de 90 s de la AEAT.
	_, err := c.SuministroLR(context.Background(), "<doc>x</doc>")
	require.NoError(t, err)
	require.Empty(t, slept)

	// Segundo envío con reloj congelado: espera 90 s, falla el transporte,
	// repone 5 s y vuelve a esperar los 90 s antes del reintento.
	_, err = c.SuministroLR(context.Background(), "<doc>y</doc>")
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{90 * time.Second, 5 * time.Second, 90 * time.Second}, slept,
		"la espera mínima entre envíos también aplica a cada reintento de transporte")
}

func TestAEATClient_EntornoDesconocido(t *testing.T) {
	_, err := infravf.NewAEATClient("staging", tls.Certificate{})
	assert.Error(t, err)
}

func TestAEATClient_OperacionesSOAPAction(t *testing.T) {
	var actions []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actions = append(actions, r.Header.Get("SOAPAction"))
		_, _ = w.Write([]byte(respuestaCorrecta))
	}))
	defer srv.Close()

	var slept []time.Duration
	c := newTestClient(t, srv.URL, &slept)

	ctx := context.Background()
	_, _ = c.SuministroLR(ctx, "<a>1</a>")
	_, _ = c.AnulacionLR(ctx, "<a>2</a>")
	_, _ = c.ConsultaLR(ctx, "<a>3</a>")

	assert.Equal(t, []string{"SuministroLR", "AnulacionLR", "ConsultaLR"}, actions)
}
