// Cliente SOAP de los servicios web VeriFactu de la AEAT.
//
// Endpoints según Artículo 16 de la Orden HAC/1177/2024. El control de flujo
// del Art. 16.2 (espera mínima entre envíos, inicial 60 s, actualizada con
// TiempoEsperaEnvio de cada respuesta) es una regla dura, no una optimización.

package verifactu

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/beevik/etree"

	"github.com/simplifica-app/verifactu-dispatcher/internal/domain"
)

// ── Constantes de entorno ──────────────────────────────────────────────────────

const (
	// EnvPre es el entorno de preproducción (pruebas) de la AEAT.
	EnvPre = "pre"
	// EnvProd es el entorno de producción.
	EnvProd = "prod"

	endpointVerifactuPre  = "https://prewww1.aeat.es/wlpl/VERIFACTU-FACT/ws/SuministroLR"
	endpointVerifactuProd = "https://www1.agenciatributaria.gob.es/wlpl/VERIFACTU-FACT/ws/SuministroLR"

	// Endpoints con forma SII, conservados como referencia mientras la AEAT
	// consolida las URLs definitivas en su sede electrónica.
	endpointSIIPre  = "https://prewww1.aeat.es/wlpl/SSII-FACT/ws/fe/SiiFactFEV2SOAP"
	endpointSIIProd = "https://www1.agenciatributaria.gob.es/wlpl/SSII-FACT/ws/fe/SiiFactFEV2SOAP"

	soapNS = "http://schemas.xmlsoap.org/soap/envelope/"

	// initialWait espera mínima inicial entre envíos (Art. 16.2).
	initialWait = 60 * time.Second

	transportRetries    = 3
	transportRetryDelay = 5 * time.Second
	requestTimeout      = 60 * time.Second
)

// Operaciones del servicio; el valor es la cabecera SOAPAction.
const (
	OperationAlta      = "SuministroLR"
	OperationAnulacion = "AnulacionLR"
	OperationConsulta  = "ConsultaLR"
)

// ── Resultado ─────────────────────────────────────────────────────────────────

// SubmitError error a nivel de registro devuelto por la AEAT.
type SubmitError struct {
	Codigo      string
	Descripcion string
}

// SubmitResult resultado de una remisión al servicio VeriFactu.
type SubmitResult struct {
	Accepted            bool
	CSV                 string // Código Seguro de Verificación
	Estado              string // Correcto | ParcialmenteCorrecto | Incorrecto
	TiempoEspera        int    // segundos hasta el siguiente envío permitido
	RegistrosAceptados  int
	RegistrosRechazados int
	Errores             []SubmitError
	Raw                 []byte
}

// ErrorSummary concatena los errores de registro en un solo mensaje.
func (r *SubmitResult) ErrorSummary() string {
	if len(r.Errores) == 0 {
		return ""
	}
	parts := make([]string, 0, len(r.Errores))
	for _, e := range r.Errores {
		parts = append(parts, e.Codigo+": "+e.Descripcion)
	}
	return strings.Join(parts, "; ")
}

// ── Cliente ───────────────────────────────────────────────────────────────────

// AEATClient habla SOAP con los servicios VeriFactu usando mTLS con el
// certificado del emisor. El estado de control de flujo es por instancia:
// un cliente por emisor y por invocación del despachador.
type AEATClient struct {
	env         string
	endpointURL string
	httpClient  *http.Client

	mu          sync.Mutex
	lastRequest time.Time
	waitTime    time.Duration

	now   func() time.Time
	sleep func(time.Duration)
}

// AEATClientOption ajusta el cliente en construcción.
type AEATClientOption func(*AEATClient)

// WithHTTPClient sustituye el transporte HTTP (tests).
func WithHTTPClient(hc *http.Client) AEATClientOption {
	return func(c *AEATClient) { c.httpClient = hc }
}

// WithEndpoint fija la URL del servicio en lugar de la oficial del entorno.
func WithEndpoint(url string) AEATClientOption {
	return func(c *AEATClient) { c.endpointURL = url }
}

// WithClock sustituye reloj y espera (tests).
func WithClock(now func() time.Time, sleep func(time.Duration)) AEATClientOption {
	return func(c *AEATClient) {
		c.now = now
		c.sleep = sleep
	}
}

// NewAEATClient construye el cliente para el entorno dado con el certificado
// de cliente para mTLS.
func NewAEATClient(env string, cert tls.Certificate, opts ...AEATClientOption) (*AEATClient, error) {
	if env != EnvPre && env != EnvProd {
		return nil, fmt.Errorf("verifactu: entorno desconocido %q (usar %q o %q)", env, EnvPre, EnvProd)
	}
	c := &AEATClient{
		env: env,
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					Certificates: []tls.Certificate{cert},
					MinVersion:   tls.VersionTLS12,
				},
			},
		},
		waitTime: initialWait,
		now:      time.Now,
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SuministroLR remite registros de alta.
func (c *AEATClient) SuministroLR(ctx context.Context, signedXML string) (*SubmitResult, error) {
	return c.send(ctx, OperationAlta, signedXML)
}

// AnulacionLR remite registros de anulación.
func (c *AEATClient) AnulacionLR(ctx context.Context, signedXML string) (*SubmitResult, error) {
	return c.send(ctx, OperationAnulacion, signedXML)
}

// ConsultaLR consulta registros previamente remitidos.
func (c *AEATClient) ConsultaLR(ctx context.Context, signedXML string) (*SubmitResult, error) {
	return c.send(ctx, OperationConsulta, signedXML)
}

// WaitTime espera vigente entre envíos.
func (c *AEATClient) WaitTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitTime
}

// TimeToNextSend tiempo restante hasta poder enviar de nuevo.
func (c *AEATClient) TimeToNextSend() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastRequest.IsZero() {
		return 0
	}
	remaining := c.waitTime - c.now().Sub(c.lastRequest)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (c *AEATClient) endpoint() string {
	if c.endpointURL != "" {
		return c.endpointURL
	}
	if c.env == EnvProd {
		return endpointVerifactuProd
	}
	return endpointVerifactuPre
}

// send envuelve el cuerpo firmado, respeta el control de flujo y reintenta
// fallos de transporte un número acotado de veces con espera fija. Estos
// reintentos son independientes del contador de intentos del despachador.
func (c *AEATClient) send(ctx context.Context, operation, signedXML string) (*SubmitResult, error) {
	envelope := buildSOAPEnvelope(signedXML)

	var lastErr error
	for attempt := 1; attempt <= transportRetries; attempt++ {
		if attempt > 1 {
			c.sleep(transportRetryDelay)
		}
		// La espera mínima se respeta en cada intento: un fallo de
		// transporte también cuenta como envío de cara al Art. 16.2.
		c.waitIfNeeded()

		result, err := c.doRequest(ctx, operation, envelope)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrTransport, ctx.Err())
		}
	}
	return nil, lastErr
}

func (c *AEATClient) doRequest(ctx context.Context, operation, envelope string) (*SubmitResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(),
		strings.NewReader(envelope))
	if err != nil {
		return nil, fmt.Errorf("verifactu: crear request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=UTF-8")
	req.Header.Set("SOAPAction", operation)

	resp, err := c.httpClient.Do(req)

	c.mu.Lock()
	c.lastRequest = c.now()
	c.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // max 1 MB
	if err != nil {
		return nil, fmt.Errorf("%w: leer respuesta: %v", domain.ErrTransport, err)
	}

	// Una respuesta con forma HTML significa endpoint caído o mal configurado,
	// no un rechazo de protocolo.
	if looksLikeHTML(rawBody) {
		return nil, fmt.Errorf("%w: el endpoint devolvió HTML (HTTP %d)", domain.ErrEndpointDown, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d: %s", domain.ErrTransport, resp.StatusCode, truncate(rawBody, 200))
	}

	result := parseAEATResponse(rawBody)

	if result.TiempoEspera > 0 {
		c.mu.Lock()
		c.waitTime = time.Duration(result.TiempoEspera) * time.Second
		c.mu.Unlock()
	}
	return result, nil
}

// waitIfNeeded bloquea hasta cumplir la espera mínima entre envíos.
func (c *AEATClient) waitIfNeeded() {
	c.mu.Lock()
	last := c.lastRequest
	wait := c.waitTime
	c.mu.Unlock()

	if last.IsZero() {
		return
	}
	elapsed := c.now().Sub(last)
	if elapsed < wait {
		c.sleep(wait - elapsed)
	}
}

// ── Envelope y parseo ─────────────────────────────────────────────────────────

func buildSOAPEnvelope(body string) string {
	body = strings.TrimPrefix(body, `<?xml version="1.0" encoding="UTF-8"?>`)
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	sb.WriteString("\n")
	sb.WriteString(`<soapenv:Envelope xmlns:soapenv="` + soapNS + `">`)
	sb.WriteString(`<soapenv:Header/>`)
	sb.WriteString(`<soapenv:Body>`)
	sb.WriteString(body)
	sb.WriteString(`</soapenv:Body>`)
	sb.WriteString(`</soapenv:Envelope>`)
	return sb.String()
}

func looksLikeHTML(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	lower := bytes.ToLower(trimmed)
	return bytes.HasPrefix(lower, []byte("<!doctype html")) ||
		bytes.HasPrefix(lower, []byte("<html"))
}

// parseAEATResponse extrae CSV, estado, tiempo de espera, contadores y
// errores de línea de la respuesta SOAP. Tolerante a prefijos de namespace:
// busca por nombre local.
func parseAEATResponse(rawBody []byte) *SubmitResult {
	result := &SubmitResult{Raw: rawBody}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(rawBody); err != nil {
		result.Errores = append(result.Errores, SubmitError{
			Codigo:      "PARSE_ERROR",
			Descripcion: "no se pudo parsear la respuesta SOAP",
		})
		return result
	}
	root := doc.Root()
	if root == nil {
		result.Errores = append(result.Errores, SubmitError{
			Codigo:      "PARSE_ERROR",
			Descripcion: "respuesta SOAP sin raíz",
		})
		return result
	}

	result.CSV = textOfLocal(root, "CSV")
	result.Estado = textOfLocal(root, "EstadoEnvio")
	result.TiempoEspera = intOfLocal(root, "TiempoEsperaEnvio")
	result.RegistrosAceptados = intOfLocal(root, "RegistrosAceptados")
	result.RegistrosRechazados = intOfLocal(root, "RegistrosRechazados")

	for _, bloque := range elementsOfLocal(root, "RespuestaLinea") {
		code := textOfLocal(bloque, "CodigoErrorRegistro")
		desc := textOfLocal(bloque, "DescripcionErrorRegistro")
		if code == "" && desc == "" {
			continue
		}
		if code == "" {
			code = "UNKNOWN"
		}
		result.Errores = append(result.Errores, SubmitError{Codigo: code, Descripcion: desc})
	}

	estado := strings.ToLower(result.Estado)
	result.Accepted = estado == "correcto" ||
		estado == "parcialmentecorrecto" ||
		estado == "parcialmente_correcto" ||
		(result.CSV != "" && len(result.Errores) == 0)

	return result
}

// textOfLocal devuelve el texto del primer descendiente con ese nombre local.
func textOfLocal(e *etree.Element, local string) string {
	if found := firstOfLocal(e, local); found != nil {
		return strings.TrimSpace(found.Text())
	}
	return ""
}

func intOfLocal(e *etree.Element, local string) int {
	s := textOfLocal(e, local)
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func firstOfLocal(e *etree.Element, local string) *etree.Element {
	if e.Tag == local {
		return e
	}
	for _, child := range e.ChildElements() {
		if found := firstOfLocal(child, local); found != nil {
			return found
		}
	}
	return nil
}

func elementsOfLocal(e *etree.Element, local string) []*etree.Element {
	var out []*etree.Element
	if e.Tag == local {
		out = append(out, e)
	}
	for _, child := range e.ChildElements() {
		out = append(out, elementsOfLocal(child, local)...)
	}
	return out
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
