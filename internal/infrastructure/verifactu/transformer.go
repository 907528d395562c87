// Transformación de facturas del modelo de facturación al registro VeriFactu.
package verifactu

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/simplifica-app/verifactu-dispatcher/internal/domain"
	"github.com/simplifica-app/verifactu-dispatcher/internal/domain/entity"
	domvf "github.com/simplifica-app/verifactu-dispatcher/internal/domain/verifactu"
)

// umbralSimplificada importe máximo de una factura simplificada (art. 4 RD 1619/2012).
var umbralSimplificada = decimal.NewFromInt(400)

// tipoGeneralIVA tipo impositivo por defecto cuando la línea no lo informa.
var tipoGeneralIVA = decimal.NewFromInt(21)

// reNIFEspanol reconoce NIF/CIF españoles: letra opcional + 7-8 dígitos + letra opcional.
var reNIFEspanol = regexp.MustCompile(`(?i)^[A-Z]?\d{7,8}[A-Z]?$`)

// ValidationResult resultado de la validación previa a la transformación.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// ValidateInvoice comprueba que la factura tiene los datos mínimos exigibles
// antes de intentar generar el registro. Devuelve la lista completa de
// carencias, no solo la primera.
func ValidateInvoice(inv *entity.InvoiceRecord) ValidationResult {
	var errs []string

	if inv.Number == "" {
		errs = append(errs, "Número de factura requerido")
	}
	if inv.IssueDate == "" {
		errs = append(errs, "Fecha de factura requerida")
	} else if _, err := domvf.FormatDateAEAT(inv.IssueDate); err != nil {
		errs = append(errs, fmt.Sprintf("Formato de fecha inválido: %s", inv.IssueDate))
	}
	if inv.Total.IsZero() && inv.Subtotal.IsZero() && len(inv.Lines) == 0 {
		errs = append(errs, "Importe total requerido")
	}
	if inv.Company.NIF == "" {
		errs = append(errs, "NIF del emisor requerido")
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// Transformer convierte facturas en registros VeriFactu listos para serializar.
// Sin estado: el reloj se inyecta para que los tests fijen el timestamp.
type Transformer struct {
	now func() time.Time
}

// NewTransformer construye el transformador con el reloj del sistema.
func NewTransformer() *Transformer {
	return &Transformer{now: time.Now}
}

// NewTransformerWithClock permite fijar el reloj (tests).
func NewTransformerWithClock(now func() time.Time) *Transformer {
	return &Transformer{now: now}
}

// BuildSistema construye el bloque SistemaInformatico desde la configuración
// del emisor, con los valores por defecto del producto.
func BuildSistema(s *entity.VerifactuSettings) domvf.SistemaInformatico {
	sistema := domvf.SistemaInformatico{
		NIF:            s.ProducerNIF,
		NombreRazon:    s.ProducerName,
		IDSistema:      s.SoftwareCode,
		NombreSistema:  s.SoftwareName,
		Version:        s.SoftwareVersion,
		NumInstalacion: s.InstallationNumber,
		TipoUsoPosible: "S",
		TipoUsoMultiOT: "S",
	}
	if sistema.NIF == "" {
		sistema.NIF = s.IssuerNIF
	}
	if sistema.NombreRazon == "" {
		sistema.NombreRazon = s.IssuerName
	}
	if sistema.IDSistema == "" {
		sistema.IDSistema = "SIMPLIFICA"
	}
	if sistema.NombreSistema == "" {
		sistema.NombreSistema = "Simplifica"
	}
	if sistema.Version == "" {
		sistema.Version = "1.0.0"
	}
	if sistema.NumInstalacion == "" {
		sistema.NumInstalacion = "001"
	}
	return sistema
}

// BuildCabecera construye la cabecera común de la remisión.
func BuildCabecera(s *entity.VerifactuSettings, incidencia bool) domvf.Cabecera {
	flag := "N"
	if incidencia {
		flag = "S"
	}
	return domvf.Cabecera{
		Obligado: domvf.ObligadoEmision{
			NIF:         s.IssuerNIF,
			NombreRazon: s.IssuerName,
		},
		Sistema:           BuildSistema(s),
		IncidenciaTecnica: flag,
	}
}

// ToRegistroAlta transforma la factura en un RegistroAlta con huella calculada.
// anchor es el último eslabón de la cadena del emisor, o nil si es el primero.
func (t *Transformer) ToRegistroAlta(inv *entity.InvoiceRecord, settings *entity.VerifactuSettings, anchor *entity.ChainAnchor) (*domvf.RegistroAlta, error) {
	if v := ValidateInvoice(inv); !v.Valid {
		return nil, fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(v.Errors, "; "))
	}

	numSerie := inv.ComposedNumber()
	fecha, err := domvf.FormatDateAEAT(inv.IssueDate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	tipoFactura := classifyInvoiceType(inv)
	timestamp := domvf.GenerateTimestamp(t.now())

	huella, err := domvf.HuellaAlta(domvf.HuellaAltaParams{
		NIFEmisor:        settings.IssuerNIF,
		NumSerieFactura:  numSerie,
		FechaExpedicion:  fecha,
		TipoFactura:      tipoFactura,
		CuotaTotal:       inv.TaxTotal,
		ImporteTotal:     inv.Total,
		HuellaAnterior:   anchorHuella(anchor),
		FechaHoraHusoGen: timestamp,
	})
	if err != nil {
		return nil, err
	}

	reg := &domvf.RegistroAlta{
		IDFactura: domvf.IDFactura{
			NIFEmisor:       settings.IssuerNIF,
			NumSerieFactura: numSerie,
			FechaExpedicion: fecha,
		},
		RefExterna:        inv.ID,
		NombreRazonEmisor: settings.IssuerName,
		TipoFactura:       tipoFactura,
		Descripcion:       buildDescription(inv),
		Desglose:          groupLinesByTax(inv.Lines),
		CuotaTotal:        inv.TaxTotal,
		ImporteTotal:      inv.Total,
		Encadenamiento:    buildEncadenamiento(anchor),
		Sistema:           BuildSistema(settings),
		FechaHoraHusoGen:  timestamp,
		Huella:            huella,
	}

	attachDestinatario(reg, inv, tipoFactura)
	return reg, nil
}

// ToRegistroAnulacion transforma la factura en un RegistroAnulacion.
func (t *Transformer) ToRegistroAnulacion(inv *entity.InvoiceRecord, settings *entity.VerifactuSettings, anchor *entity.ChainAnchor) (*domvf.RegistroAnulacion, error) {
	if v := ValidateInvoice(inv); !v.Valid {
		return nil, fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(v.Errors, "; "))
	}

	numSerie := inv.ComposedNumber()
	fecha, err := domvf.FormatDateAEAT(inv.IssueDate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	timestamp := domvf.GenerateTimestamp(t.now())

	huella, err := domvf.HuellaAnulacion(domvf.HuellaAnulacionParams{
		NIFEmisor:        settings.IssuerNIF,
		NumSerieFactura:  numSerie,
		FechaExpedicion:  fecha,
		HuellaAnterior:   anchorHuella(anchor),
		FechaHoraHusoGen: timestamp,
	})
	if err != nil {
		return nil, err
	}

	return &domvf.RegistroAnulacion{
		IDFactura: domvf.IDFactura{
			NIFEmisor:       settings.IssuerNIF,
			NumSerieFactura: numSerie,
			FechaExpedicion: fecha,
		},
		RefExterna:       inv.ID,
		GeneradoPor:      "E",
		Encadenamiento:   buildEncadenamiento(anchor),
		Sistema:          BuildSistema(settings),
		FechaHoraHusoGen: timestamp,
		Huella:           huella,
	}, nil
}

// classifyInvoiceType decide F1/F2. Con identificación del destinatario
// siempre F1; sin identificación y hasta 400€, simplificada F2.
func classifyInvoiceType(inv *entity.InvoiceRecord) string {
	if inv.Client != nil && (inv.Client.NIF != "" || inv.Client.TaxID != "") {
		return domvf.TipoFacturaF1
	}
	if inv.Total.LessThanOrEqual(umbralSimplificada) {
		return domvf.TipoFacturaF2
	}
	return domvf.TipoFacturaF1
}

// groupLinesByTax agrupa líneas por tipo impositivo. La base es
// cantidad × precio unitario; la cuota se acumula de las líneas.
// Sin líneas: un único grupo al tipo general con importes a cero.
func groupLinesByTax(lines []entity.InvoiceLine) []domvf.DetalleDesglose {
	if len(lines) == 0 {
		return []domvf.DetalleDesglose{{
			ClaveRegimen:     "01",
			CalificacionOp:   "S1",
			TipoImpositivo:   tipoGeneralIVA,
			BaseImponible:    decimal.Zero,
			CuotaRepercutida: decimal.Zero,
		}}
	}

	type acc struct {
		base decimal.Decimal
		tax  decimal.Decimal
	}
	groups := make(map[string]*acc)
	var order []string

	for _, line := range lines {
		rate := line.TaxRate
		if rate.IsZero() {
			rate = tipoGeneralIVA
		}
		// Clave normalizada a dos decimales: 21 y 21.00 son el mismo tipo.
		key := rate.Round(2).StringFixed(2)
		g, ok := groups[key]
		if !ok {
			g = &acc{}
			groups[key] = g
			order = append(order, key)
		}
		g.base = g.base.Add(line.Quantity.Mul(line.UnitPrice))
		g.tax = g.tax.Add(line.TaxAmount)
	}

	out := make([]domvf.DetalleDesglose, 0, len(order))
	for _, key := range order {
		rate, _ := decimal.NewFromString(key)
		out = append(out, domvf.DetalleDesglose{
			ClaveRegimen:     "01",
			CalificacionOp:   "S1",
			TipoImpositivo:   rate,
			BaseImponible:    groups[key].base,
			CuotaRepercutida: groups[key].tax,
		})
	}
	return out
}

// buildDescription toma las notas, o la concatenación de descripciones de
// línea, o un texto por defecto; recorta a la longitud máxima del esquema.
func buildDescription(inv *entity.InvoiceRecord) string {
	desc := inv.Notes
	if desc == "" && len(inv.Lines) > 0 {
		parts := make([]string, 0, len(inv.Lines))
		for _, l := range inv.Lines {
			if l.Description != "" {
				parts = append(parts, l.Description)
			}
		}
		desc = strings.Join(parts, ", ")
	}
	if desc == "" {
		desc = "Servicios profesionales"
	}
	if len(desc) > domvf.DescripcionMaxLen {
		// El corte retrocede hasta el inicio de runa: partir un carácter
		// multibyte (ñ, á...) produciría UTF-8 inválido en el XML.
		cut := domvf.DescripcionMaxLen
		for cut > 0 && !utf8.RuneStart(desc[cut]) {
			cut--
		}
		desc = desc[:cut]
	}
	return desc
}

// attachDestinatario añade el bloque Destinatario: NIF español en mayúsculas,
// o IDOtro (NIF-IVA) para identificadores extranjeros. Un cliente sin
// identificación en factura no simplificada se marca como FacturaSinID.
func attachDestinatario(reg *domvf.RegistroAlta, inv *entity.InvoiceRecord, tipoFactura string) {
	if inv.Client == nil {
		return
	}
	clientID := inv.Client.NIF
	if clientID == "" {
		clientID = inv.Client.TaxID
	}
	if clientID == "" {
		if tipoFactura != domvf.TipoFacturaF2 {
			reg.FacturaSinID = "S"
		}
		return
	}

	if reNIFEspanol.MatchString(clientID) {
		reg.Destinatario = &domvf.Destinatario{
			NIF:         strings.ToUpper(clientID),
			NombreRazon: inv.Client.Name,
		}
		return
	}
	pais := inv.Client.Country
	if pais == "" {
		pais = "ES"
	}
	reg.Destinatario = &domvf.Destinatario{
		IDOtro: &domvf.IDOtro{
			CodigoPais: pais,
			IDType:     "02",
			ID:         clientID,
		},
		NombreRazon: inv.Client.Name,
	}
}

func buildEncadenamiento(anchor *entity.ChainAnchor) *domvf.Encadenamiento {
	if anchor == nil {
		return nil
	}
	return &domvf.Encadenamiento{
		NIFEmisorAnterior:       anchor.IssuerNIF,
		NumSerieFacturaAnterior: anchor.NumSerie,
		FechaExpedicionAnterior: anchor.FechaExpedic,
		Huella:                  domvf.HuellaPrefix(anchor.Huella),
	}
}

func anchorHuella(anchor *entity.ChainAnchor) string {
	if anchor == nil {
		return ""
	}
	return anchor.Huella
}
