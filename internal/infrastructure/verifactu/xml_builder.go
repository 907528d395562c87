package verifactu

import (
	"fmt"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"

	domvf "github.com/simplifica-app/verifactu-dispatcher/internal/domain/verifactu"
)

// Namespace oficial del servicio SuministroLR de VeriFactu.
const (
	NsSuministroLR = "https://www2.agenciatributaria.gob.es/static_files/common/internet/dep/aplicaciones/es/aeat/ssii/verifactu/ws/SuministroLR.xsd"
	nsPrefix       = "sf"
)

// XMLBuilder serializa registros VeriFactu al XML del esquema SuministroLR.
// Paso puro de renderizado: ni red ni criptografía.
type XMLBuilder struct{}

// NewXMLBuilder crea el constructor de XML.
func NewXMLBuilder() *XMLBuilder {
	return &XMLBuilder{}
}

// BuildSuministroAlta genera el mensaje RegFactuSistemaFacturacion completo
// con uno o más registros de alta.
func (b *XMLBuilder) BuildSuministroAlta(cab domvf.Cabecera, registros []*domvf.RegistroAlta) (string, error) {
	if len(registros) == 0 {
		return "", fmt.Errorf("verifactu: remisión sin registros")
	}
	doc, root := b.newEnvelope(cab)
	for _, reg := range registros {
		rf := root.CreateElement(nsPrefix + ":RegistroFactura")
		b.writeRegistroAlta(rf, reg)
	}
	return b.render(doc)
}

// BuildSuministroAnulacion genera el mensaje con registros de anulación.
func (b *XMLBuilder) BuildSuministroAnulacion(cab domvf.Cabecera, registros []*domvf.RegistroAnulacion) (string, error) {
	if len(registros) == 0 {
		return "", fmt.Errorf("verifactu: remisión sin registros")
	}
	doc, root := b.newEnvelope(cab)
	for _, reg := range registros {
		rf := root.CreateElement(nsPrefix + ":RegistroFactura")
		b.writeRegistroAnulacion(rf, reg)
	}
	return b.render(doc)
}

// ExportRegistroAlta genera el XML de un solo registro para conservación.
func (b *XMLBuilder) ExportRegistroAlta(reg *domvf.RegistroAlta) (string, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	wrapper := doc.CreateElement(nsPrefix + ":RegistroAltaExportacion")
	wrapper.CreateAttr("xmlns:"+nsPrefix, NsSuministroLR)
	b.writeRegistroAlta(wrapper, reg)
	return b.render(doc)
}

// ExportRegistroAnulacion genera el XML de una anulación para conservación.
func (b *XMLBuilder) ExportRegistroAnulacion(reg *domvf.RegistroAnulacion) (string, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	wrapper := doc.CreateElement(nsPrefix + ":RegistroAnulacionExportacion")
	wrapper.CreateAttr("xmlns:"+nsPrefix, NsSuministroLR)
	b.writeRegistroAnulacion(wrapper, reg)
	return b.render(doc)
}

func (b *XMLBuilder) newEnvelope(cab domvf.Cabecera) (*etree.Document, *etree.Element) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement(nsPrefix + ":RegFactuSistemaFacturacion")
	root.CreateAttr("xmlns:"+nsPrefix, NsSuministroLR)
	b.writeCabecera(root, cab)
	return doc, root
}

func (b *XMLBuilder) render(doc *etree.Document) (string, error) {
	doc.Indent(2)
	return doc.WriteToString()
}

func (b *XMLBuilder) writeCabecera(parent *etree.Element, cab domvf.Cabecera) {
	e := parent.CreateElement(nsPrefix + ":Cabecera")

	obligado := e.CreateElement(nsPrefix + ":ObligadoEmision")
	text(obligado, "NombreRazon", cab.Obligado.NombreRazon)
	text(obligado, "NIF", cab.Obligado.NIF)

	b.writeSistema(e, cab.Sistema)

	if cab.FechaFinVerifactu != "" {
		text(e, "FechaFinVeriFactu", cab.FechaFinVerifactu)
	}
	if cab.IncidenciaTecnica != "" {
		text(e, "IndicadorIncidenciaTecnica", cab.IncidenciaTecnica)
	}
	if cab.RefRequerimiento != "" {
		text(e, "RefRequerimiento", cab.RefRequerimiento)
	}
}

func (b *XMLBuilder) writeSistema(parent *etree.Element, s domvf.SistemaInformatico) {
	e := parent.CreateElement(nsPrefix + ":SistemaInformatico")
	text(e, "NombreRazon", s.NombreRazon)
	text(e, "NIF", s.NIF)
	text(e, "NombreSistemaInformatico", s.NombreSistema)
	text(e, "IdSistemaInformatico", s.IDSistema)
	text(e, "Version", s.Version)
	text(e, "NumeroInstalacion", s.NumInstalacion)
	text(e, "TipoUsoPosibleSoloVerifactu", s.TipoUsoPosible)
	text(e, "TipoUsoPosibleMultiOT", s.TipoUsoMultiOT)
}

func (b *XMLBuilder) writeRegistroAlta(parent *etree.Element, reg *domvf.RegistroAlta) {
	e := parent.CreateElement(nsPrefix + ":RegistroAlta")

	b.writeIDFactura(e, reg.IDFactura)
	if reg.RefExterna != "" {
		text(e, "RefExterna", reg.RefExterna)
	}
	text(e, "NombreRazonEmisor", reg.NombreRazonEmisor)
	text(e, "TipoFactura", reg.TipoFactura)
	text(e, "DescripcionOperacion", reg.Descripcion)
	if reg.FacturaSinID != "" {
		text(e, "FacturaSinIdentifDestinatarioArt61d", reg.FacturaSinID)
	}

	if reg.Destinatario != nil {
		dests := e.CreateElement(nsPrefix + ":Destinatarios")
		dest := dests.CreateElement(nsPrefix + ":IDDestinatario")
		if reg.Destinatario.NIF != "" {
			text(dest, "NIF", reg.Destinatario.NIF)
		} else if reg.Destinatario.IDOtro != nil {
			otro := dest.CreateElement(nsPrefix + ":IDOtro")
			text(otro, "CodigoPais", reg.Destinatario.IDOtro.CodigoPais)
			text(otro, "IDType", reg.Destinatario.IDOtro.IDType)
			text(otro, "ID", reg.Destinatario.IDOtro.ID)
		}
		text(dest, "NombreRazon", reg.Destinatario.NombreRazon)
	}

	desglose := e.CreateElement(nsPrefix + ":Desglose")
	for _, d := range reg.Desglose {
		det := desglose.CreateElement(nsPrefix + ":DetalleDesglose")
		text(det, "ClaveRegimen", d.ClaveRegimen)
		text(det, "CalificacionOperacion", d.CalificacionOp)
		text(det, "TipoImpositivo", money(d.TipoImpositivo))
		text(det, "BaseImponibleOImporteNoSujeto", money(d.BaseImponible))
		text(det, "CuotaRepercutida", money(d.CuotaRepercutida))
	}

	text(e, "CuotaTotal", money(reg.CuotaTotal))
	text(e, "ImporteTotal", money(reg.ImporteTotal))

	b.writeEncadenamiento(e, reg.Encadenamiento)
	b.writeSistema(e, reg.Sistema)

	text(e, "FechaHoraHusoGenRegistro", reg.FechaHoraHusoGen)
	text(e, "TipoHuella", domvf.TipoHuella)
	text(e, "Huella", reg.Huella)
}

func (b *XMLBuilder) writeRegistroAnulacion(parent *etree.Element, reg *domvf.RegistroAnulacion) {
	e := parent.CreateElement(nsPrefix + ":RegistroAnulacion")

	b.writeIDFactura(e, reg.IDFactura)
	if reg.RefExterna != "" {
		text(e, "RefExterna", reg.RefExterna)
	}
	text(e, "GeneradoPor", reg.GeneradoPor)

	b.writeEncadenamiento(e, reg.Encadenamiento)
	b.writeSistema(e, reg.Sistema)

	text(e, "FechaHoraHusoGenRegistro", reg.FechaHoraHusoGen)
	text(e, "TipoHuella", domvf.TipoHuella)
	text(e, "Huella", reg.Huella)
	text(e, "IDVersion", domvf.IDVersion)
}

func (b *XMLBuilder) writeIDFactura(parent *etree.Element, id domvf.IDFactura) {
	e := parent.CreateElement(nsPrefix + ":IDFactura")
	text(e, "IDEmisorFactura", id.NIFEmisor)
	text(e, "NumSerieFactura", id.NumSerieFactura)
	text(e, "FechaExpedicionFactura", id.FechaExpedicion)
}

// writeEncadenamiento emite la referencia al registro anterior, o el marcador
// PrimerRegistro cuando la cadena arranca.
func (b *XMLBuilder) writeEncadenamiento(parent *etree.Element, enc *domvf.Encadenamiento) {
	e := parent.CreateElement(nsPrefix + ":Encadenamiento")
	if enc == nil {
		text(e, "PrimerRegistro", "S")
		return
	}
	prev := e.CreateElement(nsPrefix + ":RegistroAnterior")
	text(prev, "IDEmisorFactura", enc.NIFEmisorAnterior)
	text(prev, "NumSerieFactura", enc.NumSerieFacturaAnterior)
	text(prev, "FechaExpedicionFactura", enc.FechaExpedicionAnterior)
	text(prev, "Huella", enc.Huella)
}

func text(parent *etree.Element, local, value string) {
	parent.CreateElement(nsPrefix + ":" + local).SetText(value)
}

func money(d decimal.Decimal) string {
	return d.Round(2).StringFixed(2)
}
