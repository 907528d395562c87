// Package verifactu: modelo y funciones puras del registro de facturación
// VeriFactu según la Orden HAC/1177/2024 (BOE-A-2024-22138).
//
// Bloques del mensaje SuministroLR:
//   - Cabecera (información común de la remisión)
//   - RegistroFactura (1-1000 por envío)
//   - RegistroAlta (alta de factura) / RegistroAnulacion (anulación)
package verifactu

import "github.com/shopspring/decimal"

// IDVersion versión del esquema de registro.
const IDVersion = "1.0"

// TipoHuella identifica SHA-256 en el esquema AEAT.
const TipoHuella = "01"

// DescripcionMaxLen longitud máxima de DescripcionOperacion en el esquema.
const DescripcionMaxLen = 500

// Tipos de factura admitidos por el esquema.
const (
	TipoFacturaF1 = "F1" // factura completa
	TipoFacturaF2 = "F2" // factura simplificada
)

// SistemaInformatico identifica el software que genera los registros.
type SistemaInformatico struct {
	NombreRazon    string // productor del software
	NIF            string
	NombreSistema  string
	IDSistema      string
	Version        string
	NumInstalacion string
	TipoUsoPosible string // "S" solo VeriFactu
	TipoUsoMultiOT string // "S" multiusuario
}

// ObligadoEmision emisor obligado a la remisión.
type ObligadoEmision struct {
	NIF         string
	NombreRazon string
}

// Cabecera bloque común de la remisión.
type Cabecera struct {
	Obligado          ObligadoEmision
	Sistema           SistemaInformatico
	FechaFinVerifactu string // renuncia a VeriFactu, opcional
	IncidenciaTecnica string // "S" | "N", opcional
	RefRequerimiento  string // opcional
}

// IDFactura identidad de una factura en el registro.
type IDFactura struct {
	NIFEmisor       string
	NumSerieFactura string
	FechaExpedicion string // DD-MM-YYYY
}

// IDOtro identificación de destinatario extranjero.
type IDOtro struct {
	CodigoPais string
	IDType     string // "02" NIF-IVA, "03" pasaporte, ...
	ID         string
}

// Destinatario identidad del receptor de la factura.
type Destinatario struct {
	NIF         string
	IDOtro      *IDOtro
	NombreRazon string
}

// DetalleDesglose grupo de desglose por tipo impositivo.
type DetalleDesglose struct {
	ClaveRegimen     string // "01" régimen general
	CalificacionOp   string // "S1" sujeta no exenta
	TipoImpositivo   decimal.Decimal
	BaseImponible    decimal.Decimal
	CuotaRepercutida decimal.Decimal
}

// Encadenamiento referencia al registro anterior de la cadena del emisor.
// Nil significa primer registro (se emite <PrimerRegistro>S</PrimerRegistro>).
type Encadenamiento struct {
	NIFEmisorAnterior       string
	NumSerieFacturaAnterior string
	FechaExpedicionAnterior string
	Huella                  string // primeros 64 chars de la huella anterior
}

// RegistroAlta registro de alta de factura. Una vez calculada la huella el
// registro no se muta: cualquier cambio exige regenerar la huella.
type RegistroAlta struct {
	IDFactura         IDFactura
	RefExterna        string
	NombreRazonEmisor string
	TipoFactura       string
	Descripcion       string
	FacturaSinID      string // "S" para simplificadas sin identificación (art. 6.1.d)
	Destinatario      *Destinatario
	Desglose          []DetalleDesglose
	CuotaTotal        decimal.Decimal
	ImporteTotal      decimal.Decimal
	Encadenamiento    *Encadenamiento
	Sistema           SistemaInformatico
	FechaHoraHusoGen  string // YYYY-MM-DDTHH:MM:SS±HH:MM
	Huella            string // SHA-256 hex
}

// RegistroAnulacion registro de anulación de una factura previamente remitida.
type RegistroAnulacion struct {
	IDFactura        IDFactura
	RefExterna       string
	GeneradoPor      string // "E" expedidor, "D" destinatario, "T" tercero
	Encadenamiento   *Encadenamiento
	Sistema          SistemaInformatico
	FechaHoraHusoGen string
	Huella           string
}
