package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceRecord es el contrato de entrada del núcleo VeriFactu: la factura tal
// como la persiste el sistema de facturación. Inmutable una vez leída.
type InvoiceRecord struct {
	ID        string
	Series    string
	Number    string
	IssueDate string // tal como viene de la tabla: ISO, DD/MM/YYYY o DD-MM-YYYY
	Subtotal  decimal.Decimal
	TaxTotal  decimal.Decimal
	Total     decimal.Decimal
	Notes     string
	CompanyID string
	Company   CompanyInfo
	Client    *ClientInfo // nil en facturas sin destinatario
	Lines     []InvoiceLine
}

// InvoiceLine línea de factura.
type InvoiceLine struct {
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	TaxRate     decimal.Decimal
	TaxAmount   decimal.Decimal
}

// CompanyInfo datos del emisor.
type CompanyInfo struct {
	Name string
	NIF  string
}

// ClientInfo datos del destinatario. TaxID puede ser un NIF español o un
// identificador extranjero; Country es el código de país ISO cuando aplica.
type ClientInfo struct {
	Name    string
	NIF     string
	TaxID   string
	Country string
}

// ComposedNumber devuelve serie+número tal como exige el NumSerieFactura AEAT.
func (r *InvoiceRecord) ComposedNumber() string {
	if r.Series != "" {
		return r.Series + r.Number
	}
	return r.Number
}

// VerifactuSettings configuración VeriFactu del emisor (tabla de settings por empresa).
type VerifactuSettings struct {
	IssuerNIF          string
	IssuerName         string
	Environment        string // "pre" | "prod"
	SoftwareCode       string
	SoftwareName       string
	SoftwareVersion    string
	ProducerNIF        string
	ProducerName       string
	InstallationNumber string
	UpdatedAt          time.Time
}
