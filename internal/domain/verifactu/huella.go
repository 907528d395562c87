// Cálculo de la huella (hash de encadenamiento) según el Artículo 13 de la
// Orden HAC/1177/2024. Algoritmo: SHA-256 sobre la cadena canónica
// Clave=Valor unida con '&' en el orden estricto del anexo.

package verifactu

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// HuellaAltaParams datos de entrada de la huella de un RegistroAlta,
// en el orden exigido por la AEAT.
type HuellaAltaParams struct {
	NIFEmisor        string
	NumSerieFactura  string
	FechaExpedicion  string // DD-MM-YYYY
	TipoFactura      string
	CuotaTotal       decimal.Decimal
	ImporteTotal     decimal.Decimal
	HuellaAnterior   string // vacío si es el primer registro de la cadena
	FechaHoraHusoGen string
}

// HuellaAnulacionParams datos de entrada de la huella de un RegistroAnulacion.
// La anulación omite tipo, cuota e importe.
type HuellaAnulacionParams struct {
	NIFEmisor        string
	NumSerieFactura  string
	FechaExpedicion  string
	HuellaAnterior   string
	FechaHoraHusoGen string
}

// HuellaAlta calcula la huella de un registro de alta. Función pura y
// determinista: mismos parámetros, misma huella.
func HuellaAlta(p HuellaAltaParams) (string, error) {
	if p.NIFEmisor == "" {
		return "", fmt.Errorf("verifactu: NIF emisor obligatorio para la huella")
	}
	if p.NumSerieFactura == "" {
		return "", fmt.Errorf("verifactu: NumSerieFactura obligatorio para la huella")
	}
	cadena := strings.Join([]string{
		"NIF=" + p.NIFEmisor,
		"NumSerieFactura=" + p.NumSerieFactura,
		"FechaExpedicionFactura=" + p.FechaExpedicion,
		"TipoFactura=" + p.TipoFactura,
		"CuotaTotal=" + formatAmount(p.CuotaTotal),
		"ImporteTotal=" + formatAmount(p.ImporteTotal),
		"HuellaAnterior=" + p.HuellaAnterior,
		"FechaHoraHusoGenRegistro=" + p.FechaHoraHusoGen,
	}, "&")
	return sha256Hex(cadena), nil
}

// HuellaAnulacion calcula la huella de un registro de anulación.
func HuellaAnulacion(p HuellaAnulacionParams) (string, error) {
	if p.NIFEmisor == "" {
		return "", fmt.Errorf("verifactu: NIF emisor obligatorio para la huella")
	}
	if p.NumSerieFactura == "" {
		return "", fmt.Errorf("verifactu: NumSerieFactura obligatorio para la huella")
	}
	cadena := strings.Join([]string{
		"NIF=" + p.NIFEmisor,
		"NumSerieFactura=" + p.NumSerieFactura,
		"FechaExpedicionFactura=" + p.FechaExpedicion,
		"HuellaAnterior=" + p.HuellaAnterior,
		"FechaHoraHusoGenRegistro=" + p.FechaHoraHusoGen,
	}, "&")
	return sha256Hex(cadena), nil
}

// HuellaPrefix recorta la huella a los 64 caracteres que admite el campo
// Huella del bloque Encadenamiento.
func HuellaPrefix(huella string) string {
	if len(huella) > 64 {
		return huella[:64]
	}
	return huella
}

// formatAmount formatea montos para la cadena canónica: punto decimal, 2 decimales.
func formatAmount(d decimal.Decimal) string {
	return d.Round(2).StringFixed(2)
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
