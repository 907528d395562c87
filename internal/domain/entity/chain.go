package entity

import "time"

// ChainAnchor es el último registro aceptado de un emisor: los campos que el
// siguiente registro referencia en su Encadenamiento. Por emisor la cadena es
// estrictamente secuencial; si no existe anclaje, el siguiente registro se
// marca como primer registro.
type ChainAnchor struct {
	IssuerNIF    string
	InvoiceID    string
	NumSerie     string
	FechaExpedic string // DD-MM-YYYY
	Huella       string // SHA-256 hex del registro anterior
	CreatedAt    time.Time
}
