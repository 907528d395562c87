package repository

import (
	"context"

	"github.com/simplifica-app/verifactu-dispatcher/internal/domain/entity"
)

// ChainRepository persiste el último eslabón de la cadena de huellas por
// NIF emisor. Una fila por NIF: el upsert sobreescribe el ancla anterior.
type ChainRepository interface {
	// GetAnchor devuelve el último eslabón registrado para el NIF, o nil
	// si la cadena está vacía (el siguiente registro será PrimerRegistro).
	GetAnchor(ctx context.Context, issuerNIF string) (*entity.ChainAnchor, error)

	// UpsertAnchor sustituye el ancla de la cadena por el eslabón recién
	// aceptado por la AEAT.
	UpsertAnchor(ctx context.Context, anchor *entity.ChainAnchor) error
}
