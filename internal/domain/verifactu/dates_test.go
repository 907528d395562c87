package verifactu_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simplifica-app/verifactu-dispatcher/internal/domain/verifactu"
)

func TestFormatDateAEAT(t *testing.T) {
	tests := []struct {
		nombre   string
		entrada  string
		esperado string
		falla    bool
	}{
		{"ya normalizada DD-MM-YYYY", "29-11-2024", "29-11-2024", false},
		{"ISO YYYY-MM-DD", "2024-11-29", "29-11-2024", false},
		{"ISO con hora", "2024-11-29T10:30:00", "29-11-2024", false},
		{"ISO con huso", "2024-11-29T10:30:00+01:00", "29-11-2024", false},
		{"barras DD/MM/YYYY", "29/11/2024", "29-11-2024", false},
		{"espacios alrededor", "  2024-01-05  ", "05-01-2024", false},
		{"vacía", "", "", true},
		{"texto arbitrario", "ayer", "", true},
		{"formato americano sin separador reconocible", "11.29.2024", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.nombre, func(t *testing.T) {
			got, err := verifactu.FormatDateAEAT(tt.entrada)
			if tt.falla {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.esperado, got)
		})
	}
}

func TestGenerateTimestamp(t *testing.T) {
	madrid := time.FixedZone("CET", 3600)
	now := time.Date(2024, 11, 29, 10, 0, 0, 0, madrid)
	assert.Equal(t, "2024-11-29T10:00:00+01:00", verifactu.GenerateTimestamp(now))

	utc := time.Date(2024, 11, 29, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-11-29T09:00:00+00:00", verifactu.GenerateTimestamp(utc))
}
