// Normalización de fechas y timestamp con huso para los registros AEAT.

package verifactu

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	reAEAT  = regexp.MustCompile(`^\d{2}-\d{2}-\d{4}$`)
	reISO   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)
	reSlash = regexp.MustCompile(`^\d{2}/\d{2}/\d{4}$`)
)

// FormatDateAEAT normaliza una fecha a DD-MM-YYYY (formato AEAT).
// Acepta fechas ya normalizadas, ISO (YYYY-MM-DD, con o sin hora) y DD/MM/YYYY.
// Una fecha no interpretable es un fallo de validación, no un valor por defecto.
func FormatDateAEAT(dateStr string) (string, error) {
	s := strings.TrimSpace(dateStr)
	switch {
	case reAEAT.MatchString(s):
		return s, nil
	case reISO.MatchString(s):
		parts := strings.Split(strings.SplitN(s, "T", 2)[0], "-")
		return parts[2] + "-" + parts[1] + "-" + parts[0], nil
	case reSlash.MatchString(s):
		return strings.ReplaceAll(s, "/", "-"), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Format("02-01-2006"), nil
	}
	return "", fmt.Errorf("verifactu: formato de fecha inválido: %q", dateStr)
}

// GenerateTimestamp produce el FechaHoraHusoGenRegistro con huso horario,
// formato YYYY-MM-DDTHH:MM:SS±HH:MM, a precisión de segundo.
func GenerateTimestamp(now time.Time) string {
	return now.Format("2006-01-02T15:04:05-07:00")
}
