package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config opciones del logger del servicio.
type Config struct {
	Env     string // development -> consola legible; cualquier otro -> JSON
	Level   string // trace, debug, info, warn, error (por defecto info)
	Service string // nombre del servicio, se estampa en cada línea si no está vacío
}

// Logger envoltorio fino sobre zerolog. Se inyecta por puntero en los
// servicios para que todos emitan con los mismos campos base.
type Logger struct {
	z zerolog.Logger
}

// New construye el logger raíz y lo instala también como logger global de
// zerolog, de modo que las librerías que escriben vía log.Logger salgan
// por el mismo destino.
func New(cfg Config) *Logger {
	var out io.Writer = os.Stdout
	if cfg.Env == "development" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	z := ctx.Logger()
	log.Logger = z

	return &Logger{z: z}
}

// Component deriva un sublogger con el campo "component" fijo.
func (l *Logger) Component(name string) *Logger {
	return &Logger{z: l.z.With().Str("component", name).Logger()}
}

func (l *Logger) Debug() *zerolog.Event { return l.z.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.z.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.z.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.z.Error() }
func (l *Logger) Fatal() *zerolog.Event { return l.z.Fatal() }

// With expone el contexto de zerolog para campos fijos ad hoc.
func (l *Logger) With() zerolog.Context { return l.z.With() }

// Zerolog devuelve el logger interno para APIs que exigen zerolog.Logger.
func (l *Logger) Zerolog() zerolog.Logger { return l.z }
