package main

import (
	"context"
	"crypto/tls"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/simplifica-app/verifactu-dispatcher/internal/application/dispatch"
	"github.com/simplifica-app/verifactu-dispatcher/internal/infrastructure/postgres"
	infravf "github.com/simplifica-app/verifactu-dispatcher/internal/infrastructure/verifactu"
	"github.com/simplifica-app/verifactu-dispatcher/internal/infrastructure/verifactu/signer"
	httpRouter "github.com/simplifica-app/verifactu-dispatcher/internal/interfaces/http"
	"github.com/simplifica-app/verifactu-dispatcher/pkg/config"
	"github.com/simplifica-app/verifactu-dispatcher/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("cargar configuración: " + err.Error())
	}

	log := logger.New(logger.Config{
		Env:     cfg.App.Env,
		Level:   "info",
		Service: cfg.App.Name,
	})
	log.Info().
		Str("env", cfg.App.Env).
		Str("app", cfg.App.Name).
		Str("mode", cfg.Verifactu.Mode).
		Str("aeat_env", cfg.Verifactu.Environment).
		Msg("iniciando despachador VeriFactu")

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("conexión a PostgreSQL")
	}
	defer pool.Close()

	secretBox, err := infravf.NewSecretBox(cfg.Verifactu.CertKey)
	if err != nil {
		log.Fatal().Err(err).Msg("clave de cifrado de certificados")
	}

	eventRepo := postgres.NewEventRepository(pool)
	invoiceRepo := postgres.NewInvoiceRepository(pool)
	settingsRepo := postgres.NewSettingsRepository(pool, secretBox)
	chainRepo := postgres.NewChainRepository(pool)

	transformer := infravf.NewTransformer()
	xmlBuilder := infravf.NewXMLBuilder()
	signerSvc := signer.NewXAdESService()

	// Cliente SOAP AEAT por (entorno, emisor) y por lote: el despachador lo
	// construye una vez y lo reutiliza en todos los envíos del lote, porque
	// el control de flujo vive en la instancia. En modo mock nunca se construye.
	var submitterFactory dispatch.SubmitterFactory
	if cfg.Verifactu.Mode == "live" {
		submitterFactory = func(env string, cert tls.Certificate) (dispatch.Submitter, error) {
			return infravf.NewAEATClient(env, cert)
		}
	}

	dispatcher := dispatch.NewDispatcher(
		eventRepo, invoiceRepo, settingsRepo, chainRepo,
		transformer, xmlBuilder, signerSvc, submitterFactory,
		signer.LoadFromP12,
		cfg.Verifactu, log.Component("dispatcher"),
	)
	actions := dispatch.NewActions(eventRepo, cfg.Verifactu).
		WithExport(invoiceRepo, settingsRepo, chainRepo, transformer, xmlBuilder)

	app := fiber.New(fiber.Config{
		AppName:      cfg.App.Name,
		ReadTimeout:  time.Second * 10,
		WriteTimeout: time.Minute * 5, // un lote de 100 remisiones puede tardar
		IdleTimeout:  time.Second * 60,
	})
	app.Use(recover.New())

	// Swagger UI en local: http://localhost:<port>/docs
	app.Use(swagger.New(swagger.Config{
		BasePath: "/",
		FilePath: "./docs/swagger.json",
		Path:     "docs",
		Title:    "VeriFactu Dispatcher API",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "service": cfg.App.Name})
	})

	httpRouter.Router(app, httpRouter.RouterDeps{
		Dispatcher: dispatcher,
		Actions:    actions,
		JWTSecret:  cfg.JWT.Secret,
	})

	go func() {
		if err := app.Listen(cfg.HTTP.Addr()); err != nil {
			log.Error().Err(err).Msg("servidor HTTP finalizado")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("señal de apagado recibida, cerrando servidor...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("apagado del servidor")
	}

	log.Info().Msg("despachador detenido")
}
