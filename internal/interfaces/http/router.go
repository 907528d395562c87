package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/simplifica-app/verifactu-dispatcher/internal/application/dispatch"
)

// RouterDeps dependencias para el router.
type RouterDeps struct {
	Dispatcher *dispatch.Dispatcher
	Actions    *dispatch.Actions
	JWTSecret  string
}

// Router registra las rutas de la API. Todo el servicio es un único endpoint
// de despacho protegido: el scheduler y las herramientas de operación llaman
// con su propio token de servicio.
func Router(app *fiber.App, deps RouterDeps) {
	api := app.Group("/api")

	protected := api.Group("/verifactu", AuthMiddleware(deps.JWTSecret))

	handler := NewDispatchHandler(deps.Dispatcher, deps.Actions)
	protected.Post("/dispatch", handler.Dispatch)
}
