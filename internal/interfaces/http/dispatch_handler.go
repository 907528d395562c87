package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/simplifica-app/verifactu-dispatcher/internal/application/dispatch"
	"github.com/simplifica-app/verifactu-dispatcher/internal/application/dto"
	"github.com/simplifica-app/verifactu-dispatcher/internal/domain"
)

// DispatchHandler expone el despachador VeriFactu en un único endpoint con
// selector de acción, al estilo de una función invocable: el scheduler hace
// POST sin cuerpo (poll) y las herramientas de operación pasan action.
type DispatchHandler struct {
	dispatcher *dispatch.Dispatcher
	actions    *dispatch.Actions
}

// NewDispatchHandler construye el handler.
func NewDispatchHandler(dispatcher *dispatch.Dispatcher, actions *dispatch.Actions) *DispatchHandler {
	return &DispatchHandler{dispatcher: dispatcher, actions: actions}
}

// Dispatch enruta la acción solicitada.
// POST /api/verifactu/dispatch
func (h *DispatchHandler) Dispatch(c *fiber.Ctx) error {
	companyID := GetCompanyID(c)
	if companyID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Code: "UNAUTHORIZED", Message: "token inválido"})
	}

	var in dto.DispatchRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&in); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "INVALID_BODY", Message: "cuerpo inválido"})
		}
	}
	if in.Action == "" {
		in.Action = dto.ActionPoll
	}

	switch in.Action {
	case dto.ActionPoll:
		return h.poll(c)
	case dto.ActionRetry:
		return h.retry(c, companyID, in)
	case dto.ActionConfig:
		return c.JSON(h.actions.Config())
	case dto.ActionHealth:
		return h.health(c)
	case dto.ActionMeta:
		return h.meta(c, companyID, in)
	case dto.ActionEvents:
		return h.events(c, companyID, in)
	case dto.ActionDiag:
		return c.JSON(h.actions.Diag(c.Context()))
	default:
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "UNKNOWN_ACTION", Message: "acción desconocida: " + in.Action})
	}
}

func (h *DispatchHandler) poll(c *fiber.Ctx) error {
	summary, err := h.dispatcher.Run(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Code: "INTERNAL", Message: err.Error()})
	}
	return c.JSON(summary)
}

func (h *DispatchHandler) retry(c *fiber.Ctx, companyID string, in dto.DispatchRequest) error {
	if in.InvoiceID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "VALIDATION", Message: "invoice_id requerido"})
	}
	res, err := h.actions.Retry(c.Context(), companyID, in.InvoiceID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Code: "INTERNAL", Message: err.Error()})
	}
	return c.JSON(res)
}

func (h *DispatchHandler) health(c *fiber.Ctx) error {
	info, err := h.actions.Health(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Code: "INTERNAL", Message: err.Error()})
	}
	return c.JSON(info)
}

func (h *DispatchHandler) meta(c *fiber.Ctx, companyID string, in dto.DispatchRequest) error {
	if in.InvoiceID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "VALIDATION", Message: "invoice_id requerido"})
	}
	meta, err := h.actions.Meta(c.Context(), companyID, in.InvoiceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Code: "NOT_FOUND", Message: "la factura no tiene eventos VeriFactu"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Code: "INTERNAL", Message: err.Error()})
	}
	return c.JSON(meta)
}

func (h *DispatchHandler) events(c *fiber.Ctx, companyID string, in dto.DispatchRequest) error {
	if in.InvoiceID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "VALIDATION", Message: "invoice_id requerido"})
	}
	events, err := h.actions.Events(c.Context(), companyID, in.InvoiceID, in.Limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Code: "INTERNAL", Message: err.Error()})
	}
	return c.JSON(fiber.Map{"events": dto.FromEvents(events)})
}
