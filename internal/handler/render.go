package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/renderfleet/api/internal/model"
	"github.com/renderfleet/api/internal/progress"
	"github.com/renderfleet/api/internal/service"
	"github.com/renderfleet/api/pkg/response"
)

type RenderHandler struct {
	service   *service.RenderService
	validator *validator.Validate
}

func NewRenderHandler(svc *service.RenderService, v *validator.Validate) *RenderHandler {
	return &RenderHandler{
		service:   svc,
		validator: v,
	}
}

// Start handles POST /api/render/start
func (h *RenderHandler) Start(c *fiber.Ctx) error {
	var req model.RenderStartRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.StartRender(c.Context(), &req)
	if err != nil {
		var ve *service.ValidationError
		if errors.As(err, &ve) {
			return response.ValidationError(c, ve.Reason, nil)
		}
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/render/status/:renderId
func (h *RenderHandler) Status(c *fiber.Ctx) error {
	renderID := c.Params("renderId")
	if renderID == "" {
		return response.ValidationError(c, "Render ID is required", nil)
	}

	result, err := h.service.GetStatus(c.Context(), renderID)
	if err != nil {
		if errors.Is(err, progress.ErrNotFound) {
			return response.NotFound(c, "Render not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Cancel handles POST /api/render/cancel/:renderId
func (h *RenderHandler) Cancel(c *fiber.Ctx) error {
	renderID := c.Params("renderId")
	if renderID == "" {
		return response.ValidationError(c, "Render ID is required", nil)
	}

	result, err := h.service.Cancel(c.Context(), renderID)
	if err != nil {
		if errors.Is(err, progress.ErrNotFound) {
			return response.NotFound(c, "Render not found")
		}
		if errors.Is(err, service.ErrAlreadyTerminal) {
			return response.ValidationError(c, "Render already finished", nil)
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Delete handles DELETE /api/render/:renderId
func (h *RenderHandler) Delete(c *fiber.Ctx) error {
	renderID := c.Params("renderId")
	if renderID == "" {
		return response.ValidationError(c, "Render ID is required", nil)
	}

	result, err := h.service.Delete(c.Context(), renderID)
	if err != nil {
		if errors.Is(err, progress.ErrNotFound) {
			return response.NotFound(c, "Render not found")
		}
		if errors.Is(err, service.ErrNotTerminal) {
			return response.ValidationError(c, "Render still in progress, cancel it first", nil)
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
