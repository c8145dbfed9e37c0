package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"scrapehub/internal/config"
	"scrapehub/internal/jobs"
)

// previewHandler runs one item through a kind's processor synchronously so
// callers can check what a bulk job would record before submitting it.
// Nothing is persisted.
func previewHandler(c *fiber.Ctx) error {
	var req PreviewRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST_INVALID_JSON",
			Error:   "Bad request, malformed JSON",
		})
	}
	req.Item = strings.TrimSpace(req.Item)
	if req.Kind == "" {
		return badRequest(c, "Missing required field 'kind'")
	}
	if req.Item == "" {
		return badRequest(c, "Missing required field 'item'")
	}

	cfg := c.Locals("config").(*config.Config)
	ctx, cancel := context.WithTimeout(c.Context(), config.Duration(cfg.Engine.ItemTimeoutMs))
	defer cancel()

	out, err := controllerFrom(c).Preview(ctx, req.Kind, req.Item)
	if err != nil {
		if errors.Is(err, jobs.ErrUnknownKind) || errors.Is(err, jobs.ErrEmptyItems) {
			return jobError(c, err)
		}
		status := fiber.StatusBadGateway
		code := "PREVIEW_FAILED"
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
			code = "PREVIEW_TIMEOUT"
		}
		return c.Status(status).JSON(ErrorResponse{
			Success: false,
			Code:    code,
			Error:   err.Error(),
		})
	}

	resp := PreviewResponse{Success: true, Kind: req.Kind, Item: req.Item}
	if out != nil {
		resp.Checks = out.Checks
		resp.Data = out.Payload
	}
	return c.JSON(resp)
}
