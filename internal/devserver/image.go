package devserver

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// onePixelPNG is a 1x1 transparent PNG, the default generated sprite.
const onePixelPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mP8z8BQDwAEhQGAhKmMIQAAAABJRU5ErkJggg=="

// ImageProvider produces the sprite image for an entity type.
type ImageProvider func(entityType string) (base64Data, mimeType string, err error)

// PlaceholderImages returns a provider serving the 1x1 PNG for every
// entity type.
func PlaceholderImages() ImageProvider {
	return func(entityType string) (string, string, error) {
		return onePixelPNG, "image/png", nil
	}
}

type generateImageRequest struct {
	EntityType string `json:"entity_type"`
}

type generateImageResponse struct {
	ImageBase64 string `json:"image_base64"`
	MimeType    string `json:"mime_type"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) handleGenerateImage(c echo.Context) error {
	var req generateImageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if strings.TrimSpace(req.EntityType) == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{
			Error:   "missing_fields",
			Message: "entity_type is required",
		})
	}

	data, mimeType, err := s.images(req.EntityType)
	if err != nil {
		s.logger.Error("Image generation failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{
			Error:   "generation_failed",
			Message: "Failed to generate image",
		})
	}
	return c.JSON(http.StatusOK, generateImageResponse{
		ImageBase64: data,
		MimeType:    mimeType,
	})
}
