package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v2"
	customlog "github.com/open-teleop/motionctrl/pkg/log"
	"github.com/open-teleop/motionctrl/services"
)

// ConfigHandler holds dependencies for configuration API endpoints.
type ConfigHandler struct {
	configService services.PipelineConfigService
	logger        customlog.Logger
}

// NewConfigHandler creates a new handler for configuration endpoints.
func NewConfigHandler(configService services.PipelineConfigService, logger customlog.Logger) *ConfigHandler {
	if configService == nil {
		panic("ConfigService cannot be nil in NewConfigHandler")
	}
	if logger == nil {
		panic("Logger cannot be nil in NewConfigHandler")
	}
	return &ConfigHandler{
		configService: configService,
		logger:        logger,
	}
}

// RegisterConfigRoutes registers the configuration API endpoints with the Fiber app.
func RegisterConfigRoutes(app *fiber.App, configService services.PipelineConfigService, logger customlog.Logger) {
	h := NewConfigHandler(configService, logger)

	apiGroup := app.Group("/api/v1/config")
	apiGroup.Get("/pipeline", h.handleGetPipelineConfig)
	apiGroup.Put("/pipeline", h.handleUpdatePipelineConfig)

	logger.Infof("Registered pipeline configuration API endpoints under /api/v1/config")
}

// handleGetPipelineConfig returns the configuration in force as YAML.
func (h *ConfigHandler) handleGetPipelineConfig(c *fiber.Ctx) error {
	yamlData, err := h.configService.GetCurrentConfigYAML()
	if err != nil {
		h.logger.Errorf("Failed to get current pipeline config YAML: %v", err)
		return fiber.NewError(http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve configuration: %v", err))
	}

	c.Set(fiber.HeaderContentType, "application/x-yaml")
	return c.Send(yamlData)
}

// handleUpdatePipelineConfig replaces the configuration with the YAML body.
func (h *ConfigHandler) handleUpdatePipelineConfig(c *fiber.Ctx) error {
	switch c.Get(fiber.HeaderContentType) {
	case "application/x-yaml", "application/yaml", "text/yaml":
	default:
		h.logger.Warnf("Received PUT request with unexpected Content-Type: %s", c.Get(fiber.HeaderContentType))
	}

	body := c.Body()
	if len(body) == 0 {
		return fiber.NewError(http.StatusBadRequest, "Request body cannot be empty.")
	}

	cfg, err := h.configService.UpdateConfig(body)
	if err != nil {
		h.logger.Errorf("Failed to update pipeline configuration: %v", err)
		if errors.Is(err, services.ErrInvalidConfig) {
			return fiber.NewError(http.StatusBadRequest, fmt.Sprintf("Configuration update failed: %v", err))
		}
		return fiber.NewError(http.StatusInternalServerError, fmt.Sprintf("Internal server error during configuration update: %v", err))
	}

	return c.Status(http.StatusOK).JSON(ConfigUpdateResponse{
		Message:     "Pipeline configuration updated. New sessions use it.",
		ConfigID:    cfg.ConfigID,
		Version:     cfg.Version,
		LastUpdated: cfg.LastUpdated,
	})
}
