package api

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	customlog "github.com/open-teleop/motionctrl/pkg/log"
	"github.com/open-teleop/motionctrl/pkg/preset"
	"github.com/open-teleop/motionctrl/pkg/session"
)

// PresetHandler serves the preset catalog.
type PresetHandler struct {
	store   *preset.Store
	configs session.ConfigProvider
	logger  customlog.Logger
}

// RegisterPresetRoutes registers the preset endpoints under /api/v1/presets.
func RegisterPresetRoutes(app *fiber.App, store *preset.Store, configs session.ConfigProvider, logger customlog.Logger) {
	h := &PresetHandler{store: store, configs: configs, logger: logger}

	group := app.Group("/api/v1/presets")
	group.Get("/", h.handleList)
	group.Get("/trajectories/:name", h.handleTrajectory)
	group.Get("/cameras/:name", h.handleCamera)
}

func (h *PresetHandler) handleList(c *fiber.Ctx) error {
	catalog, err := h.store.List()
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(catalog)
}

// frames reads ?frames=, defaulting to the configured frame length
func (h *PresetHandler) frames(c *fiber.Ctx) (int, error) {
	frames := c.QueryInt("frames", h.configs.GetCurrentConfig().Pipeline.FrameLength)
	if frames <= 0 {
		return 0, fiber.NewError(http.StatusBadRequest, "frames must be positive")
	}
	return frames, nil
}

func (h *PresetHandler) handleTrajectory(c *fiber.Ctx) error {
	frames, err := h.frames(c)
	if err != nil {
		return err
	}
	name := c.Params("name")
	reverse := c.QueryBool("reverse", false)

	points, err := h.store.LoadTrajectory(name, frames, reverse)
	if err != nil {
		return presetError(err)
	}
	return c.JSON(TrajectoryPresetResponse{
		Name:    name,
		Frames:  frames,
		Reverse: reverse,
		Points:  points,
	})
}

func (h *PresetHandler) handleCamera(c *fiber.Ctx) error {
	frames, err := h.frames(c)
	if err != nil {
		return err
	}
	name := c.Params("name")

	poses, err := h.store.LoadCameraPoses(name, frames)
	if err != nil {
		return presetError(err)
	}
	return c.JSON(CameraPresetResponse{
		Name:   name,
		Frames: frames,
		Poses:  poses,
	})
}

func presetError(err error) error {
	switch {
	case errors.Is(err, preset.ErrPresetNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, preset.ErrInvalidPresetName):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	default:
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	}
}
