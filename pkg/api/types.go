package api

import (
	"github.com/open-teleop/motionctrl/pkg/pose"
	"github.com/open-teleop/motionctrl/pkg/trajectory"
)

// ErrorResponse is the body of every failed HTTP request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ConfigUpdateResponse acknowledges a pipeline config update.
type ConfigUpdateResponse struct {
	Message     string `json:"message"`
	ConfigID    string `json:"config_id"`
	Version     string `json:"version"`
	LastUpdated string `json:"last_updated"`
}

// TrajectoryPresetResponse carries a loaded trajectory preset in internal coordinates.
type TrajectoryPresetResponse struct {
	Name    string             `json:"name"`
	Frames  int                `json:"frames"`
	Reverse bool               `json:"reverse"`
	Points  []trajectory.Point `json:"points"`
}

// CameraPresetResponse carries a loaded camera pose preset.
type CameraPresetResponse struct {
	Name   string      `json:"name"`
	Frames int         `json:"frames"`
	Poses  []pose.Pose `json:"poses"`
}
