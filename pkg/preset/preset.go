// Package preset loads the bundled trajectory and camera motion presets.
package preset

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	customlog "github.com/open-teleop/motionctrl/pkg/log"
	"github.com/open-teleop/motionctrl/pkg/pose"
	"github.com/open-teleop/motionctrl/pkg/trajectory"
)

const (
	trajectoryDir    = "trajectories"
	trajectoryExt    = ".txt"
	cameraDir        = "camera_poses"
	cameraFilePrefix = "test_camera_"
	cameraExt        = ".json"

	// Preset files are drawn on a 256px canvas; points are stored at internal resolution.
	presetScale = 4
)

var (
	ErrPresetNotFound    = errors.New("preset not found")
	ErrInvalidPresetName = errors.New("invalid preset name")
	ErrEmptyPreset       = errors.New("preset is empty")

	validName = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)
)

// Catalog lists the available preset names.
type Catalog struct {
	Trajectories []string `json:"trajectories"`
	Cameras      []string `json:"cameras"`
}

// Store reads presets from a directory.
type Store struct {
	dir    string
	logger customlog.Logger
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, logger customlog.Logger) *Store {
	return &Store{dir: dir, logger: logger}
}

// ValidateName rejects names that could escape the preset directories.
func ValidateName(name string) error {
	if !validName.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidPresetName, name)
	}
	return nil
}

// List scans both preset directories. Missing directories yield empty lists.
func (s *Store) List() (Catalog, error) {
	trajectories, err := s.scan(trajectoryDir, "", trajectoryExt)
	if err != nil {
		return Catalog{}, err
	}
	cameras, err := s.scan(cameraDir, cameraFilePrefix, cameraExt)
	if err != nil {
		return Catalog{}, err
	}
	return Catalog{Trajectories: trajectories, Cameras: cameras}, nil
}

func (s *Store) scan(sub, prefix, ext string) ([]string, error) {
	names := []string{}

	entries, err := os.ReadDir(filepath.Join(s.dir, sub))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return names, nil
		}
		return nil, fmt.Errorf("failed to list %s presets: %w", sub, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name, ok := strings.CutSuffix(entry.Name(), ext)
		if !ok {
			continue
		}
		name, ok = strings.CutPrefix(name, prefix)
		if !ok || ValidateName(name) != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// LoadTrajectory reads a trajectory preset as internal-resolution points,
// thinned and truncated to at most frames points.
func (s *Store) LoadTrajectory(name string, frames int, reverse bool) ([]trajectory.Point, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(s.dir, trajectoryDir, name+trajectoryExt))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: trajectory %s", ErrPresetNotFound, name)
		}
		return nil, fmt.Errorf("failed to open trajectory %s: %w", name, err)
	}
	defer f.Close()

	points, err := parsePoints(f, name)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: trajectory %s", ErrEmptyPreset, name)
	}

	if reverse {
		for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
			points[i], points[j] = points[j], points[i]
		}
	}

	points = Thin(points, frames)
	s.logger.Debugf("Loaded trajectory preset %s (%d points, reverse=%v)", name, len(points), reverse)
	return points, nil
}

func parsePoints(f *os.File, name string) ([]trajectory.Point, error) {
	var points []trajectory.Point

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		xs, ys, ok := strings.Cut(text, ",")
		if !ok {
			return nil, fmt.Errorf("trajectory %s line %d: expected x,y", name, line)
		}
		x, err := strconv.Atoi(strings.TrimSpace(xs))
		if err != nil {
			return nil, fmt.Errorf("trajectory %s line %d: %w", name, line, err)
		}
		y, err := strconv.Atoi(strings.TrimSpace(ys))
		if err != nil {
			return nil, fmt.Errorf("trajectory %s line %d: %w", name, line, err)
		}
		points = append(points, trajectory.Point{X: x * presetScale, Y: y * presetScale})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trajectory %s: %w", name, err)
	}
	return points, nil
}

// Thin keeps every len/frames-th point when there are more than frames,
// then truncates to frames. frames <= 0 leaves points unchanged.
func Thin(points []trajectory.Point, frames int) []trajectory.Point {
	if frames <= 0 {
		return points
	}
	if len(points) > frames {
		skip := len(points) / frames
		thinned := make([]trajectory.Point, 0, len(points)/skip+1)
		for i := 0; i < len(points); i += skip {
			thinned = append(thinned, points[i])
		}
		points = thinned
	}
	if len(points) > frames {
		points = points[:frames]
	}
	return points
}

// LoadCameraPoses reads a camera preset, padded with its last pose or
// truncated to exactly frames poses. frames <= 0 returns the file as is.
func (s *Store) LoadCameraPoses(name string, frames int) ([]pose.Pose, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.dir, cameraDir, cameraFilePrefix+name+cameraExt))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: camera %s", ErrPresetNotFound, name)
		}
		return nil, fmt.Errorf("failed to read camera preset %s: %w", name, err)
	}

	var rows [][]float64
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("camera preset %s: %w", name, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: camera %s", ErrEmptyPreset, name)
	}

	poses := make([]pose.Pose, len(rows))
	for i, row := range rows {
		if len(row) != pose.Size {
			return nil, fmt.Errorf("camera preset %s pose %d: expected %d values, got %d", name, i, pose.Size, len(row))
		}
		copy(poses[i][:], row)
	}

	if frames > 0 {
		for len(poses) < frames {
			poses = append(poses, poses[len(poses)-1])
		}
		poses = poses[:frames]
	}

	s.logger.Debugf("Loaded camera preset %s (%d poses)", name, len(poses))
	return poses, nil
}
