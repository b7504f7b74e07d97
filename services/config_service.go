package services

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/open-teleop/motionctrl/pkg/config"
	customlog "github.com/open-teleop/motionctrl/pkg/log"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig marks updates rejected because the YAML is malformed or fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// ConfigPublisher announces configuration changes to the rendering backend.
// Both the ZeroMQ publisher and the MQTT service implement it.
type ConfigPublisher interface {
	PublishConfigUpdatedNotification(cfg *config.Config) error
}

// PipelineConfigService manages the operational pipeline configuration.
type PipelineConfigService interface {
	LoadConfig() error
	GetCurrentConfig() *config.Config
	GetCurrentConfigYAML() ([]byte, error)
	UpdateConfig(newConfigYAML []byte) (*config.Config, error)
	PersistConfig(yamlData []byte) error
	SetPublisher(p ConfigPublisher)
}

type pipelineConfigService struct {
	operationalConfigPath string
	logger                customlog.Logger
	configPublisher       ConfigPublisher
	currentConfig         *config.Config
	mu                    sync.RWMutex
}

// NewPipelineConfigService creates the service and loads the file at path.
// A missing or broken file leaves the built-in defaults in force.
func NewPipelineConfigService(operationalConfigPath string, logger customlog.Logger) (PipelineConfigService, error) {
	if operationalConfigPath == "" {
		return nil, fmt.Errorf("operational configuration path cannot be empty")
	}
	if logger == nil {
		logger = customlog.NewNopLogger()
	}

	service := &pipelineConfigService{
		operationalConfigPath: operationalConfigPath,
		logger:                logger,
		currentConfig:         config.Default(),
	}

	if err := service.LoadConfig(); err != nil {
		logger.Warnf("Initial load of pipeline config '%s' failed: %v. Using defaults.", operationalConfigPath, err)
		return service, nil
	}

	logger.Infof("PipelineConfigService initialized for path: %s", operationalConfigPath)
	return service, nil
}

// LoadConfig reads the operational config file. The current config is kept when the file is unusable.
func (s *pipelineConfigService) LoadConfig() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Infof("Loading pipeline configuration from: %s", s.operationalConfigPath)
	cfg, err := config.LoadConfig(s.operationalConfigPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.currentConfig = cfg
	s.logger.Infof("Loaded pipeline configuration ID: %s, Version: %s", cfg.ConfigID, cfg.Version)
	return nil
}

// GetCurrentConfig returns the configuration in force. Callers must not modify it.
func (s *pipelineConfigService) GetCurrentConfig() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentConfig
}

// GetCurrentConfigYAML returns the configuration in force as YAML, defaults filled in.
func (s *pipelineConfigService) GetCurrentConfigYAML() ([]byte, error) {
	cfg := s.GetCurrentConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("error encoding pipeline config: %w", err)
	}
	return data, nil
}

// UpdateConfig validates, persists and applies new YAML, then notifies the backend.
// Sessions created afterwards use the new config; running sessions keep theirs.
func (s *pipelineConfigService) UpdateConfig(newConfigYAML []byte) (*config.Config, error) {
	newCfg, err := config.ParseConfig(newConfigYAML)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := newCfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	newCfg.LastUpdated = time.Now().UTC().Format(time.RFC3339)

	data, err := yaml.Marshal(newCfg)
	if err != nil {
		return nil, fmt.Errorf("error encoding pipeline config: %w", err)
	}

	s.mu.Lock()
	if err := s.persistConfigUnlocked(data); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	oldID := s.currentConfig.ConfigID
	s.currentConfig = newCfg
	publisher := s.configPublisher
	s.mu.Unlock()

	s.logger.Infof("Pipeline configuration updated. ID %s -> %s, Version: %s", oldID, newCfg.ConfigID, newCfg.Version)

	if publisher != nil {
		go func() {
			if err := publisher.PublishConfigUpdatedNotification(newCfg); err != nil {
				s.logger.Warnf("Failed to publish config update notification: %v", err)
				return
			}
			s.logger.Debugf("Published config update notification")
		}()
	}

	return newCfg, nil
}

// PersistConfig writes the given YAML data to the operational config file path.
func (s *pipelineConfigService) PersistConfig(yamlData []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistConfigUnlocked(yamlData)
}

func (s *pipelineConfigService) persistConfigUnlocked(yamlData []byte) error {
	if err := os.WriteFile(s.operationalConfigPath, yamlData, 0644); err != nil {
		s.logger.Errorf("Error writing pipeline config file '%s': %v", s.operationalConfigPath, err)
		return fmt.Errorf("error writing pipeline config file '%s': %w", s.operationalConfigPath, err)
	}
	s.logger.Infof("Persisted pipeline configuration to %s", s.operationalConfigPath)
	return nil
}

// SetPublisher sets the publisher notified after each update.
func (s *pipelineConfigService) SetPublisher(p ConfigPublisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configPublisher = p
}
