package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// BootstrapFileName is the name of the bootstrap file inside the config directory.
const BootstrapFileName = "controller_config.yaml"

// Transport kinds
const (
	TransportZeroMQ = "zeromq"
	TransportMQTT   = "mqtt"
)

// BootstrapConfig holds the initial configuration loaded from controller_config.yaml
type BootstrapConfig struct {
	Logging    LoggingConfig         `yaml:"logging"`
	Server     BootstrapServerConfig `yaml:"server"`
	Transport  TransportBootstrap    `yaml:"transport"`
	ZeroMQ     ZeroMQBootstrap       `yaml:"zeromq"`
	MQTT       MQTTBootstrap         `yaml:"mqtt"`
	Redis      RedisBootstrap        `yaml:"redis"`
	Data       DataConfig            `yaml:"data"`
	Processing ProcessingConfig      `yaml:"processing"`
}

// LoggingConfig holds logging settings from bootstrap
type LoggingConfig struct {
	Level   string `yaml:"level"`
	LogPath string `yaml:"log_path,omitempty"`
}

// BootstrapServerConfig holds bootstrap HTTP server settings
type BootstrapServerConfig struct {
	HTTPPort int `yaml:"http_port"`
}

// TransportBootstrap selects the link to the rendering backend.
type TransportBootstrap struct {
	Kind string `yaml:"kind"`
}

// ZeroMQBootstrap holds ZeroMQ settings from bootstrap
type ZeroMQBootstrap struct {
	RequestBindAddress string `yaml:"request_bind_address"`
	PublishBindAddress string `yaml:"publish_bind_address"`
	SendHighWaterMark  int    `yaml:"send_high_water_mark"`
}

// MQTTBootstrap holds MQTT broker settings from bootstrap
type MQTTBootstrap struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// RedisBootstrap configures the optional session directory. Empty address disables it.
type RedisBootstrap struct {
	Address           string `yaml:"address"`
	Password          string `yaml:"password"`
	DB                int    `yaml:"db"`
	SessionTTLSeconds int    `yaml:"session_ttl_seconds"`
}

// ProcessingConfig holds frame worker configuration from bootstrap
type ProcessingConfig struct {
	FrameWorkers   int `yaml:"frame_workers"`
	FrameQueueSize int `yaml:"frame_queue_size"`
}

// DataConfig holds data directory settings from bootstrap
type DataConfig struct {
	Directory          string `yaml:"directory"`
	PipelineConfigFile string `yaml:"pipeline_config_file"`
	PresetDirectory    string `yaml:"preset_directory"`
}

// PipelineConfigPath returns the absolute location of the operational config file.
func (d DataConfig) PipelineConfigPath() string {
	return filepath.Join(d.Directory, d.PipelineConfigFile)
}

// SessionTTL returns the Redis expiry for session records.
func (r RedisBootstrap) SessionTTL() time.Duration {
	return time.Duration(r.SessionTTLSeconds) * time.Second
}

// LoadBootstrapConfig loads the bootstrap configuration from controller_config.yaml
func LoadBootstrapConfig(configDir string) (*BootstrapConfig, error) {
	bootstrapConfigPath := filepath.Join(configDir, BootstrapFileName)

	data, err := os.ReadFile(bootstrapConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error reading bootstrap config file '%s': %w", bootstrapConfigPath, err)
	}

	var bootstrapCfg BootstrapConfig
	if err := yaml.Unmarshal(data, &bootstrapCfg); err != nil {
		return nil, fmt.Errorf("error parsing bootstrap config file '%s': %w", bootstrapConfigPath, err)
	}

	bootstrapCfg.applyDefaults()
	if err := bootstrapCfg.validate(); err != nil {
		return nil, err
	}

	return &bootstrapCfg, nil
}

func (b *BootstrapConfig) applyDefaults() {
	if b.Logging.Level == "" {
		b.Logging.Level = "info"
	}
	if b.Server.HTTPPort == 0 {
		b.Server.HTTPPort = 8080
	}
	if b.Transport.Kind == "" {
		b.Transport.Kind = TransportZeroMQ
	}
	if b.ZeroMQ.SendHighWaterMark == 0 {
		b.ZeroMQ.SendHighWaterMark = 1000
	}
	if b.MQTT.ClientID == "" {
		b.MQTT.ClientID = "motionctrl-controller"
	}
	if b.MQTT.TopicPrefix == "" {
		b.MQTT.TopicPrefix = "motionctrl"
	}
	if b.MQTT.QoS == 0 {
		b.MQTT.QoS = 1
	}
	if b.Redis.SessionTTLSeconds == 0 {
		b.Redis.SessionTTLSeconds = 3600
	}
	if b.Processing.FrameWorkers == 0 {
		b.Processing.FrameWorkers = 2
	}
	if b.Processing.FrameQueueSize == 0 {
		b.Processing.FrameQueueSize = 64
	}
}

func (b *BootstrapConfig) validate() error {
	switch b.Transport.Kind {
	case TransportZeroMQ:
		if b.ZeroMQ.RequestBindAddress == "" {
			return fmt.Errorf("missing required field in bootstrap config: zeromq.request_bind_address")
		}
		if b.ZeroMQ.PublishBindAddress == "" {
			return fmt.Errorf("missing required field in bootstrap config: zeromq.publish_bind_address")
		}
	case TransportMQTT:
		if b.MQTT.Broker == "" {
			return fmt.Errorf("missing required field in bootstrap config: mqtt.broker")
		}
		if b.MQTT.QoS < 0 || b.MQTT.QoS > 2 {
			return fmt.Errorf("invalid value in bootstrap config: mqtt.qos must be 0, 1 or 2, got %d", b.MQTT.QoS)
		}
	default:
		return fmt.Errorf("invalid value in bootstrap config: transport.kind %q", b.Transport.Kind)
	}

	if b.Data.Directory == "" {
		return fmt.Errorf("missing required field in bootstrap config: data.directory")
	}
	if b.Data.PipelineConfigFile == "" {
		return fmt.Errorf("missing required field in bootstrap config: data.pipeline_config_file")
	}
	return nil
}
