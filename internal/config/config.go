package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Bridge    BridgeConfig     `yaml:"bridge"`
	Process   ProcessConfig    `yaml:"process"`
	Docker    DockerConfig     `yaml:"docker"`
	NATS      NATSConfig       `yaml:"nats"`
	Store     StoreConfig      `yaml:"store"`
	Web       WebConfig        `yaml:"web"`
	Telegram  TelegramConfig   `yaml:"telegram"`
	Vault     VaultConfig      `yaml:"vault"`
	Logging   LoggingConfig    `yaml:"logging"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	Schedules []ScheduleConfig `yaml:"schedules"`
}

// BridgeConfig tunes the transport, correlation and recovery behaviour of
// the engine bridge.
type BridgeConfig struct {
	Host                     string        `yaml:"host"`
	Path                     string        `yaml:"path"`
	CommandTimeout           time.Duration `yaml:"command_timeout"`
	QueueCapacity            int           `yaml:"queue_capacity"`
	QueueMaxAge              time.Duration `yaml:"queue_max_age"`
	HeartbeatInterval        time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeoutMultiple int           `yaml:"heartbeat_timeout_multiple"`
	ReconnectBaseDelay       time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMultiplier      float64       `yaml:"reconnect_multiplier"`
	MaxReconnectAttempts     int           `yaml:"max_reconnect_attempts"`
	WriteTimeout             time.Duration `yaml:"write_timeout"`
	InflightPolicy           string        `yaml:"inflight_policy"`
	DegradedPendingThreshold int           `yaml:"degraded_pending_threshold"`
	MaxRestarts              int           `yaml:"max_restarts"`
	MaxMessageSize           int64         `yaml:"max_message_size"`
}

type ProcessConfig struct {
	Runtime      string            `yaml:"runtime"`
	Executable   string            `yaml:"executable"`
	Script       string            `yaml:"script"`
	WorkDir      string            `yaml:"work_dir"`
	Args         []string          `yaml:"args"`
	Port         int               `yaml:"port"`
	Env          map[string]string `yaml:"env"`
	ProjectPath  string            `yaml:"project_path"`
	DepotPath    string            `yaml:"depot_path"`
	Debug        bool              `yaml:"debug"`
	ReadyMarker  string            `yaml:"ready_marker"`
	StartTimeout time.Duration     `yaml:"start_timeout"`
	StopGrace    time.Duration     `yaml:"stop_grace"`
}

type DockerConfig struct {
	Image      string   `yaml:"image"`
	Dockerfile string   `yaml:"dockerfile"` // built from the working directory when the image is missing
	Network    string   `yaml:"network"`
	ScriptDir  string   `yaml:"script_dir"`
	Mounts     []string `yaml:"mounts"` // host:container[:ro]
	MemoryMB   int64    `yaml:"memory_mb"`
	AutoRemove bool     `yaml:"auto_remove"`
}

type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ScheduleConfig describes a bridge command executed on a cron schedule.
type ScheduleConfig struct {
	Name    string         `yaml:"name"`
	Cron    string         `yaml:"cron"`
	Command string         `yaml:"command"`
	Payload map[string]any `yaml:"payload"`
	Timeout time.Duration  `yaml:"timeout"`
}

const (
	RuntimeExec   = "exec"
	RuntimeDocker = "docker"

	InflightFail  = "fail"
	InflightRetry = "retry"
)

func defaults() Config {
	return Config{
		Bridge: BridgeConfig{
			Host:                     "127.0.0.1",
			Path:                     "/ws",
			CommandTimeout:           30 * time.Second,
			QueueCapacity:            1000,
			QueueMaxAge:              60 * time.Second,
			HeartbeatInterval:        10 * time.Second,
			HeartbeatTimeoutMultiple: 3,
			ReconnectBaseDelay:       time.Second,
			ReconnectMultiplier:      2,
			MaxReconnectAttempts:     5,
			WriteTimeout:             10 * time.Second,
			InflightPolicy:           InflightFail,
			DegradedPendingThreshold: 100,
			MaxMessageSize:           10 << 20,
		},
		Process: ProcessConfig{
			Runtime:      RuntimeExec,
			Executable:   "julia",
			Script:       "server/engine.jl",
			Port:         8052,
			ReadyMarker:  "SWARMBRIDGE_READY",
			StartTimeout: 60 * time.Second,
			StopGrace:    5 * time.Second,
		},
		Docker: DockerConfig{
			Image:      "julia:1.10",
			Network:    "swarmbridge-net",
			ScriptDir:  "/opt/engine",
			AutoRemove: true,
		},
		NATS: NATSConfig{
			Enabled: true,
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/swarmbridge.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Scheduler: SchedulerConfig{
			PollInterval: time.Second,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(Path())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SWARMBRIDGE_RUNTIME"); v != "" {
		cfg.Process.Runtime = v
	}
	if v := os.Getenv("SWARMBRIDGE_ENGINE_EXECUTABLE"); v != "" {
		cfg.Process.Executable = v
	}
	if v := os.Getenv("SWARMBRIDGE_ENGINE_SCRIPT"); v != "" {
		cfg.Process.Script = v
	}
	if v := os.Getenv("SWARMBRIDGE_ENGINE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Process.Port = port
		}
	}
	if v := os.Getenv("SWARMBRIDGE_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Process.Debug = b
		}
	}
	if v := os.Getenv("JULIA_PROJECT"); v != "" {
		cfg.Process.ProjectPath = v
	}
	if v := os.Getenv("JULIA_DEPOT_PATH"); v != "" {
		cfg.Process.DepotPath = v
	}
	if v := os.Getenv("SWARMBRIDGE_DOCKER_IMAGE"); v != "" {
		cfg.Docker.Image = v
	}
	if v := os.Getenv("SWARMBRIDGE_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("SWARMBRIDGE_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("SWARMBRIDGE_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("SWARMBRIDGE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SWARMBRIDGE_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("SWARMBRIDGE_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("SWARMBRIDGE_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("SWARMBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SWARMBRIDGE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// Validate rejects settings the bridge cannot operate with.
func (c *Config) Validate() error {
	var errs []error
	b := c.Bridge
	if b.CommandTimeout <= 0 {
		errs = append(errs, errors.New("bridge.command_timeout must be positive"))
	}
	if b.QueueCapacity <= 0 {
		errs = append(errs, errors.New("bridge.queue_capacity must be positive"))
	}
	if b.QueueMaxAge <= 0 {
		errs = append(errs, errors.New("bridge.queue_max_age must be positive"))
	}
	if b.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("bridge.heartbeat_interval must be positive"))
	}
	if b.HeartbeatTimeoutMultiple < 1 {
		errs = append(errs, errors.New("bridge.heartbeat_timeout_multiple must be at least 1"))
	}
	if b.ReconnectBaseDelay <= 0 {
		errs = append(errs, errors.New("bridge.reconnect_base_delay must be positive"))
	}
	if b.ReconnectMultiplier < 1 {
		errs = append(errs, errors.New("bridge.reconnect_multiplier must be at least 1"))
	}
	if b.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("bridge.max_reconnect_attempts must not be negative"))
	}
	if b.InflightPolicy != InflightFail && b.InflightPolicy != InflightRetry {
		errs = append(errs, fmt.Errorf("bridge.inflight_policy %q must be %q or %q", b.InflightPolicy, InflightFail, InflightRetry))
	}
	if b.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("bridge.max_message_size must be positive"))
	}

	p := c.Process
	if p.Runtime != RuntimeExec && p.Runtime != RuntimeDocker {
		errs = append(errs, fmt.Errorf("process.runtime %q must be %q or %q", p.Runtime, RuntimeExec, RuntimeDocker))
	}
	if p.Runtime == RuntimeExec && p.Executable == "" {
		errs = append(errs, errors.New("process.executable is required"))
	}
	if p.Port <= 0 || p.Port > 65535 {
		errs = append(errs, fmt.Errorf("process.port %d out of range", p.Port))
	}
	if p.ReadyMarker == "" {
		errs = append(errs, errors.New("process.ready_marker is required"))
	}
	if p.StartTimeout <= 0 {
		errs = append(errs, errors.New("process.start_timeout must be positive"))
	}

	if c.Scheduler.PollInterval <= 0 {
		errs = append(errs, errors.New("scheduler.poll_interval must be positive"))
	}

	for i, s := range c.Schedules {
		if s.Name == "" || s.Cron == "" || s.Command == "" {
			errs = append(errs, fmt.Errorf("schedules[%d]: name, cron and command are required", i))
		}
	}
	return errors.Join(errs...)
}

// Path returns the config file location.
func Path() string {
	if p := os.Getenv("SWARMBRIDGE_CONFIG"); p != "" {
		return p
	}
	return "config/swarmbridge.yaml"
}

// Endpoint is the WebSocket URL the bridge dials once the engine is ready.
func (c *Config) Endpoint() string {
	host := c.Bridge.Host
	if host == "" {
		host = "127.0.0.1"
	}
	path := c.Bridge.Path
	if path == "" {
		path = "/"
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(c.Process.Port)) + path
}
