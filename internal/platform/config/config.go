package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration returns the duration value of the environment variable named
// by key (e.g. "200ms"), or fallback if the variable is unset, empty, or not a
// valid duration.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}

// Controller modes accepted by Settings.Channels.Mode.
const (
	ModeMonitor  = "monitor"
	ModePipeline = "pipeline"
)

// DefaultPipelineCommand encodes a live test pattern to H.264 RTP over UDP.
// Placeholders are expanded per channel by the pipeline package.
const DefaultPipelineCommand = "gst-launch-1.0 -e videotestsrc is-live=true pattern=0 " +
	"! video/x-raw,width={width},height={height},framerate={framerate}/1 " +
	"! videoconvert ! x264enc bitrate=2000 speed-preset=ultrafast tune=zerolatency byte-stream=true key-int-max=30 threads=1 " +
	"! rtph264pay pt=96 config-interval=1 " +
	"! udpsink host={host} port={port} sync=false"

// Settings is the full runtime configuration of a node.
type Settings struct {
	HTTP     HTTPSettings     `yaml:"http"`
	Node     NodeSettings     `yaml:"node"`
	Channels ChannelSettings  `yaml:"channels"`
	Pipeline PipelineSettings `yaml:"pipeline"`
	Web      WebSettings      `yaml:"web"`
	Log      LogSettings      `yaml:"log"`
}

type HTTPSettings struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type NodeSettings struct {
	// PublicHost is the address clients use to reach this node's UDP ports.
	PublicHost string `yaml:"public_host"`
}

type ChannelSettings struct {
	Count              int           `yaml:"count"`
	BasePort           int           `yaml:"base_port"`
	Mode               string        `yaml:"mode"`
	Width              int           `yaml:"width"`
	Height             int           `yaml:"height"`
	Framerate          int           `yaml:"framerate"`
	StatusPollInterval time.Duration `yaml:"status_poll_interval"`
}

type PipelineSettings struct {
	Command      string        `yaml:"command"`
	StartupGrace time.Duration `yaml:"startup_grace"`
	StopTimeout  time.Duration `yaml:"stop_timeout"`
}

type WebSettings struct {
	Dir string `yaml:"dir"`
}

type LogSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns the settings used when neither a file nor the environment
// overrides a value.
func Defaults() Settings {
	return Settings{
		HTTP: HTTPSettings{
			Host:            "0.0.0.0",
			Port:            8080,
			PollInterval:    200 * time.Millisecond,
			ReadTimeout:     10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Node: NodeSettings{PublicHost: "127.0.0.1"},
		Channels: ChannelSettings{
			Count:              8,
			BasePort:           8081,
			Mode:               ModeMonitor,
			Width:              1920,
			Height:             1080,
			Framerate:          30,
			StatusPollInterval: time.Second,
		},
		Pipeline: PipelineSettings{
			Command:      DefaultPipelineCommand,
			StartupGrace: 500 * time.Millisecond,
			StopTimeout:  3 * time.Second,
		},
		Web: WebSettings{Dir: "web"},
		Log: LogSettings{Level: "info", Format: "json"},
	}
}

// LoadFile overlays the YAML document at path on top of s. Keys absent from
// the document keep their current value.
func (s *Settings) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides settings from environment variables. Invalid values are
// ignored, as with GetEnvInt.
func (s *Settings) ApplyEnv() {
	s.HTTP.Host = GetEnv("HTTP_HOST", s.HTTP.Host)
	s.HTTP.Port = GetEnvInt("HTTP_PORT", s.HTTP.Port)
	s.HTTP.PollInterval = GetEnvDuration("ACCEPT_POLL_INTERVAL", s.HTTP.PollInterval)
	s.HTTP.ReadTimeout = GetEnvDuration("REQUEST_READ_TIMEOUT", s.HTTP.ReadTimeout)
	s.HTTP.ShutdownTimeout = GetEnvDuration("SHUTDOWN_TIMEOUT", s.HTTP.ShutdownTimeout)

	s.Node.PublicHost = GetEnv("PUBLIC_HOST", s.Node.PublicHost)

	s.Channels.Count = GetEnvInt("CHANNEL_COUNT", s.Channels.Count)
	s.Channels.BasePort = GetEnvInt("BASE_UDP_PORT", s.Channels.BasePort)
	s.Channels.Mode = GetEnv("CONTROLLER_MODE", s.Channels.Mode)
	s.Channels.Width = GetEnvInt("VIDEO_WIDTH", s.Channels.Width)
	s.Channels.Height = GetEnvInt("VIDEO_HEIGHT", s.Channels.Height)
	s.Channels.Framerate = GetEnvInt("VIDEO_FRAMERATE", s.Channels.Framerate)
	s.Channels.StatusPollInterval = GetEnvDuration("STATUS_POLL_INTERVAL", s.Channels.StatusPollInterval)

	s.Pipeline.Command = GetEnv("PIPELINE_COMMAND", s.Pipeline.Command)
	s.Pipeline.StartupGrace = GetEnvDuration("PIPELINE_STARTUP_GRACE", s.Pipeline.StartupGrace)
	s.Pipeline.StopTimeout = GetEnvDuration("PIPELINE_STOP_TIMEOUT", s.Pipeline.StopTimeout)

	s.Web.Dir = GetEnv("WEB_DIR", s.Web.Dir)

	s.Log.Level = GetEnv("LOG_LEVEL", s.Log.Level)
	s.Log.Format = GetEnv("LOG_FORMAT", s.Log.Format)
}

// Validate reports the first setting that cannot be used to run a node.
func (s Settings) Validate() error {
	if s.HTTP.Port < 0 || s.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http port: %d", s.HTTP.Port)
	}
	if s.Channels.BasePort <= 0 || s.Channels.BasePort > 65535 {
		return fmt.Errorf("invalid base udp port: %d", s.Channels.BasePort)
	}
	if s.Channels.Count < 0 {
		return fmt.Errorf("invalid channel count: %d", s.Channels.Count)
	}
	if s.Channels.Mode != ModeMonitor && s.Channels.Mode != ModePipeline {
		return fmt.Errorf("invalid controller mode: %q (must be %q or %q)", s.Channels.Mode, ModeMonitor, ModePipeline)
	}
	if s.HTTP.PollInterval <= 0 {
		return fmt.Errorf("invalid accept poll interval: %v", s.HTTP.PollInterval)
	}
	return nil
}

// Addr returns the host:port the control server listens on.
func (s Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.HTTP.Host, s.HTTP.Port)
}
