package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// SearchPaths are tried in order by LoadFirst.
var SearchPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/medlink/config.yaml",
	"config.yaml",
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		// StatusPingInterval is the keepalive period of the status websocket.
		StatusPingInterval time.Duration `yaml:"status_ping_interval"`
	} `yaml:"server"`

	Resolver struct {
		Address string `yaml:"address"`
	} `yaml:"resolver"`

	Session struct {
		Role       string `yaml:"role"`
		InstanceID string `yaml:"instance_id"`
		RelayHost  string `yaml:"relay_host"`
		RTMPPort   int    `yaml:"rtmp_port"`
		HLSPort    int    `yaml:"hls_port"`
		WHIPPort   int    `yaml:"whip_port"`
		// AutoStart begins publishing as soon as the station is up.
		AutoStart bool `yaml:"auto_start"`
	} `yaml:"session"`

	Publish struct {
		PreferredCodec  string        `yaml:"preferred_codec"`
		StatsInterval   time.Duration `yaml:"stats_interval"`
		ExchangeTimeout time.Duration `yaml:"exchange_timeout"`
		WaitGathering   bool          `yaml:"wait_gathering"`
		// WHIPToken is sent as a bearer token when the relay requires one.
		WHIPToken  string      `yaml:"whip_token"`
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"publish"`

	Capture struct {
		Source string `yaml:"source"` // rtp | file
		Video  struct {
			Enabled   bool `yaml:"enabled"`
			Width     int  `yaml:"width"`
			Height    int  `yaml:"height"`
			FrameRate int  `yaml:"frame_rate"`
		} `yaml:"video"`
		Audio struct {
			Enabled          bool `yaml:"enabled"`
			EchoCancellation bool `yaml:"echo_cancellation"`
			NoiseSuppression bool `yaml:"noise_suppression"`
			AutoGainControl  bool `yaml:"auto_gain_control"`
		} `yaml:"audio"`
		RTP struct {
			Host         string        `yaml:"host"`
			VideoPort    int           `yaml:"video_port"`
			AudioPort    int           `yaml:"audio_port"`
			VideoCodec   string        `yaml:"video_codec"`
			ReadyTimeout time.Duration `yaml:"ready_timeout"`
		} `yaml:"rtp"`
		File struct {
			VideoPath string `yaml:"video_path"`
			AudioPath string `yaml:"audio_path"`
			Loop      bool   `yaml:"loop"`
		} `yaml:"file"`
	} `yaml:"capture"`

	Playback struct {
		ReloadDelay    time.Duration `yaml:"reload_delay"`
		Engine         string        `yaml:"engine"` // managed | native
		Sink           string        `yaml:"sink"`   // file | command
		Autoplay       bool          `yaml:"autoplay"`
		PollInterval   time.Duration `yaml:"poll_interval"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		MaxBandwidth   uint32        `yaml:"max_bandwidth"`
		File           struct {
			OutputDir string `yaml:"output_dir"`
			Window    uint   `yaml:"window"`
		} `yaml:"file"`
		Command struct {
			Command    string   `yaml:"command"`
			Args       []string `yaml:"args"`
			VolumeFlag string   `yaml:"volume_flag"`
			MuteFlag   string   `yaml:"mute_flag"`
			NativeHLS  bool     `yaml:"native_hls"`
		} `yaml:"command"`
	} `yaml:"playback"`

	Monitoring struct {
		PrometheusEnabled   bool          `yaml:"prometheus_enabled"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
		HealthCheckTimeout  time.Duration `yaml:"health_check_timeout"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool          `yaml:"enabled"`
		Address  string        `yaml:"address"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		PoolSize int           `yaml:"pool_size"`
		LeaseTTL time.Duration `yaml:"lease_ttl"`
	} `yaml:"redis"`

	Auth struct {
		Enabled        bool          `yaml:"enabled"`
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			MaxConcurrent int `yaml:"max_concurrent_connections"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}
	if c.Server.StatusPingInterval <= 0 {
		return fmt.Errorf("server.status_ping_interval must be > 0")
	}

	// Session
	switch strings.ToLower(c.Session.Role) {
	case "doctor", "patient":
	default:
		return fmt.Errorf("session.role must be doctor or patient, got %q", c.Session.Role)
	}
	if c.Session.RelayHost == "" {
		return fmt.Errorf("session.relay_host must not be empty")
	}
	for name, port := range map[string]int{
		"rtmp_port": c.Session.RTMPPort,
		"hls_port":  c.Session.HLSPort,
		"whip_port": c.Session.WHIPPort,
	} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("session.%s must be a valid port, got %d", name, port)
		}
	}

	// Publish
	if c.Publish.PreferredCodec == "" {
		return fmt.Errorf("publish.preferred_codec must not be empty")
	}
	if c.Publish.StatsInterval <= 0 {
		return fmt.Errorf("publish.stats_interval must be > 0")
	}
	if c.Publish.ExchangeTimeout <= 0 {
		return fmt.Errorf("publish.exchange_timeout must be > 0")
	}
	if c.Publish.PortRange.Min > 0 || c.Publish.PortRange.Max > 0 {
		if c.Publish.PortRange.Min == 0 || c.Publish.PortRange.Max == 0 {
			return fmt.Errorf("publish.port_range.min and max must both be set when one is set")
		}
		if c.Publish.PortRange.Min >= c.Publish.PortRange.Max {
			return fmt.Errorf("publish.port_range.min must be < max")
		}
	}

	// Capture
	if !c.Capture.Video.Enabled && !c.Capture.Audio.Enabled {
		return fmt.Errorf("capture: at least one of video or audio must be enabled")
	}
	switch c.Capture.Source {
	case "rtp":
		if c.Capture.Video.Enabled && c.Capture.RTP.VideoPort <= 0 {
			return fmt.Errorf("capture.rtp.video_port must be > 0 when video is enabled")
		}
		if c.Capture.Audio.Enabled && c.Capture.RTP.AudioPort <= 0 {
			return fmt.Errorf("capture.rtp.audio_port must be > 0 when audio is enabled")
		}
	case "file":
		if c.Capture.Video.Enabled && c.Capture.File.VideoPath == "" {
			return fmt.Errorf("capture.file.video_path must be set when video is enabled")
		}
		if c.Capture.Audio.Enabled && c.Capture.File.AudioPath == "" {
			return fmt.Errorf("capture.file.audio_path must be set when audio is enabled")
		}
	default:
		return fmt.Errorf("capture.source must be rtp or file, got %q", c.Capture.Source)
	}
	if c.Capture.Video.Enabled && (c.Capture.Video.Width <= 0 || c.Capture.Video.Height <= 0 || c.Capture.Video.FrameRate <= 0) {
		return fmt.Errorf("capture.video width, height and frame_rate must be > 0")
	}

	// Playback
	if c.Playback.ReloadDelay <= 0 {
		return fmt.Errorf("playback.reload_delay must be > 0")
	}
	switch c.Playback.Engine {
	case "managed", "native":
	default:
		return fmt.Errorf("playback.engine must be managed or native, got %q", c.Playback.Engine)
	}
	switch c.Playback.Sink {
	case "file":
		if c.Playback.File.OutputDir == "" {
			return fmt.Errorf("playback.file.output_dir must not be empty")
		}
	case "command":
		if c.Playback.Command.Command == "" {
			return fmt.Errorf("playback.command.command must not be empty")
		}
	default:
		return fmt.Errorf("playback.sink must be file or command, got %q", c.Playback.Sink)
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must not be empty when auth.enabled=true")
		}
		if c.Auth.AccessTokenTTL <= 0 {
			return fmt.Errorf("auth.access_token_ttl must be > 0")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFirst loads the first existing file of paths, or defaults when none exists.
// It returns the path that was used, empty for defaults.
func LoadFirst(paths ...string) (*Config, string, error) {
	if len(paths) == 0 {
		paths = SearchPaths
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := Load(path)
		return cfg, path, err
	}
	cfg, err := Load("")
	return cfg, "", err
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second
	cfg.Server.StatusPingInterval = 30 * time.Second

	cfg.Resolver.Address = ":3000"

	cfg.Session.Role = "doctor"
	cfg.Session.RelayHost = "http://127.0.0.1"
	cfg.Session.RTMPPort = 1935
	cfg.Session.HLSPort = 8888
	cfg.Session.WHIPPort = 8889

	cfg.Publish.PreferredCodec = "video/H264"
	cfg.Publish.StatsInterval = 5 * time.Second
	cfg.Publish.ExchangeTimeout = 30 * time.Second
	cfg.Publish.WaitGathering = true
	cfg.Publish.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}

	cfg.Capture.Source = "rtp"
	cfg.Capture.Video.Enabled = true
	cfg.Capture.Video.Width = 640
	cfg.Capture.Video.Height = 480
	cfg.Capture.Video.FrameRate = 30
	cfg.Capture.Audio.Enabled = true
	cfg.Capture.Audio.EchoCancellation = true
	cfg.Capture.Audio.NoiseSuppression = true
	cfg.Capture.Audio.AutoGainControl = true
	cfg.Capture.RTP.Host = "127.0.0.1"
	cfg.Capture.RTP.VideoPort = 5004
	cfg.Capture.RTP.AudioPort = 5006
	cfg.Capture.RTP.VideoCodec = "video/H264"
	cfg.Capture.RTP.ReadyTimeout = 5 * time.Second
	cfg.Capture.File.Loop = true

	cfg.Playback.ReloadDelay = 3 * time.Second
	cfg.Playback.Engine = "managed"
	cfg.Playback.Sink = "file"
	cfg.Playback.Autoplay = true
	cfg.Playback.RequestTimeout = 10 * time.Second
	cfg.Playback.File.OutputDir = "./playback"
	cfg.Playback.File.Window = 6
	cfg.Playback.Command.Command = "ffplay"
	cfg.Playback.Command.Args = []string{"-loglevel", "warning", "-i", "-"}
	cfg.Playback.Command.VolumeFlag = "-volume"
	cfg.Playback.Command.MuteFlag = "-an"

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.HealthCheckInterval = 30 * time.Second
	cfg.Monitoring.HealthCheckTimeout = 3 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.LeaseTTL = 30 * time.Second

	cfg.Auth.Enabled = false
	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 12 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxConcurrent = 16

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("MEDLINK_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("MEDLINK_RESOLVER_ADDRESS"); addr != "" {
		c.Resolver.Address = addr
	}
	if role := os.Getenv("MEDLINK_ROLE"); role != "" {
		c.Session.Role = role
	}
	if host := os.Getenv("MEDLINK_RELAY_HOST"); host != "" {
		c.Session.RelayHost = host
	}
	if id := os.Getenv("MEDLINK_INSTANCE_ID"); id != "" {
		c.Session.InstanceID = id
	}
	if codec := os.Getenv("MEDLINK_PREFERRED_CODEC"); codec != "" {
		c.Publish.PreferredCodec = codec
	}
	if token := os.Getenv("MEDLINK_WHIP_TOKEN"); token != "" {
		c.Publish.WHIPToken = token
	}
	if level := os.Getenv("MEDLINK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("MEDLINK_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if secret := os.Getenv("MEDLINK_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if v := os.Getenv("MEDLINK_AUTH_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Auth.Enabled = enabled
		}
	}
	if url := os.Getenv("MEDLINK_JAEGER_URL"); url != "" {
		c.Tracing.JaegerURL = url
		c.Tracing.Enabled = true
	}
}
