package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/logging"
)

// Config is the full configuration surface of the theatre.
type Config struct {
	Network   NetworkConfig
	Ports     PortPoolConfig
	WebSocket WebSocketConfig
	Retry     RetryTableConfig
	Reconnect ReconnectConfig
	Programs  ProgramsConfig
	Playback  PlaybackConfig
	Log       logging.Config
}

type NetworkConfig struct {
	BindAddress      string `mapstructure:"bind_address"`
	SignalingPort    int    `mapstructure:"signaling_port"`
	SRTInputPort     int    `mapstructure:"srt_input_port"`
	RTMPPort         int    `mapstructure:"rtmp_port"`
	VerificationCode string `mapstructure:"verification_code"`
	Isolation        bool   `mapstructure:"per_connection_isolation"`
	ChatEcho         bool   `mapstructure:"chat_echo"`
	PreferIPv6       bool   `mapstructure:"prefer_ipv6"`

	// Verification rate limiting: after MaxFailedAttempts wrong codes a
	// peer address is refused for the Lockout window. Zero disables it.
	MaxFailedAttempts int           `mapstructure:"max_failed_attempts"`
	Lockout           time.Duration `mapstructure:"lockout"`
}

type PortPoolConfig struct {
	Base int `mapstructure:"base"`
	Size int `mapstructure:"size"`
}

type WebSocketConfig struct {
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	PongWait         time.Duration `mapstructure:"pong_wait"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	MaxMessageSize   int64         `mapstructure:"max_message_size"`
}

// RetryPolicy configures restarts for one managed-process role.
type RetryPolicy struct {
	Mode        string        `mapstructure:"mode"` // "infinite" | "bounded"
	Interval    time.Duration `mapstructure:"interval"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     bool          `mapstructure:"backoff"`
}

// RetryTableConfig is the per-role restart policy table.
type RetryTableConfig struct {
	Ingest       RetryPolicy `mapstructure:"ingest"`
	Distribution RetryPolicy `mapstructure:"distribution"`
	Relay        RetryPolicy `mapstructure:"relay"`
	Playback     RetryPolicy `mapstructure:"playback"`
}

// ReconnectConfig bounds the receiver's signaling reconnect loop.
type ReconnectConfig struct {
	Retries  int           `mapstructure:"retries"`
	Interval time.Duration `mapstructure:"interval"`
}

type ProgramsConfig struct {
	FFmpeg   string `mapstructure:"ffmpeg"`
	MPV      string `mapstructure:"mpv"`
	Nginx    string `mapstructure:"nginx"`
	NginxDir string `mapstructure:"nginx_dir"`
}

type PlaybackConfig struct {
	EnableLocalPlay bool          `mapstructure:"enable_local_play"`
	SettleDelay     time.Duration `mapstructure:"settle_delay"`
	GracePeriod     time.Duration `mapstructure:"grace_period"`
	StopGrace       time.Duration `mapstructure:"stop_grace"`
}

// Load reads configuration from config.yaml (if present), a .env file and
// environment variables. Environment variables take precedence.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No config file: rely on defaults and env vars.
	}

	setDefaults(v)

	v.BindEnv("network.bind_address", "THEATRE_BIND_ADDRESS")
	v.BindEnv("network.signaling_port", "THEATRE_SIGNALING_PORT")
	v.BindEnv("network.srt_input_port", "THEATRE_SRT_INPUT_PORT")
	v.BindEnv("network.verification_code", "THEATRE_CODE")
	v.BindEnv("programs.ffmpeg", "THEATRE_FFMPEG")
	v.BindEnv("programs.mpv", "THEATRE_MPV")
	v.BindEnv("programs.nginx", "THEATRE_NGINX")
	v.BindEnv("log.level", "THEATRE_LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Durations arrive as strings; mapstructure does not parse them.
	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", 20*time.Second)
	cfg.WebSocket.PongWait = parseDuration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)
	cfg.WebSocket.HandshakeTimeout = parseDuration(v, "websocket.handshake_timeout", 10*time.Second)
	cfg.WebSocket.IdleTimeout = parseDuration(v, "websocket.idle_timeout", 5*time.Minute)
	cfg.Retry.Ingest.Interval = parseDuration(v, "retry.ingest.interval", 3*time.Second)
	cfg.Retry.Distribution.Interval = parseDuration(v, "retry.distribution.interval", 2*time.Second)
	cfg.Retry.Relay.Interval = parseDuration(v, "retry.relay.interval", 2*time.Second)
	cfg.Retry.Playback.Interval = parseDuration(v, "retry.playback.interval", 3*time.Second)
	cfg.Network.Lockout = parseDuration(v, "network.lockout", time.Minute)
	cfg.Reconnect.Interval = parseDuration(v, "reconnect.interval", 3*time.Second)
	cfg.Playback.SettleDelay = parseDuration(v, "playback.settle_delay", 5*time.Second)
	cfg.Playback.GracePeriod = parseDuration(v, "playback.grace_period", time.Second)
	cfg.Playback.StopGrace = parseDuration(v, "playback.stop_grace", 5*time.Second)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("network.bind_address", "0.0.0.0")
	v.SetDefault("network.signaling_port", 10086)
	v.SetDefault("network.srt_input_port", 9001)
	v.SetDefault("network.rtmp_port", 1935)
	v.SetDefault("network.verification_code", "114514")
	v.SetDefault("network.per_connection_isolation", true)
	v.SetDefault("network.chat_echo", true)
	v.SetDefault("network.prefer_ipv6", true)
	v.SetDefault("network.max_failed_attempts", 5)
	v.SetDefault("network.lockout", "60s")

	v.SetDefault("ports.base", 10000)
	v.SetDefault("ports.size", 100)

	v.SetDefault("websocket.ping_interval", "20s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.handshake_timeout", "10s")
	v.SetDefault("websocket.idle_timeout", "5m")
	v.SetDefault("websocket.max_message_size", 4096)

	// The ingest listener waits indefinitely for an upstream source; the
	// per-client distribution pipeline indicates misconfiguration when it
	// keeps dying, so its budget is bounded.
	v.SetDefault("retry.ingest.mode", "infinite")
	v.SetDefault("retry.ingest.interval", "3s")
	v.SetDefault("retry.distribution.mode", "bounded")
	v.SetDefault("retry.distribution.interval", "2s")
	v.SetDefault("retry.distribution.max_attempts", 5)
	v.SetDefault("retry.distribution.backoff", true)
	v.SetDefault("retry.relay.mode", "bounded")
	v.SetDefault("retry.relay.interval", "2s")
	v.SetDefault("retry.relay.max_attempts", 3)
	v.SetDefault("retry.playback.mode", "infinite")
	v.SetDefault("retry.playback.interval", "3s")

	v.SetDefault("reconnect.retries", 5)
	v.SetDefault("reconnect.interval", "3s")

	v.SetDefault("programs.ffmpeg", "ffmpeg")
	v.SetDefault("programs.mpv", "mpv")
	v.SetDefault("programs.nginx", "nginx")
	v.SetDefault("programs.nginx_dir", "./rtmp")

	v.SetDefault("playback.enable_local_play", true)
	v.SetDefault("playback.settle_delay", "5s")
	v.SetDefault("playback.grace_period", "1s")
	v.SetDefault("playback.stop_grace", "5s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

func (c *Config) validate() error {
	if c.Ports.Size <= 0 {
		return fmt.Errorf("ports.size must be positive, got %d", c.Ports.Size)
	}
	if c.Network.VerificationCode == "" {
		return fmt.Errorf("network.verification_code must not be empty")
	}
	for _, p := range []struct {
		role   string
		policy RetryPolicy
	}{
		{"ingest", c.Retry.Ingest},
		{"distribution", c.Retry.Distribution},
		{"relay", c.Retry.Relay},
		{"playback", c.Retry.Playback},
	} {
		if p.policy.Mode != "infinite" && p.policy.Mode != "bounded" {
			return fmt.Errorf("retry.%s.mode must be \"infinite\" or \"bounded\", got %q", p.role, p.policy.Mode)
		}
		if p.policy.Mode == "bounded" && p.policy.MaxAttempts <= 0 {
			return fmt.Errorf("retry.%s.max_attempts must be positive in bounded mode", p.role)
		}
	}
	return nil
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return defaultVal
	}
	return d
}
