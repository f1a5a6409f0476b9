package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	DB       DBConfig       `mapstructure:"db"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Presence PresenceConfig `mapstructure:"presence"`
	Client   ClientConfig   `mapstructure:"client"`
	Audio    AudioConfig    `mapstructure:"audio"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	ReadChunk         int           `mapstructure:"read_chunk"`
	MaxFrameBytes     int           `mapstructure:"max_frame_bytes"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	SendQueue         int           `mapstructure:"send_queue"`
	MaxConnections    int           `mapstructure:"max_connections"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	OnlineTimeout     time.Duration `mapstructure:"online_timeout"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	ControlSocket     string        `mapstructure:"control_socket"`
	DefaultUsers      []string      `mapstructure:"default_users"`
}

type DBConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

type AdminConfig struct {
	Addr string `mapstructure:"addr"`
}

type PresenceConfig struct {
	RedisAddr string `mapstructure:"redis_addr"`
	Channel   string `mapstructure:"channel"`
}

type ClientConfig struct {
	ServerAddr string `mapstructure:"server_addr"`
}

type AudioConfig struct {
	SampleRate   int    `mapstructure:"sample_rate"`
	ChunkSize    int    `mapstructure:"chunk_size"`
	Channels     int    `mapstructure:"channels"`
	BufferFrames int    `mapstructure:"buffer_frames"`
	ListenAddr   string `mapstructure:"listen_addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SetDefaults registers every key so that env overrides work without a file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 47990)
	v.SetDefault("server.read_chunk", 4096)
	v.SetDefault("server.max_frame_bytes", 1<<20)
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.send_queue", 256)
	v.SetDefault("server.max_connections", 100)
	v.SetDefault("server.heartbeat_interval", "30s")
	v.SetDefault("server.online_timeout", "60s")
	v.SetDefault("server.call_timeout", "45s")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("server.control_socket", "/tmp/aleph.sock")
	v.SetDefault("server.default_users", []string{"user1", "user2", "user3", "admin", "test"})

	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.path", "messenger.db")
	v.SetDefault("db.dsn", "")

	v.SetDefault("admin.addr", ":9090")

	v.SetDefault("presence.redis_addr", "")
	v.SetDefault("presence.channel", "aleph:presence")

	v.SetDefault("client.server_addr", "127.0.0.1:47990")

	v.SetDefault("audio.sample_rate", 44100)
	v.SetDefault("audio.chunk_size", 1024)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.buffer_frames", 10)
	v.SetDefault("audio.listen_addr", ":47991")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// New returns a viper instance with defaults and ALEPH_ env overrides. If
// file is non-empty it must exist.
func New(file string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("ALEPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	return v, nil
}

// Load reads the configuration from file (optional) and environment.
func Load(file string) (*Config, error) {
	v, err := New(file)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.ReadChunk <= 0 {
		errs = append(errs, errors.New("server.read_chunk must be positive"))
	}
	if c.Server.MaxFrameBytes < c.Server.ReadChunk {
		errs = append(errs, errors.New("server.max_frame_bytes must be at least server.read_chunk"))
	}
	if c.Server.SendQueue <= 0 {
		errs = append(errs, errors.New("server.send_queue must be positive"))
	}
	if c.Server.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("server.heartbeat_interval must be positive"))
	}
	if c.Server.OnlineTimeout != 0 && c.Server.OnlineTimeout < c.Server.HeartbeatInterval {
		errs = append(errs, errors.New("server.online_timeout must be 0 or at least server.heartbeat_interval"))
	}
	if c.Server.CallTimeout < 0 {
		errs = append(errs, errors.New("server.call_timeout must be >= 0"))
	}
	if c.Audio.SampleRate <= 0 || c.Audio.ChunkSize <= 0 || c.Audio.Channels <= 0 {
		errs = append(errs, errors.New("audio sample_rate, chunk_size and channels must be positive"))
	}
	if c.Audio.BufferFrames <= 0 {
		errs = append(errs, errors.New("audio.buffer_frames must be positive"))
	}
	switch c.DB.Driver {
	case "sqlite", "sqlite3":
	case "postgres", "pgx":
		if c.DB.DSN == "" {
			errs = append(errs, errors.New("db.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown db.driver %q", c.DB.Driver))
	}
	return errors.Join(errs...)
}
