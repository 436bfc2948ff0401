package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Game        GameConfig        `mapstructure:"game"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Matchmaking MatchmakingConfig `mapstructure:"matchmaking"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	InstanceID string          `mapstructure:"instance_id"`
	WebSocket  WebSocketConfig `mapstructure:"websocket"`
	GRPC       GRPCConfig      `mapstructure:"grpc"`
}

// WebSocketConfig configures the player-facing HTTP/websocket listener.
type WebSocketConfig struct {
	Address        string        `mapstructure:"address"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PongTimeout    time.Duration `mapstructure:"pong_timeout"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

// GRPCConfig configures the admin gRPC listener.
type GRPCConfig struct {
	Address              string `mapstructure:"address"`
	MaxConcurrentStreams int    `mapstructure:"max_concurrent_streams"`
}

// RedisConfig points at the shared state store.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	OpTimeout   time.Duration `mapstructure:"op_timeout"`
}

// DatabaseConfig points at the optional results database. An empty URL
// disables result persistence.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// GameConfig holds per-phase durations.
type GameConfig struct {
	SpellCastingTimeout time.Duration `mapstructure:"spell_casting_timeout"`
	PropagationWindow   time.Duration `mapstructure:"propagation_window"`
	EffectsWindow       time.Duration `mapstructure:"effects_window"`
	StuckRoundThreshold time.Duration `mapstructure:"stuck_round_threshold"`
	StateUpdateWindow   time.Duration `mapstructure:"state_update_window"`
	MatchStartDelay     time.Duration `mapstructure:"match_start_delay"`
	CleanupGrace        time.Duration `mapstructure:"cleanup_grace"`
}

// SchedulerConfig holds periodic duty settings.
type SchedulerConfig struct {
	TickInterval          time.Duration `mapstructure:"tick_interval"`
	TimeoutInterval       time.Duration `mapstructure:"timeout_interval"`
	HeartbeatInterval     time.Duration `mapstructure:"heartbeat_interval"`
	ReclaimInterval       time.Duration `mapstructure:"reclaim_interval"`
	GCInterval            time.Duration `mapstructure:"gc_interval"`
	DeadInstanceThreshold time.Duration `mapstructure:"dead_instance_threshold"`
	InactivityThreshold   time.Duration `mapstructure:"inactivity_threshold"`
	LockTTL               time.Duration `mapstructure:"lock_ttl"`
}

// MatchmakingConfig controls bracket partitioning.
type MatchmakingConfig struct {
	BracketWidth int `mapstructure:"bracket_width"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from path (if it exists), the environment and
// defaults. A .env file in the working directory is loaded first.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DUEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				var notFound viper.ConfigFileNotFoundError
				if !errors.As(err, &notFound) {
					return nil, fmt.Errorf("read config %s: %w", path, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.instance_id", "")
	v.SetDefault("server.websocket.address", ":8080")
	v.SetDefault("server.websocket.write_timeout", 10*time.Second)
	v.SetDefault("server.websocket.pong_timeout", 60*time.Second)
	v.SetDefault("server.websocket.max_message_size", 64*1024)
	v.SetDefault("server.grpc.address", ":9090")
	v.SetDefault("server.grpc.max_concurrent_streams", 100)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.op_timeout", 2*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 4)

	v.SetDefault("game.spell_casting_timeout", 30*time.Second)
	v.SetDefault("game.propagation_window", 2*time.Second)
	v.SetDefault("game.effects_window", 3*time.Second)
	v.SetDefault("game.stuck_round_threshold", 20*time.Second)
	v.SetDefault("game.state_update_window", 2*time.Second)
	v.SetDefault("game.match_start_delay", 3*time.Second)
	v.SetDefault("game.cleanup_grace", 10*time.Second)

	v.SetDefault("scheduler.tick_interval", 500*time.Millisecond)
	v.SetDefault("scheduler.timeout_interval", time.Second)
	v.SetDefault("scheduler.heartbeat_interval", 5*time.Second)
	v.SetDefault("scheduler.reclaim_interval", 10*time.Second)
	v.SetDefault("scheduler.gc_interval", time.Minute)
	v.SetDefault("scheduler.dead_instance_threshold", 30*time.Second)
	v.SetDefault("scheduler.inactivity_threshold", 10*time.Minute)
	v.SetDefault("scheduler.lock_ttl", 5*time.Second)

	v.SetDefault("matchmaking.bracket_width", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Validate rejects configurations the scheduler cannot run with.
func (c *Config) Validate() error {
	durations := map[string]time.Duration{
		"game.spell_casting_timeout":            c.Game.SpellCastingTimeout,
		"game.propagation_window":               c.Game.PropagationWindow,
		"game.effects_window":                   c.Game.EffectsWindow,
		"game.stuck_round_threshold":            c.Game.StuckRoundThreshold,
		"game.state_update_window":              c.Game.StateUpdateWindow,
		"game.cleanup_grace":                    c.Game.CleanupGrace,
		"scheduler.tick_interval":               c.Scheduler.TickInterval,
		"scheduler.timeout_interval":            c.Scheduler.TimeoutInterval,
		"scheduler.heartbeat_interval":          c.Scheduler.HeartbeatInterval,
		"scheduler.reclaim_interval":            c.Scheduler.ReclaimInterval,
		"scheduler.gc_interval":                 c.Scheduler.GCInterval,
		"scheduler.dead_instance_threshold":     c.Scheduler.DeadInstanceThreshold,
		"scheduler.inactivity_threshold":        c.Scheduler.InactivityThreshold,
		"scheduler.lock_ttl":                    c.Scheduler.LockTTL,
		"redis.op_timeout":                      c.Redis.OpTimeout,
		"server.websocket.write_timeout":        c.Server.WebSocket.WriteTimeout,
		"server.websocket.pong_timeout":         c.Server.WebSocket.PongTimeout,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive, got %s", key, d)
		}
	}
	if c.Game.MatchStartDelay < 0 {
		return fmt.Errorf("config: game.match_start_delay must not be negative")
	}
	if c.Scheduler.HeartbeatInterval >= c.Scheduler.DeadInstanceThreshold {
		return fmt.Errorf("config: scheduler.heartbeat_interval must be shorter than dead_instance_threshold")
	}
	if c.Matchmaking.BracketWidth <= 0 {
		return fmt.Errorf("config: matchmaking.bracket_width must be positive")
	}
	if strings.TrimSpace(c.Redis.Addr) == "" {
		return fmt.Errorf("config: redis.addr is required")
	}
	return nil
}
