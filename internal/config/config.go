package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	SendBuffer int           `mapstructure:"send_buffer"`

	// CookieSecure marks the session cookie Secure; enable behind TLS only.
	CookieSecure bool `mapstructure:"cookie_secure"`

	RateLimit RateLimit `mapstructure:"rate_limit"`
	Directory Directory `mapstructure:"directory"`
	Game      Game      `mapstructure:"game"`
}

type RateLimit struct {
	Messages int           `mapstructure:"messages"`
	Interval time.Duration `mapstructure:"interval"`
}

type Directory struct {
	RefreshInterval    time.Duration `mapstructure:"refresh_interval"`
	CreateRefreshDelay time.Duration `mapstructure:"create_refresh_delay"`
}

type Game struct {
	DefaultMaxPlayers int `mapstructure:"default_max_players"`
	// MaxTeams bounds team indices; 0 accepts any.
	MaxTeams int `mapstructure:"max_teams"`

	AutoDispose bool          `mapstructure:"auto_dispose"`
	IdleGrace   time.Duration `mapstructure:"idle_grace"`
	JoinTimeout time.Duration `mapstructure:"join_timeout"`
}

// Load reads config/config.<CONFIG_ENV>.yaml, dev by default.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads fileName over the defaults. A missing file is not an error.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	v.SetDefault("mode", "release")
	v.SetDefault("port", 2567)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "constellation-dev-secret")
	v.SetDefault("send_buffer", 32)
	v.SetDefault("cookie_secure", false)
	v.SetDefault("rate_limit.messages", 50)
	v.SetDefault("rate_limit.interval", "1s")
	v.SetDefault("directory.refresh_interval", "5s")
	v.SetDefault("directory.create_refresh_delay", "200ms")
	v.SetDefault("game.default_max_players", 20)
	v.SetDefault("game.max_teams", 0)
	v.SetDefault("game.auto_dispose", true)
	v.SetDefault("game.idle_grace", "0s")
	v.SetDefault("game.join_timeout", "60s")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.PingPeriod <= 0 {
		return nil, fmt.Errorf("ping_period must be positive, got %s", cfg.PingPeriod)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config ready")
	return &cfg, nil
}
