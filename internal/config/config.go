package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type RTC struct {
	ICEServers    []string      `mapstructure:"ice_servers"`
	PublicIP      string        `mapstructure:"public_ip"`
	UDPPortMin    uint16        `mapstructure:"udp_port_min"`
	UDPPortMax    uint16        `mapstructure:"udp_port_max"`
	GatherTimeout time.Duration `mapstructure:"gather_timeout"`

	// HandshakeTimeout bounds how long publishing waits for ICE and DTLS.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	IncludeLoopback  bool          `mapstructure:"include_loopback"`
}

type Config struct {
	Mode             string        `mapstructure:"mode"`
	Port             int           `mapstructure:"port"`
	StaticPath       string        `mapstructure:"static_path"`
	ReadLimit        int64         `mapstructure:"read_limit"`
	PingPeriod       time.Duration `mapstructure:"ping_period"`
	Secret           string        `mapstructure:"secret"`
	SendBuffer       int           `mapstructure:"send_buffer"`
	ReconnectTimeout time.Duration `mapstructure:"reconnect_timeout"`
	HandlerTimeout   time.Duration `mapstructure:"handler_timeout"`
	ChatRateLimit    int           `mapstructure:"chat_rate_limit"`
	ChatRateInterval time.Duration `mapstructure:"chat_rate_interval"`
	RTC              RTC           `mapstructure:"rtc"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "stage-dev-secret")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("reconnect_timeout", "15s")
	v.SetDefault("handler_timeout", "10s")
	v.SetDefault("chat_rate_limit", 5)
	v.SetDefault("chat_rate_interval", "3s")
	v.SetDefault("rtc.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("rtc.public_ip", "")
	v.SetDefault("rtc.udp_port_min", 40000)
	v.SetDefault("rtc.udp_port_max", 49999)
	v.SetDefault("rtc.gather_timeout", "5s")
	v.SetDefault("rtc.handshake_timeout", "5s")
	v.SetDefault("rtc.include_loopback", false)
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default) on top of the
// defaults. STAGE_* environment variables override both.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	setDefaults(v)
	v.SetEnvPrefix("stage")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Dur("reconnect_timeout", cfg.ReconnectTimeout).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port out of range: %d", c.Port))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, errors.New("send_buffer must be positive"))
	}
	if c.ReconnectTimeout <= 0 {
		errs = append(errs, errors.New("reconnect_timeout must be positive"))
	}
	if c.RTC.UDPPortMin > c.RTC.UDPPortMax {
		errs = append(errs, fmt.Errorf("rtc udp port range %d-%d is empty", c.RTC.UDPPortMin, c.RTC.UDPPortMax))
	}
	return errors.Join(errs...)
}
