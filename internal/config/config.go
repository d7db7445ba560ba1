package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrMissingCredentials is the pre-run hard stop for an unconfigured
// account: a run must never start without openable credentials.
var ErrMissingCredentials = errors.New("config: sender address and password are required")

// Config holds all configuration for the application
type Config struct {
	SMTP   SMTPConfig   `mapstructure:"smtp"`
	Sender SenderConfig `mapstructure:"sender"`
	Send   SendConfig   `mapstructure:"send"`
	Files  FilesConfig  `mapstructure:"files"`
	Log    LogConfig    `mapstructure:"log"`
}

// SMTPConfig holds mail-submission connection configuration
type SMTPConfig struct {
	Host string `mapstructure:"host"`
	// Port 465 selects implicit TLS; anything else upgrades via STARTTLS
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// SenderConfig holds the message From identity
type SenderConfig struct {
	Name    string `mapstructure:"name"`
	Address string `mapstructure:"address"`
}

// SendConfig holds per-run dispatch behavior
type SendConfig struct {
	// Subject is the default subject line, overridable per run
	Subject string `mapstructure:"subject"`
	// BatchLimit caps how many rows one run attempts; 0 = unbounded
	BatchLimit int `mapstructure:"batch_limit"`
	// DelayMin/DelayMax bound the randomized inter-message pause
	DelayMin time.Duration `mapstructure:"delay_min"`
	DelayMax time.Duration `mapstructure:"delay_max"`
	// CheckpointEvery inserts CheckpointPause after every Nth message;
	// 0 disables the long pause
	CheckpointEvery int           `mapstructure:"checkpoint_every"`
	CheckpointPause time.Duration `mapstructure:"checkpoint_pause"`
	// LockRetries bounds the archive retry loop when a target file is
	// held open by another process
	LockRetries int `mapstructure:"lock_retries"`
}

// FilesConfig holds the flat-file paths the pipeline reads and writes
type FilesConfig struct {
	Recipients string `mapstructure:"recipients"`
	Template   string `mapstructure:"template"`
	History    string `mapstructure:"history"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate checks the invariants a run depends on before anything is
// dialed or written.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Sender.Address) == "" || c.SMTP.Password == "" {
		return ErrMissingCredentials
	}
	if c.SMTP.Host == "" || c.SMTP.Port == 0 {
		return errors.New("config: smtp host and port are required")
	}
	if c.Send.DelayMin <= 0 || c.Send.DelayMax <= 0 || c.Send.DelayMin > c.Send.DelayMax {
		return errors.New("config: send.delay_min and send.delay_max must be positive with min <= max")
	}
	if c.Send.BatchLimit < 0 {
		return errors.New("config: send.batch_limit cannot be negative")
	}
	return nil
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	// Set config file name and paths
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Set defaults
	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	// Bind environment variables
	v.SetEnvPrefix("MAILDROP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// SMTP defaults
	v.SetDefault("smtp.host", "smtp.gmail.com")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")

	// Sender defaults
	v.SetDefault("sender.name", "")
	v.SetDefault("sender.address", "")

	// Send defaults
	v.SetDefault("send.subject", "Account notice")
	v.SetDefault("send.batch_limit", 0)
	v.SetDefault("send.delay_min", "2s")
	v.SetDefault("send.delay_max", "5s")
	v.SetDefault("send.checkpoint_every", 50)
	v.SetDefault("send.checkpoint_pause", "30s")
	v.SetDefault("send.lock_retries", 5)

	// File defaults
	v.SetDefault("files.recipients", "recipients.xlsx")
	v.SetDefault("files.template", "template.txt")
	v.SetDefault("files.history", "sent_history.xlsx")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}
