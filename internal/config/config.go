package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DBFile    string `yaml:"db"`
	APIAddr   string `yaml:"api_addr"`
	AdminAddr string `yaml:"admin_addr"`
	BaseURL   string `yaml:"base_url"`

	StoreTimeout  time.Duration `yaml:"store_timeout"`
	TypingTimeout time.Duration `yaml:"typing_timeout"`
	EditWindow    time.Duration `yaml:"edit_window"`
	HistoryLimit  int           `yaml:"history_limit"`
	MessageRate   int           `yaml:"message_rate"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`

	LogLevel string `yaml:"log_level"`
	LogSink  string `yaml:"log_sink"`

	VAPIDPublicKey  string `yaml:"vapid_public_key"`
	VAPIDPrivateKey string `yaml:"vapid_private_key"`
	VAPIDSubscriber string `yaml:"vapid_subscriber"`

	AMQPURL      string `yaml:"amqp_url"`
	AMQPExchange string `yaml:"amqp_exchange"`
}

func Default() Config {
	return Config{
		DBFile:        "parley.db",
		APIAddr:       ":8080",
		AdminAddr:     "localhost:8081",
		BaseURL:       "http://localhost:8080",
		StoreTimeout:  5 * time.Second,
		TypingTimeout: 3 * time.Second,
		EditWindow:    15 * time.Minute,
		HistoryLimit:  50,
		MessageRate:   30,
		CacheTTL:      10 * time.Minute,
		LogLevel:      "info",
		LogSink:       "stdout",
		AMQPExchange:  "parley.events",
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (if path is not empty), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyEnv() error {
	c.DBFile = getEnv("PARLEY_DB", c.DBFile)
	c.APIAddr = getEnv("API_ADDR", c.APIAddr)
	c.AdminAddr = getEnv("ADMIN_ADDR", c.AdminAddr)
	c.BaseURL = getEnv("BASE_URL", c.BaseURL)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogSink = getEnv("LOG_SINK", c.LogSink)
	c.VAPIDPublicKey = getEnv("VAPID_PUBLIC_KEY", c.VAPIDPublicKey)
	c.VAPIDPrivateKey = getEnv("VAPID_PRIVATE_KEY", c.VAPIDPrivateKey)
	c.VAPIDSubscriber = getEnv("VAPID_SUBSCRIBER", c.VAPIDSubscriber)
	c.AMQPURL = getEnv("AMQP_URL", c.AMQPURL)
	c.AMQPExchange = getEnv("AMQP_EXCHANGE", c.AMQPExchange)

	var err error
	if c.StoreTimeout, err = getDuration("STORE_TIMEOUT", c.StoreTimeout); err != nil {
		return err
	}
	if c.TypingTimeout, err = getDuration("TYPING_TIMEOUT", c.TypingTimeout); err != nil {
		return err
	}
	if c.EditWindow, err = getDuration("EDIT_WINDOW", c.EditWindow); err != nil {
		return err
	}
	if c.CacheTTL, err = getDuration("CACHE_TTL", c.CacheTTL); err != nil {
		return err
	}
	if c.HistoryLimit, err = getInt("HISTORY_LIMIT", c.HistoryLimit); err != nil {
		return err
	}
	if c.MessageRate, err = getInt("MESSAGE_RATE", c.MessageRate); err != nil {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.DBFile == "" {
		errs = append(errs, errors.New("PARLEY_DB must not be empty"))
	}
	if c.APIAddr == "" {
		errs = append(errs, errors.New("API_ADDR must not be empty"))
	}
	if c.AdminAddr == "" {
		errs = append(errs, errors.New("ADMIN_ADDR must not be empty"))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("STORE_TIMEOUT must be greater than 0"))
	}
	if c.TypingTimeout <= 0 {
		errs = append(errs, errors.New("TYPING_TIMEOUT must be greater than 0"))
	}
	if c.EditWindow <= 0 {
		errs = append(errs, errors.New("EDIT_WINDOW must be greater than 0"))
	}
	if c.HistoryLimit <= 0 {
		errs = append(errs, errors.New("HISTORY_LIMIT must be greater than 0"))
	}
	if c.MessageRate < 0 {
		errs = append(errs, errors.New("MESSAGE_RATE must not be negative"))
	}
	if c.CacheTTL < 0 {
		errs = append(errs, errors.New("CACHE_TTL must not be negative"))
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		errs = append(errs, errors.New("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together"))
	}

	return errors.Join(errs...)
}

// PushEnabled reports whether Web Push keys are configured.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
