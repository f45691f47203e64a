package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Provider   ProviderConfig
	Dispatcher DispatcherConfig
	Recovery   RecoveryConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type ProviderConfig struct {
	APIURL        string
	AuthToken     string
	PhoneNumberID string
	Tier          int
}

type DispatcherConfig struct {
	InterSendDelay   time.Duration
	CancelCheckEvery int
}

type RecoveryConfig struct {
	SweepInterval time.Duration
	StaleAfter    time.Duration
	MaxRunningAge time.Duration
}

func LoadAll() (*Config, error) {
	var errs []error

	collect := func(key string) string {
		v, err := requireEnv(key)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	collectInt := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: collect("POSTGRES_URL"),
		},
		Provider: ProviderConfig{
			APIURL:        getEnv("WHATSAPP_API_URL", "https://app.teleobi.com/api/v1"),
			AuthToken:     collect("WHATSAPP_AUTH_TOKEN"),
			PhoneNumberID: collect("WHATSAPP_PHONE_NUMBER_ID"),
			Tier:          collectInt("WHATSAPP_TIER", 1),
		},
		Dispatcher: DispatcherConfig{
			InterSendDelay:   time.Duration(collectInt("SEND_DELAY_MS", 500)) * time.Millisecond,
			CancelCheckEvery: collectInt("CANCEL_CHECK_EVERY", 10),
		},
		Recovery: RecoveryConfig{
			SweepInterval: time.Duration(collectInt("RECOVERY_SWEEP_SECONDS", 120)) * time.Second,
			StaleAfter:    time.Duration(collectInt("RECOVERY_STALE_SECONDS", 120)) * time.Second,
			MaxRunningAge: time.Duration(collectInt("RECOVERY_MAX_AGE_SECONDS", 300)) * time.Second,
		},
	}

	redisCfg, redisErrs := loadRedisConfig()
	cfg.Redis = redisCfg
	errs = append(errs, redisErrs...)

	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, []error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	var errs []error
	db, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		errs = append(errs, err)
	}
	ttl, err := getEnvInt("REDIS_TTL_SECONDS", 3600)
	if err != nil {
		errs = append(errs, err)
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttl) * time.Second,
	}, errs
}

func validate(cfg *Config) error {
	var errs []error
	if cfg.Provider.Tier < 1 || cfg.Provider.Tier > 4 {
		errs = append(errs, errors.New("WHATSAPP_TIER must be between 1 and 4"))
	}
	if cfg.Dispatcher.CancelCheckEvery <= 0 {
		errs = append(errs, errors.New("CANCEL_CHECK_EVERY must be > 0"))
	}
	if cfg.Recovery.SweepInterval <= 0 {
		errs = append(errs, errors.New("RECOVERY_SWEEP_SECONDS must be > 0"))
	}
	if cfg.Recovery.StaleAfter <= 0 {
		errs = append(errs, errors.New("RECOVERY_STALE_SECONDS must be > 0"))
	}
	if cfg.Recovery.MaxRunningAge < cfg.Recovery.StaleAfter {
		errs = append(errs, errors.New("RECOVERY_MAX_AGE_SECONDS must be >= RECOVERY_STALE_SECONDS"))
	}
	return joinErrors(errs)
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return i, nil
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
