package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Scheduler  SchedulerConfig
	Transport  TransportConfig
	Email      EmailConfig
	Resolver   ResolverConfig
	Escalation EscalationConfig
	Log        LogConfig
}

type ServerConfig struct {
	Address     string
	CronSecret  string
	CORSOrigins []string
}

type DatabaseConfig struct {
	Driver      string // postgres | memory
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type SchedulerConfig struct {
	Enabled      bool
	Cron         string
	BatchSize    int
	BudgetDriver string // postgres | redis
}

type TransportConfig struct {
	WebhookURL string
	Timeout    time.Duration
}

type EmailConfig struct {
	Provider    string // smtp | brevo
	SMTPHost    string
	SMTPPort    int
	SMTPUser    string
	SMTPPass    string
	From        string
	BrevoAPIKey string
	BrevoURL    string
}

type ResolverConfig struct {
	// URL is the text generator used for sequences without their own route.
	URL string
	// Routes maps a sequence type to a dedicated generator URL.
	Routes  map[string]string
	Timeout time.Duration
}

type EscalationConfig struct {
	ClaimBaseURL string
}

type LogConfig struct {
	Env   string
	Level string
}

func LoadAll() (*Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Address:     getEnv("SERVER_ADDRESS", ":8080"),
			CORSOrigins: splitCSV(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		},
		Database: DatabaseConfig{
			Driver: strings.ToLower(getEnv("STORE_DRIVER", "postgres")),
		},
		Scheduler: SchedulerConfig{
			Cron:         getEnv("SCHED_CRON", "@every 1m"),
			BudgetDriver: strings.ToLower(getEnv("BUDGET_DRIVER", "postgres")),
		},
		Email: EmailConfig{
			Provider:    strings.ToLower(getEnv("EMAIL_PROVIDER", "smtp")),
			SMTPHost:    getEnv("SMTP_HOST", "localhost"),
			SMTPUser:    os.Getenv("SMTP_USERNAME"),
			SMTPPass:    os.Getenv("SMTP_PASSWORD"),
			From:        getEnv("EMAIL_FROM", "no-reply@localhost"),
			BrevoAPIKey: os.Getenv("BREVO_API_KEY"),
			BrevoURL:    getEnv("BREVO_API_URL", "https://api.brevo.com/v3/smtp/email"),
		},
		Resolver: ResolverConfig{
			URL: os.Getenv("RESOLVER_URL"),
		},
		Escalation: EscalationConfig{
			ClaimBaseURL: getEnv("CLAIM_BASE_URL", "http://localhost:8080/claim"),
		},
		Log: LogConfig{
			Env:   getEnv("APP_ENV", "production"),
			Level: os.Getenv("LOG_LEVEL"),
		},
	}

	var err error
	cfg.Server.CronSecret, err = requireEnv("CRON_SECRET")
	collect(err)
	cfg.Transport.WebhookURL, err = requireEnv("SMS_WEBHOOK_URL")
	collect(err)
	if cfg.Database.Driver == "postgres" {
		cfg.Database.PostgresURL, err = requireEnv("POSTGRES_URL")
		collect(err)
	}

	cfg.Scheduler.BatchSize, err = getEnvInt("SCHED_BATCH_SIZE", 50)
	collect(err)
	cfg.Scheduler.Enabled, err = getEnvBool("SCHED_ENABLED", false)
	collect(err)
	cfg.Transport.Timeout, err = getEnvDuration("TRANSPORT_TIMEOUT", 10*time.Second)
	collect(err)
	cfg.Resolver.Timeout, err = getEnvDuration("RESOLVER_TIMEOUT", 20*time.Second)
	collect(err)
	cfg.Email.SMTPPort, err = getEnvInt("SMTP_PORT", 1025)
	collect(err)

	cfg.Resolver.Routes, err = parseRoutes("RESOLVER_ROUTES")
	collect(err)

	cfg.Redis, err = loadRedisConfig()
	collect(err)

	collect(validate(cfg))
	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	db, dbErr := getEnvInt("REDIS_DB", 0)
	ttl, ttlErr := getEnvInt("REDIS_TTL_SECONDS", 86400)
	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttl) * time.Second,
	}, joinErrors([]error{dbErr, ttlErr})
}

func validate(cfg *Config) error {
	var errs []error
	if cfg.Scheduler.BatchSize <= 0 {
		errs = append(errs, errors.New("SCHED_BATCH_SIZE must be > 0"))
	}
	if cfg.Transport.Timeout <= 0 {
		errs = append(errs, errors.New("TRANSPORT_TIMEOUT must be > 0"))
	}
	switch cfg.Database.Driver {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", cfg.Database.Driver))
	}
	switch cfg.Scheduler.BudgetDriver {
	case "postgres":
		if cfg.Database.Driver == "memory" {
			cfg.Scheduler.BudgetDriver = "memory"
		}
	case "redis":
		if !cfg.Redis.Enabled {
			errs = append(errs, errors.New("BUDGET_DRIVER=redis requires REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("BUDGET_DRIVER must be postgres or redis, got %q", cfg.Scheduler.BudgetDriver))
	}
	switch cfg.Email.Provider {
	case "smtp", "brevo":
	default:
		errs = append(errs, fmt.Errorf("EMAIL_PROVIDER must be smtp or brevo, got %q", cfg.Email.Provider))
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
		return def, fmt.Errorf("invalid int for env %s: %q", key, v)
	}
	return i, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid bool for env %s: %q", key, v)
	}
	return b, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("invalid duration for env %s: %q", key, v)
	}
	return d, nil
}

// parseRoutes reads "seq=url,seq2=url2".
func parseRoutes(key string) (map[string]string, error) {
	routes := map[string]string{}
	for _, pair := range splitCSV(os.Getenv(key)) {
		seq, url, ok := strings.Cut(pair, "=")
		seq, url = strings.TrimSpace(seq), strings.TrimSpace(url)
		if !ok || seq == "" || url == "" {
			return nil, fmt.Errorf("invalid entry for env %s: %q", key, pair)
		}
		routes[seq] = url
	}
	return routes, nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	res := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			res = append(res, p)
		}
	}
	return res
}

func joinErrors(errs []error) error {
	return errors.Join(errs...)
}
