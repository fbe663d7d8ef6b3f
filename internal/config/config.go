// Package config loads service settings from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ServiceName    = "ticket-reservations"
	ServiceVersion = "0.3.0"
)

// Config holds every setting the service reads at startup.
type Config struct {
	Port     string
	LogLevel string

	Database Database
	Mpesa    Mpesa
	Kafka    Kafka

	OtelEndpoint string

	MaxTicketsPerOrder  int
	ReservationTTL      time.Duration
	PendingReconcileAge time.Duration
	SweepInterval       time.Duration
	SweepLimit          int
}

// Database holds PostgreSQL connection settings. URL wins over the
// individual fields when set.
type Database struct {
	URL      string
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Mpesa holds Daraja STK push credentials.
type Mpesa struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	Timeout        time.Duration
}

// Kafka holds notification publisher settings. Brokers may be empty, in
// which case notifications are only logged.
type Kafka struct {
	Brokers []string
	Topic   string
}

// DSN builds a libpq-compatible connection string.
func (d Database) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// Load reads the configuration from the environment, falling back to
// local-development defaults. Gateway credentials are required.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Database: Database{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "ticketing"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Mpesa: Mpesa{
			BaseURL:        strings.TrimRight(getEnv("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke"), "/"),
			ConsumerKey:    getEnv("MPESA_CONSUMER_KEY", ""),
			ConsumerSecret: getEnv("MPESA_CONSUMER_SECRET", ""),
			ShortCode:      getEnv("MPESA_SHORTCODE", ""),
			Passkey:        getEnv("MPESA_PASSKEY", ""),
			CallbackURL:    getEnv("MPESA_CALLBACK_URL", ""),
		},
		Kafka: Kafka{
			Brokers: splitCSV(getEnv("KAFKA_BROKERS", "")),
			Topic:   getEnv("MPESA_NOTIFY_TOPIC", "ticketing.notifications"),
		},
		OtelEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	var errs []error
	var err error
	if cfg.Mpesa.Timeout, err = durationEnv("MPESA_TIMEOUT", 30*time.Second); err != nil {
		errs = append(errs, err)
	}
	if cfg.ReservationTTL, err = durationEnv("ORDER_RESERVATION_TTL", 15*time.Minute); err != nil {
		errs = append(errs, err)
	}
	if cfg.PendingReconcileAge, err = durationEnv("PENDING_RECONCILE_AFTER", 2*time.Minute); err != nil {
		errs = append(errs, err)
	}
	if cfg.SweepInterval, err = durationEnv("SWEEP_INTERVAL", time.Minute); err != nil {
		errs = append(errs, err)
	}
	if cfg.MaxTicketsPerOrder, err = intEnv("MAX_TICKETS_PER_ORDER", 20); err != nil {
		errs = append(errs, err)
	}
	if cfg.SweepLimit, err = intEnv("SWEEP_LIMIT", 100); err != nil {
		errs = append(errs, err)
	}

	if cfg.PendingReconcileAge > 0 {
		if err := CheckPendingAfter(cfg.PendingReconcileAge, cfg.Mpesa.Timeout); err != nil {
			errs = append(errs, fmt.Errorf("PENDING_RECONCILE_AFTER: %w", err))
		}
	}

	for key, v := range map[string]string{
		"MPESA_CONSUMER_KEY":    cfg.Mpesa.ConsumerKey,
		"MPESA_CONSUMER_SECRET": cfg.Mpesa.ConsumerSecret,
		"MPESA_SHORTCODE":       cfg.Mpesa.ShortCode,
		"MPESA_PASSKEY":         cfg.Mpesa.Passkey,
		"MPESA_CALLBACK_URL":    cfg.Mpesa.CallbackURL,
	} {
		if v == "" {
			errs = append(errs, fmt.Errorf("%s environment variable is required", key))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// CheckPendingAfter rejects a reconcile age that does not outlast the
// gateway timeout. A PENDING attempt younger than that may still be
// waiting on its gateway call.
func CheckPendingAfter(pendingAfter, gatewayTimeout time.Duration) error {
	if pendingAfter <= gatewayTimeout {
		return fmt.Errorf("%s must be longer than the gateway timeout (%s)", pendingAfter, gatewayTimeout)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	return d, nil
}

func intEnv(key string, fallback int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s: invalid positive integer %q", key, raw)
	}
	return n, nil
}

func splitCSV(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
