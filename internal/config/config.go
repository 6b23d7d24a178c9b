package config

import (
	"encoding/hex"
	"fmt"
	"net/mail"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

type Config struct {
	Port              string   `mapstructure:"PORT"`
	Env               string   `mapstructure:"ENV"`
	DatabaseURL       string   `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32    `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant     string   `mapstructure:"DEFAULT_TENANT"`
	MigrationsDir     string   `mapstructure:"MIGRATIONS_DIR"`
	CORSOrigins       []string `mapstructure:"CORS_ORIGINS"`
	AuthIssuer        string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL       string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience      string   `mapstructure:"AUTH_AUDIENCE"`
	LGPDEncryptionKey string   `mapstructure:"LGPD_ENCRYPTION_KEY"`
	RateLimitRPS      float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst    int      `mapstructure:"RATE_LIMIT_BURST"`

	SMTPHost     string `mapstructure:"SMTP_HOST"`
	SMTPPort     int    `mapstructure:"SMTP_PORT"`
	SMTPUsername string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword string `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom     string `mapstructure:"SMTP_FROM"`
	DPOEmail     string `mapstructure:"DPO_EMAIL"`
	ANPDEmail    string `mapstructure:"ANPD_EMAIL"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string   `mapstructure:"KAFKA_TOPIC"`

	HospitalName    string `mapstructure:"HOSPITAL_NAME"`
	HospitalAddress string `mapstructure:"HOSPITAL_ADDRESS"`
	HospitalCNPJ    string `mapstructure:"HOSPITAL_CNPJ"`
	HospitalPhone   string `mapstructure:"HOSPITAL_PHONE"`

	RetentionInterval       time.Duration `mapstructure:"RETENTION_INTERVAL"`
	BreachDetectionInterval time.Duration `mapstructure:"BREACH_DETECTION_INTERVAL"`
	OutboxPollInterval      time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	BulkAccessThreshold     int           `mapstructure:"BREACH_BULK_ACCESS_THRESHOLD"`
	OffHoursThreshold       int           `mapstructure:"BREACH_OFF_HOURS_THRESHOLD"`
	ExportThreshold         int           `mapstructure:"BREACH_EXPORT_THRESHOLD"`
	BreachTimezone          string        `mapstructure:"BREACH_TIMEZONE"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DEFAULT_TENANT",
	"MIGRATIONS_DIR", "CORS_ORIGINS", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE",
	"LGPD_ENCRYPTION_KEY", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD", "SMTP_FROM",
	"DPO_EMAIL", "ANPD_EMAIL", "KAFKA_BROKERS", "KAFKA_TOPIC",
	"HOSPITAL_NAME", "HOSPITAL_ADDRESS", "HOSPITAL_CNPJ", "HOSPITAL_PHONE",
	"RETENTION_INTERVAL", "BREACH_DETECTION_INTERVAL", "OUTBOX_POLL_INTERVAL",
	"BREACH_BULK_ACCESS_THRESHOLD", "BREACH_OFF_HOURS_THRESHOLD", "BREACH_EXPORT_THRESHOLD",
	"BREACH_TIMEZONE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_FROM", "lgpd@hospital.local")
	v.SetDefault("KAFKA_TOPIC", "compliance-events")
	v.SetDefault("HOSPITAL_NAME", "Hospital")
	v.SetDefault("RETENTION_INTERVAL", "24h")
	v.SetDefault("BREACH_DETECTION_INTERVAL", "15m")
	v.SetDefault("OUTBOX_POLL_INTERVAL", "2s")
	v.SetDefault("BREACH_BULK_ACCESS_THRESHOLD", 50)
	v.SetDefault("BREACH_OFF_HOURS_THRESHOLD", 20)
	v.SetDefault("BREACH_EXPORT_THRESHOLD", 10)
	v.SetDefault("BREACH_TIMEZONE", "America/Sao_Paulo")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

// splitList normalises comma separated env values; viper only splits on
// whitespace when decoding into a slice.
func splitList(decoded []string, raw string) []string {
	if len(decoded) > 1 {
		return decoded
	}
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// MailEnabled reports whether an SMTP relay is configured. Without one,
// notifications are logged instead of delivered.
func (c *Config) MailEnabled() bool {
	return c.SMTPHost != ""
}

// EventsEnabled reports whether compliance events should be relayed to Kafka.
func (c *Config) EventsEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// Validate checks that the configuration is safe to run. Outside development
// an issuer is required so that real JWT authentication is enforced, and in
// production LGPD_ENCRYPTION_KEY must be a 64-character hex string.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_JWKS_URL must be set when ENV=%q", c.Env)
	}

	if c.IsProduction() && c.LGPDEncryptionKey == "" {
		return fmt.Errorf("LGPD_ENCRYPTION_KEY is required in production")
	}
	if c.LGPDEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.LGPDEncryptionKey)
		if err != nil {
			return fmt.Errorf("LGPD_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("LGPD_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	for name, addr := range map[string]string{"DPO_EMAIL": c.DPOEmail, "ANPD_EMAIL": c.ANPDEmail, "SMTP_FROM": c.SMTPFrom} {
		if addr == "" {
			continue
		}
		if _, err := mail.ParseAddress(addr); err != nil {
			return fmt.Errorf("%s is not a valid address: %w", name, err)
		}
	}

	if c.BulkAccessThreshold <= 0 || c.OffHoursThreshold <= 0 || c.ExportThreshold <= 0 {
		return fmt.Errorf("breach detection thresholds must be positive")
	}
	if _, err := time.LoadLocation(c.BreachTimezone); err != nil {
		return fmt.Errorf("BREACH_TIMEZONE: %w", err)
	}
	if c.RetentionInterval <= 0 || c.BreachDetectionInterval <= 0 {
		return fmt.Errorf("RETENTION_INTERVAL and BREACH_DETECTION_INTERVAL must be positive durations")
	}

	return nil
}

// EncryptionKey decodes LGPD_ENCRYPTION_KEY. It returns nil when no key is set.
func (c *Config) EncryptionKey() ([]byte, error) {
	if c.LGPDEncryptionKey == "" {
		return nil, nil
	}
	return hex.DecodeString(c.LGPDEncryptionKey)
}
