package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Addr          string        `env:"API_ADDR" envDefault:":8787"`
	DatabaseURL   string        `env:"DATABASE_URL"`
	DBMaxConns    int           `env:"TALLYHALL_DB_MAX_CONNS" envDefault:"20"`
	DBConnectWait time.Duration `env:"TALLYHALL_DB_CONNECT_WAIT" envDefault:"30s"`
	MigrationsDir string        `env:"TALLYHALL_MIGRATIONS_DIR" envDefault:"./db/migrations"`
	CORSOrigin    string        `env:"TALLYHALL_CORS_ORIGIN" envDefault:"*"`
	DomainID      string        `env:"TALLYHALL_DOMAIN_ID" envDefault:"tallyhall"`

	// Anchoring
	ReposDir              string        `env:"TALLYHALL_REPOS_DIR" envDefault:"./data/repos"`
	AnchorEndpoints       []string      `env:"TALLYHALL_ANCHOR_ENDPOINTS" envSeparator:"," envDefault:"git://local"`
	AnchorRepo            string        `env:"TALLYHALL_ANCHOR_REPO" envDefault:"votes"`
	AnchorBranch          string        `env:"TALLYHALL_ANCHOR_BRANCH" envDefault:"main"`
	AnchorMaxAttempts     int           `env:"TALLYHALL_ANCHOR_MAX_ATTEMPTS" envDefault:"3"`
	AnchorBackoff         time.Duration `env:"TALLYHALL_ANCHOR_BACKOFF" envDefault:"200ms"`
	AnchorTimeout         time.Duration `env:"TALLYHALL_ANCHOR_TIMEOUT" envDefault:"10s"`
	AnchorAllowUnanchored bool          `env:"TALLYHALL_ANCHOR_ALLOW_UNANCHORED" envDefault:"true"`

	// Vote processing
	ScopeType        string        `env:"TALLYHALL_SCOPE_TYPE" envDefault:"channel"`
	ReplayTTL        time.Duration `env:"TALLYHALL_REPLAY_TTL" envDefault:"720h"`
	ReplayCacheSize  int           `env:"TALLYHALL_REPLAY_CACHE_SIZE" envDefault:"100000"`
	RequireSignature bool          `env:"TALLYHALL_REQUIRE_SIGNATURE" envDefault:"false"`
	SigningMaster    string        `env:"TALLYHALL_SIGNING_MASTER"`
	SigningKeysFile  string        `env:"TALLYHALL_SIGNING_KEYS_FILE"`

	// Operator tokens; the X-Tallyhall-Role header is trusted when empty
	AuthSecret string `env:"TALLYHALL_AUTH_SECRET"`

	// Redis - replay guard and notification fan-out; in-memory fallbacks when empty
	RedisURL     string `env:"REDIS_URL"`
	NotifyPrefix string `env:"TALLYHALL_NOTIFY_CHANNEL" envDefault:"tallyhall:totals"`

	MeiliURL       string `env:"MEILI_URL"`
	MeiliMasterKey string `env:"MEILI_MASTER_KEY"`

	// S3-compatible object store used as an anchoring mirror
	S3Endpoint  string `env:"TALLYHALL_S3_ENDPOINT"`
	S3AccessKey string `env:"TALLYHALL_S3_ACCESS_KEY"`
	S3SecretKey string `env:"TALLYHALL_S3_SECRET_KEY"`
	S3Bucket    string `env:"TALLYHALL_S3_BUCKET" envDefault:"tallyhall-anchors"`
	S3Secure    bool   `env:"TALLYHALL_S3_SECURE" envDefault:"false"`

	// SMTP - empty by default, alerts disabled if not configured
	SMTPHost        string        `env:"SMTP_HOST"`
	SMTPPort        string        `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername    string        `env:"SMTP_USERNAME"`
	SMTPPassword    string        `env:"SMTP_PASSWORD"`
	SMTPFrom        string        `env:"SMTP_FROM"`
	SMTPFromName    string        `env:"SMTP_FROM_NAME" envDefault:"Tallyhall"`
	AlertRecipients []string      `env:"TALLYHALL_ALERT_RECIPIENTS" envSeparator:","`
	AlertInterval   time.Duration `env:"TALLYHALL_ALERT_INTERVAL" envDefault:"15m"`

	ChromeURL   string `env:"TALLYHALL_CHROME_URL"`
	ReportPaper string `env:"TALLYHALL_REPORT_PAPER" envDefault:"letter"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads the configuration from the environment and validates the few
// values that have a closed set of options.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	switch cfg.LogFormat {
	case "json", "console":
	default:
		return Config{}, fmt.Errorf("invalid LOG_FORMAT %q", cfg.LogFormat)
	}
	cfg.ScopeType = strings.TrimSpace(cfg.ScopeType)
	if cfg.ScopeType == "" {
		return Config{}, fmt.Errorf("TALLYHALL_SCOPE_TYPE must not be empty")
	}
	if cfg.AnchorMaxAttempts < 1 {
		cfg.AnchorMaxAttempts = 1
	}
	return cfg, nil
}

func (c Config) SMTPConfigured() bool {
	return c.SMTPHost != "" && c.SMTPPort != "" && c.SMTPFrom != ""
}
