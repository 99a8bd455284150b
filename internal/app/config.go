package app

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DevJWTSecret is the fallback signing secret; refused when APP_ENV=production.
const DevJWTSecret = "dev-secret-change-me"

// Config stores runtime configuration loaded from environment variables.
type Config struct {
	AppEnv            string
	HTTPAddr          string
	LogLevel          string
	TrustProxyHeaders bool

	DBDriver          string
	DBDSN             string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifeMins int

	JWTSecret   string
	JWTIssuer   string
	CORSOrigins []string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	RewardLedgerURL     string
	RewardLedgerToken   string
	RewardTimeout       time.Duration
	RewardPerSubmission int

	UploadDir       string
	UploadPublicURL string
	UploadMaxBytes  int64

	SubmitRateLimitPerMin int
}

// LoadConfig reads an optional .env file first; real environment variables
// take precedence over it.
func LoadConfig() Config {
	_ = godotenv.Load()

	return Config{
		AppEnv:                envOrDefault("APP_ENV", "development"),
		HTTPAddr:              envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:              envOrDefault("LOG_LEVEL", "info"),
		TrustProxyHeaders:     boolOrDefault("TRUST_PROXY_HEADERS", false),
		DBDriver:              strings.ToLower(envOrDefault("DB_DRIVER", "postgres")),
		DBDSN:                 os.Getenv("DB_DSN"),
		DBMaxOpenConns:        intOrDefault("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:        intOrDefault("DB_MAX_IDLE_CONNS", 25),
		DBConnMaxLifeMins:     intOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30),
		JWTSecret:             envOrDefault("JWT_SECRET", DevJWTSecret),
		JWTIssuer:             envOrDefault("JWT_ISSUER", "coursetest"),
		CORSOrigins:           csvOrDefault("CORS_ORIGINS", []string{"http://localhost:3000"}),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               intOrDefault("REDIS_DB", 0),
		CacheTTL:              time.Duration(intOrDefault("CACHE_TTL_SECONDS", 60)) * time.Second,
		RewardLedgerURL:       os.Getenv("REWARD_LEDGER_URL"),
		RewardLedgerToken:     os.Getenv("REWARD_LEDGER_TOKEN"),
		RewardTimeout:         durationOrDefault("REWARD_TIMEOUT_MS", time.Millisecond, 3*time.Second),
		RewardPerSubmission:   nonNegativeIntOrDefault("REWARD_PER_SUBMISSION", 1),
		UploadDir:             envOrDefault("UPLOAD_DIR", "data/uploads"),
		UploadPublicURL:       envOrDefault("UPLOAD_PUBLIC_URL", "/files"),
		UploadMaxBytes:        int64(intOrDefault("UPLOAD_MAX_BYTES", 8<<20)),
		SubmitRateLimitPerMin: intOrDefault("SUBMIT_RATE_LIMIT_PER_MINUTE", 30),
	}
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsToInt(v string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(v))
	return n
}

func intOrDefault(key string, fallback int) int {
	v := stringsToInt(os.Getenv(key))
	if v <= 0 {
		return fallback
	}
	return v
}

// nonNegativeIntOrDefault accepts an explicit 0.
func nonNegativeIntOrDefault(key string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func boolOrDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

// durationOrDefault reads an integer count of unit.
func durationOrDefault(key string, unit, fallback time.Duration) time.Duration {
	v := stringsToInt(os.Getenv(key))
	if v <= 0 {
		return fallback
	}
	return time.Duration(v) * unit
}

func csvOrDefault(key string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	out := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
