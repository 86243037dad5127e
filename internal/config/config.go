package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RunMigrations         bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	CacheTTL              time.Duration
	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string
	LogLevel              string
	TaxMode               string
	DefaultTaxRate        decimal.Decimal
	Loyalty               LoyaltyConfig
	BillingRunInterval    time.Duration
}

// LoyaltyConfig describes how points convert to money for every store.
type LoyaltyConfig struct {
	PointValueCents       int64
	MinimumPointsToRedeem int64
	PointsPerDollar       int64
}

// Load reads the environment, after merging an optional .env file from the
// working directory. Variables already set win over the file.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL := getEnvInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1)
	cacheTTL := getEnvInt("CACHE_TTL_SECONDS", 60, 1)
	billingInterval := getEnvInt("BILLING_RUN_INTERVAL_MINUTES", 60, 1)

	taxRate, err := decimal.NewFromString(getEnv("DEFAULT_TAX_RATE_PERCENT", "0"))
	if err != nil || taxRate.IsNegative() || taxRate.GreaterThan(decimal.NewFromInt(100)) {
		taxRate = decimal.Zero
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RunMigrations:         getEnvBool("RUN_MIGRATIONS", true),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		CacheTTL:              time.Duration(cacheTTL) * time.Second,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		LogLevel:              strings.ToLower(getEnv("LOG_LEVEL", "info")),
		TaxMode:               strings.ToLower(getEnv("TAX_MODE", "additive")),
		DefaultTaxRate:        taxRate,
		Loyalty: LoyaltyConfig{
			PointValueCents:       int64(getEnvInt("LOYALTY_POINT_VALUE_CENTS", 1, 1)),
			MinimumPointsToRedeem: int64(getEnvInt("LOYALTY_MIN_REDEEM_POINTS", 100, 0)),
			PointsPerDollar:       int64(getEnvInt("LOYALTY_POINTS_PER_DOLLAR", 1, 0)),
		},
		BillingRunInterval: time.Duration(billingInterval) * time.Minute,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getEnvInt(key string, fallback int, min int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < min {
		return fallback
	}
	return val
}

func getEnvBool(key string, fallback bool) bool {
	val, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return val
}
