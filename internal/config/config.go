package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// SessionStore の種類
const (
	SessionStoreMemory   = "memory"
	SessionStorePostgres = "postgres"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Discord OAuth
	DiscordClientID     string
	DiscordClientSecret string
	DiscordRedirectURL  string

	// Session
	SessionSecret string
	SessionMaxAge int
	SessionStore  string

	// Stripe
	StripeSecretKey      string
	StripeEndpointSecret string

	// Checkout
	CheckoutCurrency    string
	CheckoutUnitAmount  int64
	CheckoutProductName string

	// Bot
	BotWebhookURL          string
	BotNotifyTimeout       time.Duration
	BotNotifyMaxElapsed    time.Duration
	BotWebhookAllowPrivate bool

	// Rate Limit
	RateLimitCheckout int

	// Worker
	RedeliveryInterval time.Duration
	CleanupInterval    time.Duration

	// Logging
	LogLevel string

	// Server
	ServerPort string
	SiteURL    string
	StaticDir  string

	// Cookie
	CookieSecure bool
	CookieDomain string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はまとめてエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string
	require := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.DatabaseURL = require("DATABASE_URL")
	cfg.DiscordClientID = require("DISCORD_CLIENT_ID")
	cfg.DiscordClientSecret = require("DISCORD_CLIENT_SECRET")
	cfg.SessionSecret = require("SESSION_SECRET")
	cfg.StripeSecretKey = require("STRIPE_SECRET_KEY")
	cfg.StripeEndpointSecret = require("STRIPE_ENDPOINT_SECRET")
	cfg.BotWebhookURL = require("BOT_WEBHOOK_URL")

	cfg.SiteURL = getEnvString("SITE_URL", os.Getenv("BASE_URL"))
	if cfg.SiteURL == "" {
		missing = append(missing, "SITE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.SiteURL = strings.TrimRight(cfg.SiteURL, "/")

	// Optional fields with defaults
	cfg.DiscordRedirectURL = getEnvString("DISCORD_REDIRECT_URL", cfg.SiteURL+"/auth/discord/callback")
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.SessionStore = getEnvString("SESSION_STORE", SessionStoreMemory)
	cfg.CheckoutCurrency = getEnvString("CHECKOUT_CURRENCY", "eur")
	cfg.CheckoutUnitAmount = getEnvInt64("CHECKOUT_UNIT_AMOUNT", 399)
	cfg.CheckoutProductName = getEnvString("CHECKOUT_PRODUCT_NAME", "Clarivex Premium (lifetime access)")
	cfg.BotNotifyTimeout = getEnvDuration("BOT_NOTIFY_TIMEOUT", 5*time.Second)
	cfg.BotNotifyMaxElapsed = getEnvDuration("BOT_NOTIFY_MAX_ELAPSED", 15*time.Second)
	cfg.BotWebhookAllowPrivate = getEnvBool("BOT_WEBHOOK_ALLOW_PRIVATE", false)
	cfg.RateLimitCheckout = getEnvInt("RATE_LIMIT_CHECKOUT", 10)
	cfg.RedeliveryInterval = getEnvDuration("REDELIVERY_INTERVAL", time.Minute)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("PORT", "4242")
	cfg.StaticDir = getEnvString("STATIC_DIR", "public")
	cfg.CookieSecure = strings.HasPrefix(cfg.SiteURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")

	if cfg.SessionStore != SessionStoreMemory && cfg.SessionStore != SessionStorePostgres {
		return nil, fmt.Errorf("SESSION_STORE must be %q or %q, got %q",
			SessionStoreMemory, SessionStorePostgres, cfg.SessionStore)
	}
	if cfg.RateLimitCheckout <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_CHECKOUT must be positive, got %d", cfg.RateLimitCheckout)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
