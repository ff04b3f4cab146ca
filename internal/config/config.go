package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/core-coin/go-core/v2/common"
	"github.com/joho/godotenv"

	"github.com/core-coin/solvo/internal/currency"
	"github.com/core-coin/solvo/internal/models"
)

type Config struct {
	Development bool
	// API configuration
	APIPort int
	// AdminAPIKey guards the operator routes; they are not mounted without it
	AdminAPIKey string
	// Postgres configuration
	PostgresUser     string
	PostgresPassword string
	PostgresHost     string
	PostgresPort     int
	PostgresDB       string

	// Gateway configuration
	GatewayURL         string
	GatewayAPIKey      string
	GatewayAccount     string
	GatewayCallbackURL string
	Provider           string
	FiatCurrency       string
	EnabledCurrencies  []string

	// Settlement configuration
	PollInterval        time.Duration
	PaymentWindow       time.Duration
	AcceptUnconfirmed   bool
	RateCacheTTL        time.Duration
	SubscriptionRenewal models.RenewalMode
	SubscriptionDays    int
	SweepSchedule       string
	InstanceID          string

	// Blockchain configuration, used to read XCB and CTN balances from a node
	CoreRPCURL         string
	CTNContractAddress string
	NetworkID          *big.Int

	// Notification configuration
	TelegramBotToken string
	SMTPHost         string
	SMTPPort         int
	SMTPUser         string
	SMTPPassword     string
	SMTPSender       string
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Development:      getEnvAsBool("DEVELOPMENT", false),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "password"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnvAsInt("POSTGRES_PORT", 5432),
		PostgresDB:       getEnv("POSTGRES_DB", "solvo"),

		GatewayURL:         getEnv("GATEWAY_URL", "https://api.tatum.io"),
		GatewayAPIKey:      getEnv("GATEWAY_API_KEY", ""),
		GatewayAccount:     getEnv("GATEWAY_ACCOUNT", ""),
		GatewayCallbackURL: getEnv("GATEWAY_CALLBACK_URL", ""),
		Provider:           getEnv("PROVIDER", "tatum"),
		FiatCurrency:       strings.ToUpper(getEnv("FIAT_CURRENCY", "USD")),
		EnabledCurrencies:  getEnvAsList("ENABLED_CURRENCIES", currency.Codes()),

		PollInterval:        getEnvAsDuration("POLL_INTERVAL", 10*time.Second),
		PaymentWindow:       getEnvAsDuration("PAYMENT_WINDOW", time.Hour),
		AcceptUnconfirmed:   getEnvAsBool("ACCEPT_UNCONFIRMED", true),
		RateCacheTTL:        getEnvAsDuration("RATE_CACHE_TTL", time.Minute),
		SubscriptionRenewal: models.RenewalMode(strings.ToLower(getEnv("SUBSCRIPTION_RENEWAL", string(models.RenewalReplace)))),
		SubscriptionDays:    getEnvAsInt("SUBSCRIPTION_DAYS", 30),
		SweepSchedule:       getEnv("SWEEP_SCHEDULE", "@every 1m"),
		InstanceID:          getEnv("INSTANCE_ID", defaultInstanceID()),

		CoreRPCURL:         getEnv("CORE_RPC_URL", ""),
		CTNContractAddress: getEnv("CTN_CONTRACT_ADDRESS", ""),
		NetworkID:          getEnvAsBigInt("NETWORK_ID", big.NewInt(1)), // Default to Mainnet ID

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		SMTPHost:         getEnv("SMTP_HOST", ""),
		SMTPPort:         getEnvAsInt("SMTP_PORT", 587),
		SMTPUser:         getEnv("SMTP_USER", ""),
		SMTPPassword:     getEnv("SMTP_PASSWORD", ""),
		SMTPSender:       getEnv("SMTP_SENDER", ""),

		APIPort:     getEnvAsInt("API_PORT", 6532),
		AdminAPIKey: getEnv("ADMIN_API_KEY", ""),
	}

	// Set default network ID before validation (required for address validation)
	common.DefaultNetworkID = common.NetworkID(cfg.NetworkID.Int64())

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are properly set
func (c *Config) Validate() error {
	if c.PostgresDB == "" {
		return fmt.Errorf("POSTGRES_DB is required")
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("POSTGRES_HOST is required")
	}

	if c.GatewayURL == "" {
		return fmt.Errorf("GATEWAY_URL is required")
	}

	if c.GatewayAccount == "" {
		return fmt.Errorf("GATEWAY_ACCOUNT is required")
	}

	if c.FiatCurrency == "" {
		return fmt.Errorf("FIAT_CURRENCY is required")
	}

	if len(c.EnabledCurrencies) == 0 {
		return fmt.Errorf("ENABLED_CURRENCIES must list at least one currency")
	}

	// an unknown currency in the configuration is fatal
	if err := currency.Validate(c.EnabledCurrencies); err != nil {
		return fmt.Errorf("invalid ENABLED_CURRENCIES: %w", err)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}

	if c.PaymentWindow <= 0 {
		return fmt.Errorf("PAYMENT_WINDOW must be positive")
	}

	if !c.SubscriptionRenewal.Valid() {
		return fmt.Errorf("SUBSCRIPTION_RENEWAL must be %q or %q, got %q", models.RenewalReplace, models.RenewalExtend, c.SubscriptionRenewal)
	}

	if c.SubscriptionDays <= 0 {
		return fmt.Errorf("SUBSCRIPTION_DAYS must be positive")
	}

	if c.CTNContractAddress != "" {
		if _, err := common.HexToAddress(c.CTNContractAddress); err != nil {
			return fmt.Errorf("invalid CTN_CONTRACT_ADDRESS format: %w", err)
		}
	}

	return nil
}

// CurrencyEnabled reports whether code may be used for new payments.
func (c *Config) CurrencyEnabled(code string) bool {
	code = strings.ToUpper(code)
	for _, enabled := range c.EnabledCurrencies {
		if strings.ToUpper(enabled) == code {
			return true
		}
	}
	return false
}

// SMTPEnabled reports whether email delivery is configured.
func (c *Config) SMTPEnabled() bool {
	return c.SMTPHost != "" && c.SMTPSender != ""
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "solvo"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Helper functions to read environment variables
func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(name string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsBool(name string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.ParseBool(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsBigInt(name string, defaultValue *big.Int) *big.Int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, ok := new(big.Int).SetString(valueStr, 10); ok {
			return value
		}
	}
	return defaultValue
}

func getEnvAsDuration(name string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := time.ParseDuration(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsList(name string, defaultValue []string) []string {
	valueStr, exists := os.LookupEnv(name)
	if !exists || strings.TrimSpace(valueStr) == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToUpper(part))
		}
	}
	return out
}
