package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	QueueURL    string
	HTTPAddr    string
	// APIKeys maps an API key to the tenant it authenticates
	APIKeys map[string]string

	GitHubAPIURL       string
	GitHubClientID     string
	GitHubClientSecret string
	GitHubTokenURL     string
	RequestTimeout     int // seconds
	RateLimitThreshold int

	EnrichmentURL    string
	EnrichmentAPIKey string
	EnrichmentModel  string
	AggregationURL   string

	PollInterval       int // seconds
	SyncInterval       int // seconds
	StaleAfter         int // seconds
	MaxRetries         int
	ShutdownTimeout    int // seconds
	WorkerCount        int
	WebhookMaxBytes    int
	WebhookDeliveryTTL int // seconds
	Phase1WindowDays   int
	Phase2WindowDays   int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	queueURL := strings.TrimSpace(os.Getenv("QUEUE_URL"))
	if queueURL == "" || queueURL == "postgres" {
		// Tasks live in the application database
		queueURL = dbURL
	}

	apiKeys, err := parseAPIKeys(os.Getenv("API_KEYS"))
	if err != nil {
		return nil, err
	}
	if len(apiKeys) == 0 {
		fmt.Println("Warning: API_KEYS not set, tenant endpoints will reject every request")
	}

	githubClientID := os.Getenv("GITHUB_CLIENT_ID")
	githubClientSecret := os.Getenv("GITHUB_CLIENT_SECRET")
	if githubClientID == "" || githubClientSecret == "" {
		fmt.Println("Warning: GITHUB_CLIENT_ID or GITHUB_CLIENT_SECRET not set, expired tokens will not be refreshed")
	}

	enrichmentURL := os.Getenv("ENRICHMENT_URL")
	if enrichmentURL == "" {
		fmt.Println("Warning: ENRICHMENT_URL not set, enrichment phase will be skipped")
	}

	aggregationURL := os.Getenv("AGGREGATION_URL")
	if aggregationURL == "" {
		fmt.Println("Warning: AGGREGATION_URL not set, aggregation phase will be skipped")
	}

	return &Config{
		DatabaseURL: dbURL,
		QueueURL:    queueURL,
		HTTPAddr:    envString("HTTP_ADDR", ":8080"),
		APIKeys:     apiKeys,

		GitHubAPIURL:       envString("GITHUB_API_URL", "https://api.github.com"),
		GitHubClientID:     githubClientID,
		GitHubClientSecret: githubClientSecret,
		GitHubTokenURL:     os.Getenv("GITHUB_TOKEN_URL"),
		RequestTimeout:     envInt("REQUEST_TIMEOUT", 30),
		RateLimitThreshold: envInt("RATE_LIMIT_THRESHOLD", 50),

		EnrichmentURL:    enrichmentURL,
		EnrichmentAPIKey: os.Getenv("ENRICHMENT_API_KEY"),
		EnrichmentModel:  os.Getenv("ENRICHMENT_MODEL"),
		AggregationURL:   aggregationURL,

		PollInterval:       envInt("POLL_INTERVAL", 10),  // poll every 10 seconds
		SyncInterval:       envInt("SYNC_INTERVAL", 900), // incremental sync every 15 minutes
		StaleAfter:         envInt("STALE_AFTER", 1800),  // 30 minutes without progress
		MaxRetries:         envInt("MAX_RETRIES", 3),
		ShutdownTimeout:    envInt("SHUTDOWN_TIMEOUT", 30),
		WorkerCount:        envInt("WORKER_COUNT", 4),
		WebhookMaxBytes:    envInt("WEBHOOK_MAX_BYTES", 1<<20),
		WebhookDeliveryTTL: envInt("WEBHOOK_DELIVERY_TTL", 72*3600),
		Phase1WindowDays:   envInt("PHASE1_WINDOW_DAYS", 30),
		Phase2WindowDays:   envInt("PHASE2_WINDOW_DAYS", 365),
	}, nil
}

// parseAPIKeys reads "tenant:key,tenant:key".
func parseAPIKeys(raw string) (map[string]string, error) {
	keys := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		tenant, key, ok := strings.Cut(pair, ":")
		tenant, key = strings.TrimSpace(tenant), strings.TrimSpace(key)
		if !ok || tenant == "" || key == "" {
			return nil, fmt.Errorf("invalid API_KEYS entry %q, expected tenant:key", pair)
		}
		keys[key] = tenant
	}
	return keys, nil
}

func envString(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

// envInt reads a positive integer, falling back to def with a warning when
// the value is not usable.
func envInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		fmt.Printf("Warning: invalid %s=%q, using default %d\n", name, raw, def)
		return def
	}
	return v
}
