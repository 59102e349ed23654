package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port               string
	DatabaseURL        string
	APIToken           string
	APITokenHash       string
	RateLimitPerMinute int
	RateLimitBurst     int
	CommandPerMinute   int
	CommandBurst       int

	CredentialsDir    string
	CredentialsSecret string
	GatewayURL        string

	SessionConnectTimeout time.Duration
	SessionSendTimeout    time.Duration
	SessionQRTimeout      time.Duration
	SessionQRMaxRefresh   int
	SessionRetryLimit     int
	SessionBackoffBase    time.Duration
	SessionBackoffMax     time.Duration
	SessionAutoReconnect  bool
	SessionAutoStart      bool

	RouterSweepInterval time.Duration

	NATSURL     string
	NATSSubject string

	OTLPEndpoint    string
	OTLPInsecure    bool
	OTLPSampleRatio float64
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:               port,
		DatabaseURL:        os.Getenv("DB_DSN"),
		APIToken:           strings.TrimSpace(os.Getenv("API_TOKEN")),
		APITokenHash:       strings.TrimSpace(os.Getenv("API_TOKEN_HASH")),
		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 30),
		CommandPerMinute:   readInt("COMMAND_RATE_LIMIT_PER_MIN", 60),
		CommandBurst:       readInt("COMMAND_RATE_LIMIT_BURST", 10),

		CredentialsDir:    readString("CREDENTIALS_DIR", "./data/sessions"),
		CredentialsSecret: os.Getenv("CREDENTIALS_SECRET"),
		GatewayURL:        strings.TrimSpace(os.Getenv("GATEWAY_URL")),

		SessionConnectTimeout: readDurationSeconds("SESSION_CONNECT_TIMEOUT_SECONDS", 20),
		SessionSendTimeout:    readDurationSeconds("SESSION_SEND_TIMEOUT_SECONDS", 15),
		SessionQRTimeout:      readDurationSeconds("SESSION_QR_TIMEOUT_SECONDS", 45),
		SessionQRMaxRefresh:   readInt("SESSION_QR_MAX_REFRESH", 5),
		SessionRetryLimit:     readInt("SESSION_RETRY_LIMIT", 1),
		SessionBackoffBase:    readDurationSeconds("SESSION_BACKOFF_BASE_SECONDS", 2),
		SessionBackoffMax:     readDurationSeconds("SESSION_BACKOFF_MAX_SECONDS", 60),
		SessionAutoReconnect:  readBool("SESSION_AUTO_RECONNECT", false),
		SessionAutoStart:      readBool("SESSION_AUTOSTART", true),

		RouterSweepInterval: readDurationSeconds("ROUTER_SWEEP_SECONDS", 30),

		NATSURL:     strings.TrimSpace(os.Getenv("NATS_URL")),
		NATSSubject: readString("NATS_SUBJECT", "inbox.events"),

		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:    readBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		OTLPSampleRatio: readFloat("OTEL_TRACES_SAMPLE_RATIO", 1),
	}
}

func readString(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
