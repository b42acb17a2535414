package app

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string
	LogLevel    string
	SentryDSN   string
	Environment string

	// Transcription backend
	STTURL            string
	CommitGraceMs     int
	CommitTimeoutMs   int
	ReconnectAttempts int
	ReconnectDelayMs  int

	// JWT authentication (bridge clients and backend dials)
	JWTSecret string

	// Capture
	MicDevice      string
	LoopbackDevice string
	FFmpegPath     string
	SystemSource   string // device | display | bridge

	// Context assembly
	ParagraphIdleMs   int
	ParagraphMaxChars int

	// Session lifecycle
	KeepaliveInterval  time.Duration
	MaxSessionDuration time.Duration
}

func LoadConfigFromEnv() Config {
	return Config{
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		DatabaseURL: getenv("DATABASE_URL", ""),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		SentryDSN:   getenv("SENTRY_DSN", ""),
		Environment: getenv("ENVIRONMENT", "development"),

		// Transcription backend
		STTURL:            getenv("STT_URL", "ws://localhost:9090/realtime"),
		CommitGraceMs:     getenvIntClamped("COMMIT_GRACE_MS", 500, 0, 5000),
		CommitTimeoutMs:   getenvIntClamped("COMMIT_TIMEOUT_MS", 5000, 500, 30000),
		ReconnectAttempts: getenvIntClamped("STT_RECONNECT_ATTEMPTS", 5, 1, 20),
		ReconnectDelayMs:  getenvIntClamped("STT_RECONNECT_DELAY_MS", 1000, 100, 30000),

		// JWT secret is required for authenticated deployments; empty
		// disables bridge auth for local development.
		JWTSecret: os.Getenv("JWT_SECRET"),

		// Capture
		MicDevice:      getenv("MIC_DEVICE", ""),
		LoopbackDevice: getenv("LOOPBACK_DEVICE", ""),
		FFmpegPath:     getenv("FFMPEG_PATH", ""),
		SystemSource:   getenv("SYSTEM_SOURCE", "bridge"),

		// Context assembly
		ParagraphIdleMs:   getenvIntClamped("PARAGRAPH_IDLE_MS", 2500, 250, 60000),
		ParagraphMaxChars: getenvIntClamped("PARAGRAPH_MAX_CHARS", 100, 10, 10000),

		// Session lifecycle
		KeepaliveInterval:  getenvDuration("SESSION_KEEPALIVE_INTERVAL", 30*time.Second),
		MaxSessionDuration: getenvDuration("SESSION_MAX_DURATION", 6*time.Hour),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getenvIntClamped reads an integer env var and clamps it to [min, max].
// Unset or unparsable values fall back to the default.
func getenvIntClamped(k string, def, min, max int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
