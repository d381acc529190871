// Package config loads server configuration from environment variables
// (with an optional .env file for local development) and command-line
// flags, then validates it into a single immutable Config value.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// Config is the complete set of knobs a running server needs. Field names
// mirror the env var names (upper-snake, minus the prefix) so the two stay
// easy to cross-reference.
type Config struct {
	Env string

	BindHost string
	BindPort int

	InterimModel   string
	FinalModel     string
	InterimCompute string
	FinalCompute   string
	ASRLanguage    string

	SampleRate        int
	RingBufferSeconds int

	InterimCooldownMs int64
	TailSeconds       float64
	SchedulerTickMs   int
	FinalBurst        int
	InterimBurst      int

	FinalHi      int
	FinalCrit    int
	InterimHi    int
	InterimCrit  int
	VADMode      int
	VADEndSilenceMs int
	VADStartMs      int

	JWTPublicKeyPath string
	RequireAuth      bool

	LogLevel  string
	LogFormat string

	EnableMetrics bool
	MetricsPort   int

	APIHost string
	APIPort int

	ConfigFile string

	// DecoderBackend selects the Decoder implementation: mock, groq,
	// deepgram, openai, or assemblyai.
	DecoderBackend string

	GroqAPIKey       string
	DeepgramAPIKey   string
	OpenAIAPIKey     string
	AssemblyAIAPIKey string
}

// Default returns the documented defaults for every setting.
func Default() Config {
	return Config{
		Env:               "dev",
		BindHost:          "127.0.0.1",
		BindPort:          8081,
		InterimModel:      "small",
		FinalModel:        "distil-large-v3",
		InterimCompute:    "int8_float16",
		FinalCompute:      "float16",
		ASRLanguage:       "auto",
		SampleRate:        16000,
		RingBufferSeconds: 30,
		InterimCooldownMs: 220,
		TailSeconds:       7.0,
		SchedulerTickMs:   12,
		FinalBurst:        2,
		InterimBurst:      3,
		FinalHi:           6,
		FinalCrit:         12,
		InterimHi:         20,
		InterimCrit:       40,
		VADMode:           2,
		VADEndSilenceMs:   500,
		VADStartMs:        60,
		RequireAuth:       false,
		LogLevel:          "INFO",
		LogFormat:         "json",
		EnableMetrics:     true,
		MetricsPort:       9090,
		APIHost:           "127.0.0.1",
		APIPort:           8090,
		DecoderBackend:    "mock",
	}
}

// FromEnv overlays environment variables onto the documented defaults.
// It never fails on a missing variable; malformed numeric values produce
// an error collected into the joined return value so all problems surface
// at once rather than one-by-one.
func FromEnv() (Config, error) {
	cfg := Default()
	var errs []error

	cfg.Env = getenv("ENV", cfg.Env)
	cfg.BindHost = getenv("BIND_HOST", cfg.BindHost)
	cfg.BindPort = getenvInt("BIND_PORT", cfg.BindPort, &errs)
	cfg.InterimModel = getenv("INTERIM_MODEL", cfg.InterimModel)
	cfg.FinalModel = getenv("FINAL_MODEL", cfg.FinalModel)
	cfg.InterimCompute = getenv("INTERIM_COMPUTE", cfg.InterimCompute)
	cfg.FinalCompute = getenv("FINAL_COMPUTE", cfg.FinalCompute)
	cfg.ASRLanguage = getenv("ASR_LANGUAGE", cfg.ASRLanguage)
	cfg.SampleRate = getenvInt("SAMPLE_RATE", cfg.SampleRate, &errs)
	cfg.RingBufferSeconds = getenvInt("RING_BUFFER_SECONDS", cfg.RingBufferSeconds, &errs)
	cfg.InterimCooldownMs = int64(getenvInt("INTERIM_COOLDOWN_MS", int(cfg.InterimCooldownMs), &errs))
	cfg.TailSeconds = getenvFloat("TAIL_SECONDS", cfg.TailSeconds, &errs)
	cfg.SchedulerTickMs = getenvInt("SCHEDULER_TICK_MS", cfg.SchedulerTickMs, &errs)
	cfg.FinalBurst = getenvInt("F_FINAL_BURST", cfg.FinalBurst, &errs)
	cfg.InterimBurst = getenvInt("F_INTERIM_BURST", cfg.InterimBurst, &errs)
	cfg.FinalHi = getenvInt("FINAL_HI", cfg.FinalHi, &errs)
	cfg.FinalCrit = getenvInt("FINAL_CRIT", cfg.FinalCrit, &errs)
	cfg.InterimHi = getenvInt("INTERIM_HI", cfg.InterimHi, &errs)
	cfg.InterimCrit = getenvInt("INTERIM_CRIT", cfg.InterimCrit, &errs)
	cfg.VADMode = getenvInt("VAD_MODE", cfg.VADMode, &errs)
	cfg.VADEndSilenceMs = getenvInt("VAD_END_SILENCE_MS", cfg.VADEndSilenceMs, &errs)
	cfg.VADStartMs = getenvInt("VAD_START_MS", cfg.VADStartMs, &errs)
	cfg.JWTPublicKeyPath = getenv("JWT_PUBLIC_KEY_PATH", cfg.JWTPublicKeyPath)
	cfg.RequireAuth = getenvBool("REQUIRE_AUTH", cfg.RequireAuth)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getenv("LOG_FORMAT", cfg.LogFormat)
	cfg.EnableMetrics = getenvBool("ENABLE_METRICS", cfg.EnableMetrics)
	cfg.MetricsPort = getenvInt("METRICS_PORT", cfg.MetricsPort, &errs)
	cfg.APIHost = getenv("API_HOST", cfg.APIHost)
	cfg.APIPort = getenvInt("API_PORT", cfg.APIPort, &errs)
	cfg.ConfigFile = getenv("CONFIG_FILE", cfg.ConfigFile)
	cfg.DecoderBackend = getenv("DECODER_BACKEND", cfg.DecoderBackend)
	cfg.GroqAPIKey = getenv("GROQ_API_KEY", cfg.GroqAPIKey)
	cfg.DeepgramAPIKey = getenv("DEEPGRAM_API_KEY", cfg.DeepgramAPIKey)
	cfg.OpenAIAPIKey = getenv("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.AssemblyAIAPIKey = getenv("ASSEMBLYAI_API_KEY", cfg.AssemblyAIAPIKey)

	if err := Validate(cfg); err != nil {
		errs = append(errs, err)
	}
	return cfg, errors.Join(errs...)
}

// Validate checks cross-field invariants not expressible as simple
// per-field parsing.
func Validate(cfg Config) error {
	var errs []error
	if cfg.InterimCooldownMs < 50 || cfg.InterimCooldownMs > 1000 {
		errs = append(errs, fmt.Errorf("interim_cooldown_ms %d out of range [50,1000]", cfg.InterimCooldownMs))
	}
	if cfg.TailSeconds < 1.0 || cfg.TailSeconds > 30.0 {
		errs = append(errs, fmt.Errorf("tail_seconds %.2f out of range [1.0,30.0]", cfg.TailSeconds))
	}
	if cfg.FinalHi <= 0 || cfg.FinalCrit <= cfg.FinalHi {
		errs = append(errs, fmt.Errorf("final watermarks must satisfy 0 < final_hi(%d) < final_crit(%d)", cfg.FinalHi, cfg.FinalCrit))
	}
	if cfg.InterimHi <= 0 || cfg.InterimCrit <= cfg.InterimHi {
		errs = append(errs, fmt.Errorf("interim watermarks must satisfy 0 < interim_hi(%d) < interim_crit(%d)", cfg.InterimHi, cfg.InterimCrit))
	}
	if cfg.RequireAuth && cfg.JWTPublicKeyPath == "" {
		errs = append(errs, errors.New("require_auth is true but jwt_public_key_path is empty"))
	}
	return errors.Join(errs...)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func getenvFloat(key string, def float64, errs *[]error) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
