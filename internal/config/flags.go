package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// LoadDotEnv loads a .env file if present, same as the agent CLI does; a
// missing file is not an error, only a malformed one is.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// yamlOverlay mirrors Config with pointer fields so LoadYAMLFile can tell
// "not present in the file" apart from "explicitly zero".
type yamlOverlay struct {
	Env               *string  `yaml:"env"`
	BindHost          *string  `yaml:"bind_host"`
	BindPort          *int     `yaml:"bind_port"`
	InterimModel      *string  `yaml:"interim_model"`
	FinalModel        *string  `yaml:"final_model"`
	InterimCompute    *string  `yaml:"interim_compute"`
	FinalCompute      *string  `yaml:"final_compute"`
	ASRLanguage       *string  `yaml:"asr_language"`
	SampleRate        *int     `yaml:"sample_rate"`
	RingBufferSeconds *int     `yaml:"ring_buffer_seconds"`
	InterimCooldownMs *int64   `yaml:"interim_cooldown_ms"`
	TailSeconds       *float64 `yaml:"tail_seconds"`
	SchedulerTickMs   *int     `yaml:"scheduler_tick_ms"`
	FinalBurst        *int     `yaml:"f_final_burst"`
	InterimBurst      *int     `yaml:"f_interim_burst"`
	FinalHi           *int     `yaml:"final_hi"`
	FinalCrit         *int     `yaml:"final_crit"`
	InterimHi         *int     `yaml:"interim_hi"`
	InterimCrit       *int     `yaml:"interim_crit"`
	JWTPublicKeyPath  *string  `yaml:"jwt_public_key_path"`
	RequireAuth       *bool    `yaml:"require_auth"`
	LogLevel          *string  `yaml:"log_level"`
	LogFormat         *string  `yaml:"log_format"`
	EnableMetrics     *bool    `yaml:"enable_metrics"`
	MetricsPort       *int     `yaml:"metrics_port"`
}

// LoadYAMLFile overlays a YAML config file onto cfg: every field the file
// sets replaces the value already in cfg. cmd/server applies it after
// FromEnv and before FromFlags, giving flag > yaml > env > default.
func LoadYAMLFile(cfg Config, path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()
	return applyYAML(cfg, f)
}

func applyYAML(cfg Config, r io.Reader) (Config, error) {
	var ov yamlOverlay
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&ov); err != nil {
		return cfg, fmt.Errorf("config: decode yaml: %w", err)
	}

	assignString(&cfg.Env, ov.Env)
	assignString(&cfg.BindHost, ov.BindHost)
	assignInt(&cfg.BindPort, ov.BindPort)
	assignString(&cfg.InterimModel, ov.InterimModel)
	assignString(&cfg.FinalModel, ov.FinalModel)
	assignString(&cfg.InterimCompute, ov.InterimCompute)
	assignString(&cfg.FinalCompute, ov.FinalCompute)
	assignString(&cfg.ASRLanguage, ov.ASRLanguage)
	assignInt(&cfg.SampleRate, ov.SampleRate)
	assignInt(&cfg.RingBufferSeconds, ov.RingBufferSeconds)
	if ov.InterimCooldownMs != nil {
		cfg.InterimCooldownMs = *ov.InterimCooldownMs
	}
	if ov.TailSeconds != nil {
		cfg.TailSeconds = *ov.TailSeconds
	}
	assignInt(&cfg.SchedulerTickMs, ov.SchedulerTickMs)
	assignInt(&cfg.FinalBurst, ov.FinalBurst)
	assignInt(&cfg.InterimBurst, ov.InterimBurst)
	assignInt(&cfg.FinalHi, ov.FinalHi)
	assignInt(&cfg.FinalCrit, ov.FinalCrit)
	assignInt(&cfg.InterimHi, ov.InterimHi)
	assignInt(&cfg.InterimCrit, ov.InterimCrit)
	assignString(&cfg.JWTPublicKeyPath, ov.JWTPublicKeyPath)
	if ov.RequireAuth != nil {
		cfg.RequireAuth = *ov.RequireAuth
	}
	assignString(&cfg.LogLevel, ov.LogLevel)
	assignString(&cfg.LogFormat, ov.LogFormat)
	if ov.EnableMetrics != nil {
		cfg.EnableMetrics = *ov.EnableMetrics
	}
	assignInt(&cfg.MetricsPort, ov.MetricsPort)

	return cfg, Validate(cfg)
}

func assignString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func assignInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

// FromFlags parses command-line flags over cfg, letting explicit flags
// win over whatever FromEnv already resolved. args is normally os.Args[1:].
func FromFlags(cfg Config, args []string) (Config, error) {
	fs := pflag.NewFlagSet("server", pflag.ContinueOnError)

	bindHost := fs.StringP("bind-host", "H", cfg.BindHost, "address to listen on")
	bindPort := fs.IntP("bind-port", "p", cfg.BindPort, "port to listen on")
	logLevel := fs.String("log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", cfg.LogFormat, "log format (json, text)")
	requireAuth := fs.Bool("require-auth", cfg.RequireAuth, "require a bearer JWT on every connection")
	metricsPort := fs.Int("metrics-port", cfg.MetricsPort, "metrics port setting (/metrics itself is served on the API port)")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.BindHost = *bindHost
	cfg.BindPort = *bindPort
	cfg.LogLevel = *logLevel
	cfg.LogFormat = *logFormat
	cfg.RequireAuth = *requireAuth
	cfg.MetricsPort = *metricsPort
	return cfg, Validate(cfg)
}
