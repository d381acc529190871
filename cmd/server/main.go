// Command server is the streaming transcription process: it loads
// configuration, wires a runtime.Runtime to a decoder backend, and serves
// the WebSocket stream on one address and the health/status/metrics
// surface on another.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/lokutor-ai/lokutor-stream/internal/auth"
	"github.com/lokutor-ai/lokutor-stream/internal/config"
	"github.com/lokutor-ai/lokutor-stream/internal/httpapi"
	"github.com/lokutor-ai/lokutor-stream/internal/logging"
	"github.com/lokutor-ai/lokutor-stream/internal/metrics"
	"github.com/lokutor-ai/lokutor-stream/pkg/backpressure"
	"github.com/lokutor-ai/lokutor-stream/pkg/decoder"
	"github.com/lokutor-ai/lokutor-stream/pkg/runtime"
	"github.com/lokutor-ai/lokutor-stream/pkg/scheduler"
	"github.com/lokutor-ai/lokutor-stream/pkg/transport"
	"github.com/lokutor-ai/lokutor-stream/pkg/vad"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.ConfigFile != "" {
		cfg, err = config.LoadYAMLFile(cfg, cfg.ConfigFile)
		if err != nil {
			return fmt.Errorf("load yaml config %s: %w", cfg.ConfigFile, err)
		}
	}
	cfg, err = config.FromFlags(cfg, os.Args[1:])
	if err != nil {
		return fmt.Errorf("apply flags: %w", err)
	}

	log := newLogger(cfg)
	log.Info("config resolved", "env", cfg.Env, "decoder_backend", cfg.DecoderBackend, "bind", fmt.Sprintf("%s:%d", cfg.BindHost, cfg.BindPort))

	interim, final, err := decoders(cfg)
	if err != nil {
		return fmt.Errorf("select decoder backend: %w", err)
	}

	rtCfg := runtimeConfig(cfg, interim, final)

	if cfg.EnableMetrics {
		shutdownMetrics, err := metrics.InitProvider(context.Background(), metrics.ProviderConfig{
			ServiceName:    "lokutor-stream",
			ServiceVersion: "dev",
		})
		if err != nil {
			return fmt.Errorf("init metrics provider: %w", err)
		}
		defer func() { _ = shutdownMetrics(context.Background()) }()

		met, err := metrics.NewMetrics(otel.GetMeterProvider(), nil)
		if err != nil {
			return fmt.Errorf("build metrics instruments: %w", err)
		}
		rtCfg.Metrics = met
	}

	rt := runtime.New(rtCfg)

	if cfg.EnableMetrics {
		if err := metrics.RegisterSource(otel.GetMeterProvider(), rt); err != nil {
			return fmt.Errorf("register metrics source: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wsSrv := transport.New(rt, log, func() string { return uuid.NewString() })
	var wsHandler http.Handler = wsSrv
	if cfg.RequireAuth {
		verifier, err := auth.LoadVerifier(cfg.JWTPublicKeyPath)
		if err != nil {
			return fmt.Errorf("load jwt verifier: %w", err)
		}
		wsHandler = auth.Middleware(verifier, wsSrv)
		log.Info("websocket auth enabled", "key_path", cfg.JWTPublicKeyPath)
	}
	wsAddr := fmt.Sprintf("%s:%d", cfg.BindHost, cfg.BindPort)
	wsHTTP := &http.Server{Addr: wsAddr, Handler: wsHandler}

	apiSrv := httpapi.New(rt, cfg, log)
	apiAddr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		rt.Run(egCtx)
		return nil
	})

	eg.Go(func() error {
		log.Info("websocket listener starting", "addr", wsAddr)
		if err := wsHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("websocket listener: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return wsHTTP.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		log.Info("api listener starting", "addr", apiAddr)
		return apiSrv.Run(egCtx, apiAddr)
	})

	if err := eg.Wait(); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}

func newLogger(cfg config.Config) logging.Logger {
	level := slog.LevelInfo
	if parsed, err := parseLevel(cfg.LogLevel); err == nil {
		level = parsed
	}
	if cfg.LogFormat == "text" {
		return logging.NewText(level)
	}
	return logging.New(level)
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(s))
	return l, err
}

// decoders constructs the interim/final decoder pair named by
// cfg.DecoderBackend. Interim and final share a backend: the mock backend
// is the only one with no external dependency and is the default.
func decoders(cfg config.Config) (interim, final decoder.Decoder, err error) {
	switch cfg.DecoderBackend {
	case "", "mock":
		return decoder.NewMock(), decoder.NewMock(), nil
	case "groq":
		if cfg.GroqAPIKey == "" {
			return nil, nil, fmt.Errorf("GROQ_API_KEY must be set for decoder_backend=groq")
		}
		return decoder.NewGroq(cfg.GroqAPIKey, cfg.InterimModel, cfg.SampleRate),
			decoder.NewGroq(cfg.GroqAPIKey, cfg.FinalModel, cfg.SampleRate), nil
	case "deepgram":
		if cfg.DeepgramAPIKey == "" {
			return nil, nil, fmt.Errorf("DEEPGRAM_API_KEY must be set for decoder_backend=deepgram")
		}
		return decoder.NewDeepgram(cfg.DeepgramAPIKey, cfg.SampleRate),
			decoder.NewDeepgram(cfg.DeepgramAPIKey, cfg.SampleRate), nil
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, nil, fmt.Errorf("OPENAI_API_KEY must be set for decoder_backend=openai")
		}
		return decoder.NewOpenAI(cfg.OpenAIAPIKey, cfg.InterimModel, cfg.SampleRate),
			decoder.NewOpenAI(cfg.OpenAIAPIKey, cfg.FinalModel, cfg.SampleRate), nil
	case "assemblyai":
		if cfg.AssemblyAIAPIKey == "" {
			return nil, nil, fmt.Errorf("ASSEMBLYAI_API_KEY must be set for decoder_backend=assemblyai")
		}
		return decoder.NewAssemblyAI(cfg.AssemblyAIAPIKey, cfg.SampleRate),
			decoder.NewAssemblyAI(cfg.AssemblyAIAPIKey, cfg.SampleRate), nil
	default:
		return nil, nil, fmt.Errorf("unknown decoder_backend %q", cfg.DecoderBackend)
	}
}

func runtimeConfig(cfg config.Config, interim, final decoder.Decoder) runtime.Config {
	return runtime.Config{
		SampleRate:     cfg.SampleRate,
		RingSeconds:    cfg.RingBufferSeconds,
		StartTriggerMs: cfg.VADStartMs,
		EndTriggerMs:   cfg.VADEndSilenceMs,
		InterimMinMs:   cfg.InterimCooldownMs,
		BaseCooldownMs: cfg.InterimCooldownMs,
		Classify:       vad.RMSClassifier(0.02),

		Watermarks: backpressure.Watermarks{
			FinalHi:     cfg.FinalHi,
			FinalCrit:   cfg.FinalCrit,
			InterimHi:   cfg.InterimHi,
			InterimCrit: cfg.InterimCrit,
		},
		Bases: backpressure.Bases{
			CooldownMs:   cfg.InterimCooldownMs,
			TailSeconds:  cfg.TailSeconds,
			InterimBurst: cfg.InterimBurst,
			FinalBurst:   cfg.FinalBurst,
		},
		Scheduler: scheduler.Config{
			TickInterval:   time.Duration(cfg.SchedulerTickMs) * time.Millisecond,
			FinalBurst:     cfg.FinalBurst,
			InterimBurst:   cfg.InterimBurst,
			InterimTimeout: 5 * time.Second,
			FinalTimeout:   30 * time.Second,
		},

		InterimDecoder: interim,
		FinalDecoder:   final,

		BackpressurePollInterval: time.Second,
	}
}
