package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/voxloop/voxloop/internal/config"
	"github.com/voxloop/voxloop/internal/generate"
	"github.com/voxloop/voxloop/internal/httpapi"
	"github.com/voxloop/voxloop/internal/memory"
	"github.com/voxloop/voxloop/internal/observability"
	"github.com/voxloop/voxloop/internal/session"
	"github.com/voxloop/voxloop/internal/synth"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	memoryStore, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("memory store init failed: %v", err)
	}
	defer memoryStore.Close()

	streamer := buildStreamer(cfg)
	synthesizer := buildSynthesizer(cfg)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	engine := session.NewEngine(
		sessions,
		generate.NewPipeline(streamer),
		synthesizer,
		memoryStore,
		metrics,
		session.EngineConfig{
			GenerationTimeout: cfg.GenerationTimeout,
			SupersedeGrace:    cfg.SupersedeGrace,
			SentenceQueueCap:  cfg.SentenceQueueCap,
			BargeInMinRunes:   cfg.BargeInMinRunes,
		},
	)

	api := httpapi.New(cfg, sessions, engine, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

func buildStreamer(cfg config.Config) generate.Streamer {
	mode := strings.ToLower(strings.TrimSpace(cfg.GenerationMode))
	switch mode {
	case "http":
		if cfg.GenerationURL == "" {
			log.Fatalf("GENERATION_MODE=http but GENERATION_URL is not set")
		}
		log.Printf("generation backend: http (%s)", cfg.GenerationURL)
		return generate.NewHTTPStreamer(cfg.GenerationURL, cfg.GenerationTimeout)
	case "mock":
		log.Printf("generation backend: mock")
		return generate.NewMockStreamer()
	case "", "auto":
		if cfg.GenerationURL != "" {
			log.Printf("generation backend: http (%s)", cfg.GenerationURL)
			return generate.NewHTTPStreamer(cfg.GenerationURL, cfg.GenerationTimeout)
		}
		log.Printf("generation backend: mock (GENERATION_URL not set)")
		return generate.NewMockStreamer()
	default:
		log.Fatalf("invalid GENERATION_MODE: %q (expected auto|http|mock)", cfg.GenerationMode)
		return nil
	}
}

func buildSynthesizer(cfg config.Config) synth.Synthesizer {
	mode := strings.ToLower(strings.TrimSpace(cfg.SynthMode))
	tryElevenLabs := func() synth.Synthesizer {
		if cfg.SynthAPIKey == "" {
			return nil
		}
		log.Printf("synthesis backend: elevenlabs realtime")
		return synth.NewElevenLabsSynthesizer(synth.ElevenLabsConfig{
			APIKey:     cfg.SynthAPIKey,
			WSBaseURL:  cfg.SynthWSBaseURL,
			VoiceID:    cfg.SynthVoiceID,
			ModelID:    cfg.SynthModelID,
			SampleRate: cfg.SynthSampleRate,
		})
	}

	switch mode {
	case "elevenlabs":
		if s := tryElevenLabs(); s != nil {
			return s
		}
		log.Fatalf("SYNTH_MODE=elevenlabs but SYNTH_API_KEY is not set")
		return nil
	case "mock":
		log.Printf("synthesis backend: mock")
		return synth.NewMockSynthesizer(cfg.SynthSampleRate)
	case "", "auto":
		if s := tryElevenLabs(); s != nil {
			return s
		}
		log.Printf("synthesis backend: mock (SYNTH_API_KEY not set)")
		return synth.NewMockSynthesizer(cfg.SynthSampleRate)
	default:
		log.Fatalf("invalid SYNTH_MODE: %q (expected auto|elevenlabs|mock)", cfg.SynthMode)
		return nil
	}
}
