package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"voicecloner/internal/pkg/voicecloner/artifact"
	"voicecloner/internal/pkg/voicecloner/audio"
	"voicecloner/internal/pkg/voicecloner/config"
	"voicecloner/internal/pkg/voicecloner/engine"
	"voicecloner/internal/pkg/voicecloner/errs"
	"voicecloner/internal/pkg/voicecloner/llm"
	"voicecloner/internal/pkg/voicecloner/pipeline"
	"voicecloner/internal/pkg/voicecloner/server"

	_ "voicecloner/internal/pkg/voicecloner/backends/onnxclone"
	_ "voicecloner/internal/pkg/voicecloner/backends/xtts"
)

func main() {
	fmt.Fprintf(os.Stderr, "voicecloner %s\n", Version)

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.LoadAndParse(os.Args[1:], os.Stderr)
	if errors.Is(err, config.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to parse configuration")
	}

	if err := setupLogging(cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to setup logging")
	}
	for _, w := range cfg.Warnings() {
		log.Warn().Msg(w)
	}

	log.Debug().
		Str("provider", cfg.LLM.Provider).
		Str("backend", cfg.TTS.Backend).
		Str("model", cfg.TTS.Model).
		Str("device", cfg.TTS.Device).
		Str("language", cfg.DefaultLanguage).
		Str("output_dir", cfg.OutputDir).
		Msg("Configuration loaded")

	if cfg.ListBackends {
		fmt.Fprintf(os.Stdout, "Synthesis backends:\n")
		for _, name := range engine.Backends() {
			fmt.Fprintf(os.Stdout, "  %s\n", name)
		}
		return
	}

	store, err := artifact.New(cfg.OutputDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.OutputDir).Msg("Failed to open output directory")
	}

	if cfg.ListOutputs {
		list, err := store.List()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to list outputs")
		}
		fmt.Fprintf(os.Stdout, "Outputs in %s (%d):\n", store.Dir(), len(list))
		for _, a := range list {
			fmt.Fprintf(os.Stdout, "  %s  %8d bytes  %s\n", a.Name, a.Size, a.CreatedAt.Format(time.RFC3339))
		}
		return
	}

	if !engine.IsRegistered(cfg.TTS.Backend) {
		log.Fatal().
			Str("backend", cfg.TTS.Backend).
			Strs("available", engine.Backends()).
			Msg("Unknown synthesis backend")
	}
	eng, err := engine.New(buildEngineConfig(cfg))
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.TTS.Backend).Msg("Failed to create engine")
	}
	defer eng.Close()

	p := pipeline.New(pipeline.Config{
		DefaultLanguage: cfg.DefaultLanguage,
		DefaultProvider: llm.Choice(cfg.LLM.Provider),
		LLMTimeout:      cfg.LLM.Timeout,
	}, llm.NewSet(buildProviderConfigs(cfg)), eng, store)

	if cfg.Serve != "" {
		if err := serve(cfg, p, eng, store); err != nil {
			log.Error().Err(err).Msg("Server failed")
			eng.Close()
			os.Exit(1)
		}
		return
	}

	if strings.TrimSpace(cfg.Prompt) == "" {
		log.Fatal().Msg("No prompt given, use -p or pass it as an argument")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("prompt", truncateText(cfg.Prompt, 50)).Str("reference", cfg.Reference).Msg("Generating speech...")
	res, err := p.Run(ctx, pipeline.Request{
		Prompt:             cfg.Prompt,
		ReferenceAudioPath: cfg.Reference,
		Language:           cfg.Language,
		Tone:               cfg.Tone,
		TrimStart:          cfg.TrimStart,
		TrimEnd:            cfg.TrimEnd,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error [%s]: %s\n", errs.KindOf(err), errs.Message(err))
		if res.GeneratedText != "" {
			fmt.Fprintf(os.Stderr, "generated text:\n%s\n", res.GeneratedText)
		}
		stop()
		eng.Close()
		os.Exit(1)
	}

	fmt.Fprintln(os.Stdout, res.Artifact.Path)
	fmt.Fprintln(os.Stdout, res.GeneratedText)
}

func serve(cfg *config.Config, p *pipeline.Pipeline, eng *engine.Engine, store *artifact.Store) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              cfg.Serve,
		Handler:           server.New(server.Config{DefaultProvider: cfg.LLM.Provider}, p, eng, store).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Serve).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildEngineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		Backend: cfg.TTS.Backend,
		Device:  engine.Device(cfg.TTS.Device),
		Model: engine.BackendConfig{
			Model:             cfg.TTS.Model,
			ServerURL:         cfg.TTS.ServerURL,
			Temperature:       cfg.TTS.Temperature,
			Speed:             cfg.TTS.Speed,
			RepetitionPenalty: cfg.TTS.RepetitionPenalty,
			LengthPenalty:     cfg.TTS.LengthPenalty,
		},
		MinReferenceDuration: cfg.TTS.MinReferenceDuration,
		CompactSilence:       cfg.Silence.Compaction,
		Silence: audio.SilenceParams{
			ThresholdDB: cfg.Silence.ThresholdDB,
			MinSilence:  cfg.Silence.MinSilence,
			Keep:        cfg.Silence.Keep,
		},
	}
}

func buildProviderConfigs(cfg *config.Config) map[llm.Choice]llm.Config {
	return map[llm.Choice]llm.Config{
		llm.Local: {
			BaseURL:     cfg.LLM.OllamaBaseURL,
			Model:       cfg.LLM.OllamaModel,
			Timeout:     cfg.LLM.Timeout,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
		},
		llm.Cloud: {
			BaseURL:     cfg.LLM.OpenAIBaseURL,
			Model:       cfg.LLM.OpenAIModel,
			APIKey:      cfg.LLM.OpenAIAPIKey,
			Timeout:     cfg.LLM.Timeout,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
		},
	}
}

func setupLogging(cfg *config.Config) error {
	name := strings.ToLower(cfg.LogLevel)
	if name == "warning" {
		name = "warn"
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		log.Logger = zerolog.New(f).With().Timestamp().Logger()
	}

	return nil
}

func truncateText(text string, maxLen int) string {
	if len([]rune(text)) <= maxLen {
		return text
	}
	return string([]rune(text)[:maxLen]) + "..."
}
