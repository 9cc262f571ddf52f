package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/lecture-transcriber/internal/audio"
	"github.com/lexiqai/lecture-transcriber/internal/config"
	"github.com/lexiqai/lecture-transcriber/internal/courseapi"
	"github.com/lexiqai/lecture-transcriber/internal/observability"
	"github.com/lexiqai/lecture-transcriber/internal/resilience"
	"github.com/lexiqai/lecture-transcriber/internal/secrets"
	"github.com/lexiqai/lecture-transcriber/internal/session"
	"github.com/lexiqai/lecture-transcriber/internal/transcription"
)

func main() {
	srtPath := flag.String("srt", "", "write completed segments as SRT to this file")
	weekID := flag.Int("week", 0, "submit the final transcript to this week id")
	duration := flag.Duration("duration", 0, "stop automatically after this long (0 records until interrupted)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("transcriber", transcription.BuildURL(cfg.TranscriberHost, cfg.TranscriberPort)).
		Str("model", cfg.TranscriberModel).
		Str("language", cfg.TranscriberLanguage).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Lecture transcriber starting")

	var tokens courseapi.TokenSource
	if cfg.SecretsPath != "" {
		store, err := secrets.Open(cfg.SecretsPath, cfg.SecretsPassphrase)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.SecretsPath).Msg("Failed to open secret store")
		}
		tokens = store
	}
	api := courseapi.NewClient(courseapi.NewConfig(cfg), tokens)

	var server *http.Server
	if cfg.MetricsEnabled {
		server = startMetricsServer(cfg, api, logger)
	}

	opts := session.Options{
		NewTranscriber: func() session.Transcriber {
			return transcription.NewClient(transcription.NewClientConfig(cfg))
		},
		NewCapture: func(sink audio.ChunkSink) (session.Capture, error) {
			streamer, err := newStreamer(cfg, sink)
			if err != nil {
				return nil, err
			}
			return streamer, nil
		},
	}
	if cfg.APIURL != "" {
		opts.Submitter = api
	}
	controller := session.NewController(opts)

	updates, cancelUpdates := controller.Subscribe()
	defer cancelUpdates()

	if err := controller.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start recording session")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var deadline <-chan time.Time
	if *duration > 0 {
		deadline = time.After(*duration)
	}

	waitForEnd(updates, quit, deadline, logger)

	if controller.Status().State.Active() {
		if err := controller.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop session")
		}
	}

	script, err := controller.Finalize()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to finalize transcript")
	} else {
		fmt.Println(script)
	}

	if *srtPath != "" {
		if err := writeSRT(controller, *srtPath); err != nil {
			logger.Error().Err(err).Str("path", *srtPath).Msg("Failed to write SRT")
		} else {
			logger.Info().Str("path", *srtPath).Msg("SRT written")
		}
	}

	if *weekID > 0 && err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.APITimeout)
		if err := controller.Submit(ctx, *weekID); err != nil {
			logger.Error().Err(err).Int("week_id", *weekID).Msg("Failed to submit transcript")
		}
		cancel()
	}

	if err := controller.Close(); err != nil {
		logger.Warn().Err(err).Msg("Session close reported an error")
	}

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("Metrics server forced to shutdown")
		}
		cancel()
	}

	logger.Info().Msg("Lecture transcriber exited")
}

// waitForEnd prints live transcript changes until the user interrupts, the
// deadline passes, or the session ends on its own
func waitForEnd(updates <-chan session.Status, quit <-chan os.Signal, deadline <-chan time.Time, logger zerolog.Logger) {
	var last session.Status
	for {
		select {
		case <-quit:
			logger.Info().Msg("Interrupt received, stopping")
			return
		case <-deadline:
			logger.Info().Msg("Recording duration reached, stopping")
			return
		case status, ok := <-updates:
			if !ok {
				return
			}
			if status.State != last.State {
				logger.Info().
					Str("state", status.State.String()).
					Str("backend", status.Backend).
					Msg("Session state changed")
			}
			if status.Notice != "" && status.Notice != last.Notice {
				logger.Info().Str("notice", status.Notice).Msg("Backend status")
			}
			if status.Transcript != last.Transcript && status.Transcript != "" {
				fmt.Printf("\r[%s] %s\n", formatElapsed(status.Elapsed), status.Transcript)
			}
			last = status

			if status.State == session.StateFailed {
				logger.Error().Err(status.Err).Msg("Session failed")
				return
			}
			if status.State == session.StateStopped {
				return
			}
		}
	}
}

func newStreamer(cfg *config.Config, sink audio.ChunkSink) (*audio.Streamer, error) {
	streamerCfg := audio.DefaultStreamerConfig()
	streamerCfg.Preferred.SampleRate = cfg.AudioNativeSampleRate
	streamerCfg.AutoGain = cfg.AudioAutoGain
	streamerCfg.ResetCarryOnPause = cfg.AudioResetCarryOnPause
	streamerCfg.LowSignalThreshold = cfg.AudioLowSignalThreshold

	streamer := audio.NewStreamer(audio.NewMalgoDevice(), sink, streamerCfg)
	if cfg.RecordingPath != "" {
		recorder, err := audio.NewWAVRecorder(cfg.RecordingPath)
		if err != nil {
			return nil, err
		}
		streamer.AddTap(recorder)
	}
	return streamer, nil
}

func startMetricsServer(cfg *config.Config, api *courseapi.Client, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	checks := map[string]observability.HealthCheckFunc{
		"transcriber": func(ctx context.Context) (bool, error) {
			addr := net.JoinHostPort(cfg.TranscriberHost, strconv.Itoa(cfg.TranscriberPort))
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return false, err
			}
			conn.Close()
			return true, nil
		},
	}
	if cfg.APIURL != "" {
		checks["course_api"] = func(ctx context.Context) (bool, error) {
			if api.BreakerState() == resilience.StateOpen {
				return false, resilience.ErrCircuitOpen
			}
			return true, nil
		}
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.MetricsPort),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.MetricsPort).Msg("Metrics server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return server
}

func writeSRT(controller *session.Controller, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create SRT file: %w", err)
	}
	if err := controller.Engine().WriteSRT(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func formatElapsed(d time.Duration) string {
	total := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total/60)%60, total%60)
}
