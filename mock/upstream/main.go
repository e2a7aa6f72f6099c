// Command upstream runs a lightweight HTTP server that simulates every
// provider API the gateway talks to. It is used for local and load testing
// without real credentials: register a model and send ai-base-url pointing
// at this server.
//
// One listener serves all dialects, told apart by path:
//
//	OpenAI / local      POST /v1/chat/completions
//	Azure OpenAI        POST /openai/deployments/{deployment}/chat/completions
//	Anthropic           POST /v1/messages
//	Gemini              POST /v1beta/models/{model}:generateContent
//	                    POST /v1beta/models/{model}:streamGenerateContent
//
// Behaviour flags (via env or mock.yaml):
//
//	MOCK_PORT         : listen port (default 19000)
//	MOCK_LATENCY      : artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE   : fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_STREAM_WORDS : words per response (default 10)
//	MOCK_REASONING    : also emit reasoning / thinking content (default false)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := loadConfig()
	if err != nil {
		log.Error("config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      newHandler(cfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Info("starting mock upstream",
		slog.String("addr", srv.Addr),
		slog.Duration("latency", cfg.Latency),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("stream_words", cfg.StreamWords),
		slog.Bool("reasoning", cfg.Reasoning),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("mock upstream stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("mock upstream stopped")
}

// newHandler mounts every provider dialect on one mux.
func newHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mountOpenAI(mux, cfg)
	mountAnthropic(mux, cfg)
	mountGemini(mux, cfg)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})
	return mux
}
