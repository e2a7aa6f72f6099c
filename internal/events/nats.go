package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	DefaultStream  = "INFERENCE_LOGS"
	DefaultSubject = "inference.logs"

	natsMaxAge = 7 * 24 * time.Hour
)

// NATSConfig configures a NATSSink.
type NATSConfig struct {
	URL     string
	Stream  string
	Subject string
}

// NATSSink publishes each event as a JSON message on a JetStream subject.
// Events are keyed by "{subject}.{type}" so consumers can filter by type.
type NATSSink struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	stream  string
	subject string
	log     *slog.Logger
}

// DialNATS connects, creates the JetStream context and ensures the stream
// exists with the sink's subjects.
func DialNATS(cfg NATSConfig, log *slog.Logger) (*NATSSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("events: nats url is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if log == nil {
		log = slog.Default()
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("inference-gateway"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: jetstream context: %w", err)
	}

	s := &NATSSink{conn: conn, js: js, stream: cfg.Stream, subject: cfg.Subject, log: log}
	if err := s.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *NATSSink) subjects() []string {
	return []string{s.subject + ".>"}
}

func (s *NATSSink) ensureStream() error {
	info, err := s.js.StreamInfo(s.stream)
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = s.js.AddStream(&nats.StreamConfig{
			Name:      s.stream,
			Subjects:  s.subjects(),
			MaxAge:    natsMaxAge,
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
		})
		if err != nil {
			return fmt.Errorf("events: create stream %s: %w", s.stream, err)
		}
		s.log.Info("nats_stream_created", slog.String("stream", s.stream))
		return nil
	}
	if err != nil {
		return fmt.Errorf("events: stream info %s: %w", s.stream, err)
	}

	want := s.subjects()[0]
	if slices.Contains(info.Config.Subjects, want) {
		return nil
	}
	cfg := info.Config
	cfg.Subjects = append(cfg.Subjects, want)
	if _, err := s.js.UpdateStream(&cfg); err != nil {
		return fmt.Errorf("events: update stream %s: %w", s.stream, err)
	}
	s.log.Info("nats_stream_updated", slog.String("stream", s.stream), slog.String("subject", want))
	return nil
}

func (s *NATSSink) Name() string { return "nats" }

// Write publishes every event in batch and returns the first failure.
func (s *NATSSink) Write(ctx context.Context, batch []LogEvent) error {
	var firstErr error
	for _, e := range batch {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("events: marshal event: %w", err)
		}
		if _, err := s.js.Publish(s.subject+"."+e.Type, data, nats.Context(ctx)); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("events: publish %s: %w", e.LogID, err)
		}
	}
	return firstErr
}

// Ping round-trips to the server within ctx's deadline (one second when ctx
// has none).
func (s *NATSSink) Ping(ctx context.Context) error {
	timeout := time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}
	return s.conn.FlushTimeout(timeout)
}

func (s *NATSSink) Close() error {
	s.conn.Close()
	return nil
}
