package api

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inference-gateway/internal/inference"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

const (
	headerAPIKey  = "ai-api-key"
	headerBaseURL = "ai-base-url"
	headerLogID   = "X-Log-ID"
)

// streamFrame is the payload of one SSE data frame.
type streamFrame struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Reasoning string `json:"reasoning,omitempty"`
}

func (s *Server) handleInference(ctx *fasthttp.RequestCtx) {
	cred := inference.Credential{
		APIKey:  strings.TrimSpace(string(ctx.Request.Header.Peek(headerAPIKey))),
		BaseURL: strings.TrimSpace(string(ctx.Request.Header.Peek(headerBaseURL))),
	}
	if cred.APIKey == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"header '"+headerAPIKey+"' is required",
			apierr.TypeInvalidRequest, apierr.CodeMissingAPIKey)
		return
	}
	if cred.BaseURL != "" && !validBaseURL(cred.BaseURL) {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"header '"+headerBaseURL+"' must be an absolute http(s) URL",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if !s.allow(ctx, cred.APIKey) {
		apierr.WriteRateLimit(ctx)
		return
	}

	var req inference.Request
	if err := decodeBody(ctx, &req, false); err != nil {
		apierr.WriteError(ctx, err)
		return
	}

	if req.Stream {
		s.streamInference(ctx, cred, &req)
		return
	}

	resp, err := s.dispatcher.Dispatch(ctx, cred, &req)
	if err != nil {
		s.log.WarnContext(ctx, "inference_error",
			slog.String("request_id", requestIDOf(ctx)),
			slog.String("model_id", req.ModelID),
			slog.String("error", err.Error()),
		)
		apierr.WriteInferenceError(ctx, err)
		return
	}
	ctx.Response.Header.Set(headerLogID, resp.ID)
	writeJSON(ctx, fasthttp.StatusOK, resp)
}

// streamInference answers with Server-Sent Events. The first chunk is pulled
// before the status line is committed so that a stream failing up front
// still gets a proper error status. The stream runs under the server's base
// context: the handler returns before the body writer runs.
func (s *Server) streamInference(ctx *fasthttp.RequestCtx, cred inference.Credential, req *inference.Request) {
	sctx, cancel := context.WithCancel(s.baseCtx)
	stream, err := s.dispatcher.DispatchStream(sctx, cred, req)
	if err != nil {
		cancel()
		apierr.WriteInferenceError(ctx, err)
		return
	}

	first := stream.Next()
	if !first && stream.Err() != nil {
		err := stream.Err()
		stream.Close()
		cancel()
		apierr.WriteInferenceError(ctx, err)
		return
	}

	reqID := requestIDOf(ctx)
	logID := stream.LogID()

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set(headerLogID, logID)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer stream.Close()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("stream_writer_panic",
					slog.Any("panic", r),
					slog.String("request_id", reqID),
				)
			}
		}()

		for ok := first; ok; ok = stream.Next() {
			if err := writeFrame(w, logID, stream.Chunk()); err != nil {
				// Client went away; Close leaves the log incomplete.
				s.log.InfoContext(sctx, "inference_stream_aborted",
					slog.String("request_id", reqID),
					slog.String("log_id", logID),
					slog.String("error", err.Error()),
				)
				return
			}
		}

		if err := stream.Err(); err != nil {
			s.log.WarnContext(sctx, "inference_stream_failed",
				slog.String("request_id", reqID),
				slog.String("log_id", logID),
				slog.String("error", err.Error()),
			)
			return
		}
		w.WriteString("data: [DONE]\n\n") //nolint:errcheck
		w.Flush()                         //nolint:errcheck
	})
}

func writeFrame(w *bufio.Writer, logID string, c providers.Chunk) error {
	data, err := json.Marshal(streamFrame{ID: logID, Text: c.Text, Reasoning: c.Reasoning})
	if err != nil {
		return err
	}
	if _, err := w.WriteString("data: "); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if _, err := w.WriteString("\n\n"); err != nil {
		return err
	}
	return w.Flush()
}

// allow applies the RPM limiter. Limiter errors let the request through.
func (s *Server) allow(ctx *fasthttp.RequestCtx, apiKey string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, err := s.limiter.Allow(ctx, apiKey)
	result := "allowed"
	switch {
	case err != nil:
		result, allowed = "error", true
	case !allowed:
		result = "blocked"
		s.log.WarnContext(ctx, "rate_limit_exceeded",
			slog.String("request_id", requestIDOf(ctx)),
		)
	}
	if s.metrics != nil {
		s.metrics.RecordRateLimit(result)
	}
	return allowed
}

func validBaseURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
