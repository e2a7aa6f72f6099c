// Package logwriter persists the audit trail of an inference request: one row
// in the relational store plus the gzip-compressed request/response pair in
// the blob store.
//
// The row is written before the provider is called (status "incomplete") and
// completed afterwards. The object reference is only set once the payload is
// durable, so a row never points at a missing object.
package logwriter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/nulpointcorp/inference-gateway/internal/blob"
	"github.com/nulpointcorp/inference-gateway/internal/errs"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/store"
)

const (
	DefaultBlobTimeout = 10 * time.Second

	payloadContentType = "application/gzip"
)

// Outcomes passed to Options.Observe.
const (
	OutcomeComplete    = "complete"
	OutcomeFailed      = "failed"
	OutcomeEncodeError = "encode_error"
	OutcomeBlobError   = "blob_error"
	OutcomeStoreError  = "store_error"
)

// Store is the subset of *store.DB the writer needs.
type Store interface {
	CreateLog(ctx context.Context, l store.Log) (*store.Log, error)
	UpdateLog(ctx context.Context, id string, p store.LogPatch) (*store.Log, error)
}

// Options configures a Writer. Zero values fall back to defaults.
type Options struct {
	BlobTimeout time.Duration
	Observe     func(outcome string)
	Logger      *slog.Logger
}

// Writer creates and completes log rows.
type Writer struct {
	store       Store
	blobs       blob.Store
	blobTimeout time.Duration
	observe     func(string)
	log         *slog.Logger
}

// New returns a Writer backed by st and blobs.
func New(st Store, blobs blob.Store, opts Options) *Writer {
	if opts.BlobTimeout <= 0 {
		opts.BlobTimeout = DefaultBlobTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Writer{
		store:       st,
		blobs:       blobs,
		blobTimeout: opts.BlobTimeout,
		observe:     opts.Observe,
		log:         opts.Logger,
	}
}

// Completion is everything CompleteLog records about a finished request.
type Completion struct {
	Request      any
	Response     any
	Usage        providers.Usage
	ResponseTime time.Duration
}

// ObjectKey is the blob key holding the payload of log id.
func ObjectKey(id string) string {
	return "/v1/logs/" + id + ".json.gz"
}

// StartLog inserts a new row and returns its id.
func (w *Writer) StartLog(ctx context.Context, model, provider string, status store.Status, tags store.JSONMap) (string, error) {
	l, err := w.store.CreateLog(ctx, store.Log{
		Model:    model,
		Provider: provider,
		Status:   status,
		Tags:     tags,
	})
	if err != nil {
		return "", storageErr("start log", err)
	}
	return l.ID, nil
}

// CompleteLog uploads the payload of id and then marks the row complete with
// its token counts, response time and object reference. Running it again for
// the same id overwrites the same object and row fields.
func (w *Writer) CompleteLog(ctx context.Context, id string, c Completion) error {
	data, err := EncodePayload(c.Request, c.Response)
	if err != nil {
		w.record(OutcomeEncodeError)
		return errs.Storage("encode payload", err)
	}

	key := ObjectKey(id)
	bctx, cancel := context.WithTimeout(ctx, w.blobTimeout)
	err = w.blobs.Put(bctx, key, data, payloadContentType)
	cancel()
	if err != nil {
		w.record(OutcomeBlobError)
		w.log.ErrorContext(ctx, "log_payload_write_failed",
			slog.String("log_id", id),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return storageErr("write payload", err)
	}

	status := store.StatusComplete
	prompt, completion := c.Usage.PromptTokens, c.Usage.CompletionTokens
	ms := int(c.ResponseTime.Milliseconds())
	_, err = w.store.UpdateLog(ctx, id, store.LogPatch{
		Status:           &status,
		PromptTokens:     &prompt,
		CompletionTokens: &completion,
		ResponseTimeMS:   &ms,
		ObjectReference:  &key,
	})
	if err != nil {
		w.record(OutcomeStoreError)
		w.log.ErrorContext(ctx, "log_complete_failed",
			slog.String("log_id", id),
			slog.String("error", err.Error()),
		)
		return storageErr("complete log", err)
	}

	w.record(OutcomeComplete)
	return nil
}

// FailLog marks id as failed. elapsed is recorded when positive.
func (w *Writer) FailLog(ctx context.Context, id string, elapsed time.Duration) error {
	status := store.StatusError
	p := store.LogPatch{Status: &status}
	if elapsed > 0 {
		ms := int(elapsed.Milliseconds())
		p.ResponseTimeMS = &ms
	}
	if _, err := w.store.UpdateLog(ctx, id, p); err != nil {
		w.record(OutcomeStoreError)
		return storageErr("fail log", err)
	}
	w.record(OutcomeFailed)
	return nil
}

// ReadPayload returns the decompressed {request, response} document stored
// under ref.
func (w *Writer) ReadPayload(ctx context.Context, ref string) (json.RawMessage, error) {
	bctx, cancel := context.WithTimeout(ctx, w.blobTimeout)
	defer cancel()

	data, err := w.blobs.Get(bctx, ref)
	if err != nil {
		if errs.IsNotFound(err) {
			return nil, err
		}
		return nil, storageErr("read payload", err)
	}
	doc, err := DecodePayload(data)
	if err != nil {
		return nil, errs.Storage("decode payload", err)
	}
	return doc, nil
}

type payload struct {
	Request  any `json:"request"`
	Response any `json:"response"`
}

// EncodePayload gzips the JSON document {"request": ..., "response": ...}.
func EncodePayload(request, response any) ([]byte, error) {
	raw, err := json.Marshal(payload{Request: request, Response: response})
	if err != nil {
		return nil, fmt.Errorf("logwriter: marshal payload: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("logwriter: compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("logwriter: compress payload: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePayload reverses EncodePayload and checks the result is valid JSON.
func DecodePayload(data []byte) (json.RawMessage, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("logwriter: open payload: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("logwriter: decompress payload: %w", err)
	}
	if !json.Valid(raw) {
		return nil, errors.New("logwriter: payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func (w *Writer) record(outcome string) {
	if w.observe != nil {
		w.observe(outcome)
	}
}

// storageErr tags err as a storage failure unless it already is one.
func storageErr(op string, err error) error {
	if errors.Is(err, errs.ErrStorage) {
		return err
	}
	return errs.Storage(op, err)
}
