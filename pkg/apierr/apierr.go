// Package apierr writes the gateway's JSON error envelope and maps domain
// errors onto HTTP statuses.
package apierr

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inference-gateway/internal/errs"
)

// ErrorType constants.
const (
	TypeProviderError  = "provider_error"
	TypeRateLimitError = "rate_limit_error"
	TypeInvalidRequest = "invalid_request_error"
	TypeNotFound       = "not_found_error"
	TypeServerError    = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeMissingAPIKey       = "missing_api_key"
	CodeInternalError       = "internal_error"
	CodeStorageError        = "storage_error"
	CodeConsistencyError    = "consistency_error"
	CodeProviderError       = "provider_error"
	CodeRequestTimeout      = "request_timeout"
	CodeInvalidRequest      = "invalid_request"
	CodeUnsupportedProvider = "unsupported_provider"
	CodeNotFound            = "not_found"
	CodeUnknownModel        = "unknown_model"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// statusCoder is implemented by provider errors that carry the upstream
// HTTP status.
type statusCoder interface {
	HTTPStatus() int
}

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteError maps err onto a status and writes it.
//
//	Validation, UnsupportedProvider → 400
//	Storage, Consistency            → 500
//	NotFound                        → 404
//	Upstream                        → WriteProviderError / WriteTimeout
//	anything else                   → 500
//
// Storage is checked before NotFound: a storage failure may wrap a missing
// blob and must still surface as 500.
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, errs.ErrValidation):
		Write(ctx, fasthttp.StatusBadRequest, err.Error(), TypeInvalidRequest, CodeInvalidRequest)
	case errs.IsUnsupportedProvider(err):
		Write(ctx, fasthttp.StatusBadRequest, err.Error(), TypeInvalidRequest, CodeUnsupportedProvider)
	case errors.Is(err, errs.ErrStorage):
		Write(ctx, fasthttp.StatusInternalServerError, "storage failure", TypeServerError, CodeStorageError)
	case errors.Is(err, errs.ErrConsistency):
		Write(ctx, fasthttp.StatusInternalServerError, err.Error(), TypeServerError, CodeConsistencyError)
	case errs.IsNotFound(err):
		Write(ctx, fasthttp.StatusNotFound, err.Error(), TypeNotFound, CodeNotFound)
	case errors.Is(err, errs.ErrUpstream):
		writeUpstream(ctx, err)
	default:
		Write(ctx, fasthttp.StatusInternalServerError, "internal server error", TypeServerError, CodeInternalError)
	}
}

// WriteInferenceError is WriteError for POST /inference, where a missing
// model is a semantic error in the request body: 422.
func WriteInferenceError(ctx *fasthttp.RequestCtx, err error) {
	if nf, ok := errs.AsNotFound(err); ok && nf.Entity == "model" && !errors.Is(err, errs.ErrStorage) {
		Write(ctx, fasthttp.StatusUnprocessableEntity, err.Error(), TypeInvalidRequest, CodeUnknownModel)
		return
	}
	WriteError(ctx, err)
}

func writeUpstream(ctx *fasthttp.RequestCtx, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		WriteTimeout(ctx)
		return
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
		return
	}
	Write(ctx, fasthttp.StatusBadGateway, err.Error(), TypeProviderError, CodeProviderError)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Default       → 502
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	if providerStatus == fasthttp.StatusTooManyRequests {
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
		return
	}
	Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}
