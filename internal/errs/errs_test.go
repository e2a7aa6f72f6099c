package errs

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestNotFound_Classification(t *testing.T) {
	err := fmt.Errorf("query: get model: %w", NotFound("model", "m1"))

	nf, ok := AsNotFound(err)
	if !ok {
		t.Fatalf("expected NotFoundError in chain, got %v", err)
	}
	if nf.Entity != "model" || nf.ID != "m1" {
		t.Errorf("unexpected fields: %+v", nf)
	}
	if IsUnsupportedProvider(err) {
		t.Error("NotFound must not classify as UnsupportedProvider")
	}
}

func TestStorage_KeepsCause(t *testing.T) {
	err := Storage("blob write", io.ErrUnexpectedEOF)

	if !errors.Is(err, ErrStorage) {
		t.Error("expected ErrStorage in chain")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("expected cause in chain")
	}
	if errors.Is(err, ErrUpstream) {
		t.Error("storage failure must not look like an upstream failure")
	}
}

func TestUpstream_NilCause(t *testing.T) {
	err := Upstream(nil)
	if !errors.Is(err, ErrUpstream) {
		t.Fatal("expected ErrUpstream")
	}
	if err.Error() == "" {
		t.Error("expected a message")
	}
}

func TestValidationAndConsistency(t *testing.T) {
	if !errors.Is(Validation("limit %d out of range", 500), ErrValidation) {
		t.Error("expected ErrValidation")
	}
	err := Consistency("log", "x", 2)
	if !errors.Is(err, ErrConsistency) {
		t.Error("expected ErrConsistency")
	}
	if IsNotFound(err) {
		t.Error("consistency error must not be NotFound")
	}
}

func TestProviderConfig_KeepsCause(t *testing.T) {
	cause := errors.New("base url is required")
	err := ProviderConfig("local", cause)
	if !errors.Is(err, ErrValidation) || !errors.Is(err, cause) {
		t.Fatalf("classification lost: %v", err)
	}
	if err.Error() != "invalid local provider configuration: base url is required" {
		t.Errorf("message = %q", err.Error())
	}
}
