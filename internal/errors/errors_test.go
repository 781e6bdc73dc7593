package errors

import (
	stderrors "errors"
	"strings"
	"testing"
)

func TestAcquisitionErrorWrapping(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := NewAcquisitionError("rustfmt", "https://example.com/m.wasm", cause)

	if !stderrors.Is(err, cause) {
		t.Error("expected errors.Is to find the underlying cause")
	}
	if !strings.Contains(err.Error(), "rustfmt") {
		t.Errorf("expected linter name in message, got %q", err.Error())
	}

	var ae *AcquisitionError
	if !stderrors.As(err, &ae) {
		t.Error("expected errors.As to match *AcquisitionError")
	}
}

func TestIntegrityErrorMessage(t *testing.T) {
	err := NewIntegrityError("aaaa", "bbbb", "https://example.com/m.wasm")
	msg := err.Error()
	if !strings.Contains(msg, "aaaa") || !strings.Contains(msg, "bbbb") {
		t.Errorf("expected both digests in message, got %q", msg)
	}
}

func TestMetadataErrorWithoutLinter(t *testing.T) {
	err := NewMetadataError("", stderrors.New("missing section"))
	if strings.Contains(err.Error(), "for linter") {
		t.Errorf("unexpected linter clause in %q", err.Error())
	}
}

func TestMultiErrorFiltersNil(t *testing.T) {
	err := NewMultiError([]error{nil, stderrors.New("one"), nil})
	if len(err.Errors) != 1 {
		t.Fatalf("expected 1 error, got %d", len(err.Errors))
	}
	if err.Error() != "one" {
		t.Errorf("single error should render bare, got %q", err.Error())
	}
}

func TestConfigErrorFormatting(t *testing.T) {
	err := NewConfigError("linters[0].mode", "per-directory", stderrors.New("unknown mode"))
	if !strings.Contains(err.Error(), "per-directory") {
		t.Errorf("expected offending value in message, got %q", err.Error())
	}
}
