package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeErrorIsMatchesByCode(t *testing.T) {
	err := ErrResourceLocked.WrapMsg("held", "resource", "demo-1/main.go")
	if !errors.Is(err, ErrResourceLocked) {
		t.Fatalf("expected %v to match RESOURCE_LOCKED", err)
	}
	if errors.Is(err, ErrNotOwner) {
		t.Fatalf("RESOURCE_LOCKED must not match NOT_OWNER")
	}

	wrapped := fmt.Errorf("request lock: %w", err)
	if !errors.Is(wrapped, ErrResourceLocked) {
		t.Fatalf("wrapped error lost its code")
	}
	if ErrResourceLocked.Detail != "" {
		t.Fatalf("WrapMsg mutated the shared error: %q", ErrResourceLocked.Detail)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ErrAuthMissingUser, http.StatusUnauthorized},
		{ErrAdminRequired, http.StatusForbidden},
		{ErrResourceLocked, http.StatusConflict},
		{ErrNotFound.WithDetail("lock_1"), http.StatusNotFound},
		{ErrInvalidArgument, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := HTTPStatus(c.err); got != c.want {
			t.Fatalf("HTTPStatus(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestFromFallsBackToInternal(t *testing.T) {
	ce := From(errors.New("disk on fire"))
	if ce.Code != ErrInternal.Code || ce.Detail != "disk on fire" {
		t.Fatalf("unexpected conversion: %+v", ce)
	}
	if From(nil) != nil {
		t.Fatalf("From(nil) should be nil")
	}
}
