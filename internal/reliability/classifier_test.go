package reliability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(2, base, capDur); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %v, want 400ms", got)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestBackoffExhausted(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 8 * time.Second, MaxAttempts: 5}
	if b.Exhausted(4) {
		t.Fatalf("Exhausted(4) = true, want false")
	}
	if !b.Exhausted(5) {
		t.Fatalf("Exhausted(5) = false, want true")
	}
	if got := b.Delay(4); got != 8*time.Second {
		t.Fatalf("Delay(4) = %v, want 8s", got)
	}
	if (Backoff{}).Exhausted(100) {
		t.Fatalf("zero MaxAttempts should never exhaust")
	}
}

func TestClassifyStreamError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{"normal close", &websocket.CloseError{Code: websocket.CloseNormalClosure}, "closed", false},
		{"wrapped eof", fmt.Errorf("read: %w", io.EOF), "closed", false},
		{"server error close", &websocket.CloseError{Code: websocket.CloseInternalServerErr}, "close_internal", false},
		{"canceled", context.Canceled, "canceled", false},
		{"deadline", context.DeadlineExceeded, "timeout", true},
		{"other", errors.New("invalid message format"), "transient", true},
	}
	for _, tc := range cases {
		code, retryable := ClassifyStreamError(tc.err)
		if code != tc.code || retryable != tc.retryable {
			t.Fatalf("%s: ClassifyStreamError() = (%q, %v), want (%q, %v)", tc.name, code, retryable, tc.code, tc.retryable)
		}
	}
}
