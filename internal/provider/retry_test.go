package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestRetryPolicy_DelayIsCapped(t *testing.T) {
	p := retryPolicy{Retries: 5, Base: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond}
	for attempt := 1; attempt <= 6; attempt++ {
		d := p.delay(attempt, 0)
		if d < p.Base || d > p.MaxDelay+p.MaxDelay/2 {
			t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, p.Base, p.MaxDelay*3/2)
		}
	}
	if d := p.delay(1, 30*time.Millisecond); d != 30*time.Millisecond {
		t.Fatalf("Retry-After within the cap should be used as is, got %v", d)
	}
	if d := p.delay(1, time.Hour); d > p.MaxDelay*3/2 {
		t.Fatalf("oversized Retry-After must be ignored, got %v", d)
	}
}

func TestRetryPolicy_GivesUpWithLastStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Retry-After", "1")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := retryPolicy{Retries: 2, Base: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	_, err := p.do(context.Background(), srv.Client(), func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, srv.URL, nil)
	}, testLogger())

	var serr *StatusError
	if !errors.As(err, &serr) || serr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 StatusError, got %v", err)
	}
	if serr.RetryAfter != time.Second {
		t.Fatalf("RetryAfter = %v", serr.RetryAfter)
	}
	if hits.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits.Load())
	}
}

func TestRetryPolicy_StopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	p := retryPolicy{Retries: 3, Base: time.Hour, MaxDelay: time.Hour}
	done := make(chan error, 1)
	go func() {
		_, err := p.do(ctx, srv.Client(), func() (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
		}, testLogger())
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry loop ignored cancellation")
	}
}
