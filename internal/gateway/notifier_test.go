package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimbusworks/taskpipe/internal/config"
)

func TestNotifyDeliversPayload(t *testing.T) {
	var got NotifyPayload
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(config.EvaluatorConfig{RequestTimeout: 2 * time.Second, RetryMaxWait: 50 * time.Millisecond})
	err := n.Notify(context.Background(), srv.URL, NotifyPayload{
		Subject:   "dev@example.com",
		Task:      "landing-page",
		Round:     2,
		SubmitKey: "nonce-9",
		RepoURL:   "https://github.com/acme/task-n9-r2",
		CommitSHA: "abc",
		PagesURL:  "https://acme.github.io/task-n9-r2/",
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls=%d want 1", calls)
	}
	if got.SubmitKey != "nonce-9" || got.Subject != "dev@example.com" || got.Round != 2 {
		t.Fatalf("payload mismatch: %+v", got)
	}
}

func TestNotifyStopsOnPermanentStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(config.EvaluatorConfig{RequestTimeout: 2 * time.Second, RetryMaxWait: 50 * time.Millisecond})
	err := n.Notify(context.Background(), srv.URL, NotifyPayload{SubmitKey: "nonce-10"})
	if err == nil {
		t.Fatalf("want error")
	}
	var ge *Error
	if !errors.As(err, &ge) || ge.Transient {
		t.Fatalf("422 must surface permanent: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("permanent status retried: calls=%d", calls)
	}
}

func TestNotifySurfacesTransientAfterBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	// tiny retry window so the in-call backoff gives up fast; the queue layer
	// owns long-horizon retry
	n := NewHTTPNotifier(config.EvaluatorConfig{RequestTimeout: 2 * time.Second, RetryMaxWait: 20 * time.Millisecond})
	err := n.Notify(context.Background(), srv.URL, NotifyPayload{SubmitKey: "nonce-11"})
	if err == nil {
		t.Fatalf("want error")
	}
	if !IsTransient(err) {
		t.Fatalf("503 must stay transient for queue-level retry: %v", err)
	}
}
