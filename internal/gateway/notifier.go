package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nimbusworks/taskpipe/internal/config"
)

// NotifyPayload is the outbound evaluator notification body.
type NotifyPayload struct {
	Subject   string `json:"email"`
	Task      string `json:"task"`
	Round     int    `json:"round"`
	SubmitKey string `json:"nonce"`
	RepoURL   string `json:"repo_url,omitempty"`
	CommitSHA string `json:"commit_sha,omitempty"`
	PagesURL  string `json:"pages_url,omitempty"`
}

// EvaluatorNotifier delivers the completion notification. Implementations must
// tolerate being called more than once for the same submit key; the evaluator
// treats duplicate notifications as idempotent.
type EvaluatorNotifier interface {
	Notify(ctx context.Context, evaluationURL string, payload NotifyPayload) error
}

// HTTPNotifier POSTs the payload with a short in-call exponential backoff;
// failures that survive the backoff window bubble up classified, so the queue
// layer decides between redelivery and terminal failure.
type HTTPNotifier struct {
	cfg    config.EvaluatorConfig
	client *http.Client
}

func NewHTTPNotifier(cfg config.EvaluatorConfig) *HTTPNotifier {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.RetryMaxWait <= 0 {
		cfg.RetryMaxWait = 16 * time.Second
	}
	return &HTTPNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

func (n *HTTPNotifier) Notify(ctx context.Context, evaluationURL string, payload NotifyPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return permanentErr("notify_evaluator", 0, err.Error())
	}

	operation := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, evaluationURL, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(permanentErr("notify_evaluator", 0, err.Error()))
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := n.client.Do(req)
		if err != nil {
			return struct{}{}, transientErr("notify_evaluator", err)
		}
		defer func() { _ = resp.Body.Close() }()
		b, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return struct{}{}, nil
		}
		ge := classifyStatus("notify_evaluator", resp.StatusCode, truncate(string(b)))
		if !ge.Transient {
			return struct{}{}, backoff.Permanent(ge)
		}
		return struct{}{}, ge
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = n.cfg.RetryMaxWait

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(n.cfg.RetryMaxWait*4),
	)
	return err
}
