package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"go.uber.org/zap"

	"github.com/chainsafe/cspr-bridge-relayer/internal/metrics"
)

const (
	actionsPath = "v1/actions"
	// maxErrorBody bounds how much of a failed response is kept for the error.
	maxErrorBody = 4 << 10
)

// HTTPConfig configures the HTTP executor.
type HTTPConfig struct {
	URL       string
	AuthToken string
	Timeout   time.Duration `default:"30s"`
}

// HTTPExecutor posts actions to an executor service.
//
// Requests carry the action's SourceRef in the Idempotency-Key header. A 409
// response means the service already accepted the action and counts as
// success. 408, 429 and 5xx responses and transport errors are retryable; any
// other status is permanent.
type HTTPExecutor struct {
	endpoint string
	token    string
	client   *http.Client
	logger   *zap.Logger
}

var _ Executor = (*HTTPExecutor)(nil)

// NewHTTPExecutor creates an executor for the service at cfg.URL.
func NewHTTPExecutor(cfg HTTPConfig, logger *zap.Logger) (*HTTPExecutor, error) {
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply executor defaults: %w", err)
	}
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid executor url: %w", err)
	}
	endpoint, err := url.JoinPath(cfg.URL, actionsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to build executor url: %w", err)
	}

	return &HTTPExecutor{
		endpoint: endpoint,
		token:    cfg.AuthToken,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger.Named("executor"),
	}, nil
}

// Execute submits action and waits for the service to accept it.
func (e *HTTPExecutor) Execute(ctx context.Context, action *Action) (*Result, error) {
	start := time.Now()
	res, err := e.post(ctx, action)

	target, kind := string(action.TargetChain), string(action.Kind)
	metrics.ActionDuration.WithLabelValues(target, kind).Observe(time.Since(start).Seconds())

	switch {
	case err == nil && res.Duplicate:
		metrics.ActionsTotal.WithLabelValues(target, kind, "duplicate").Inc()
		e.logger.Info("Action already accepted",
			zap.String("source_ref", action.SourceRef),
			zap.String("reference", res.Reference))
	case err == nil:
		metrics.ActionsTotal.WithLabelValues(target, kind, "success").Inc()
		e.logger.Info("Action accepted",
			zap.String("source_ref", action.SourceRef),
			zap.String("target_chain", target),
			zap.String("action", kind),
			zap.String("reference", res.Reference))
	case IsRetryable(err):
		metrics.ActionsTotal.WithLabelValues(target, kind, "retryable").Inc()
	default:
		metrics.ActionsTotal.WithLabelValues(target, kind, "permanent").Inc()
	}
	return res, err
}

func (e *HTTPExecutor) post(ctx context.Context, action *Action) (*Result, error) {
	body, err := json.Marshal(action)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("failed to marshal action: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", action.SourceRef)
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &Error{Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res := new(Result)
		if err := json.NewDecoder(resp.Body).Decode(res); err != nil && !errors.Is(err, io.EOF) {
			return nil, &Error{StatusCode: resp.StatusCode, Retryable: true, Err: fmt.Errorf("failed to decode response: %w", err)}
		}
		return res, nil
	case resp.StatusCode == http.StatusConflict:
		res := new(Result)
		_ = json.NewDecoder(resp.Body).Decode(res)
		res.Duplicate = true
		return res, nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, &Error{
		StatusCode: resp.StatusCode,
		Retryable:  retryableStatus(resp.StatusCode),
		Err:        errors.New(strings.TrimSpace(string(msg))),
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}
