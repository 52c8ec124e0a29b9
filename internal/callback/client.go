// Package callback implements the executor-side callback client that
// reports task progress and terminal results back to the manager, and the
// manager-side handler that receives them and dispatches by task_type.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/rs/zerolog"
)

var tracer = otel.Tracer("sandbox-control-plane/callback")

// Payload is the callback body sent from executor to manager, grounded on
// original_source/executor_manager/routers/routers.py's CallbackRequest.
type Payload struct {
	TaskID            int64          `json:"task_id"`
	SubtaskID         int64          `json:"subtask_id"`
	TaskTitle         string         `json:"task_title,omitempty"`
	SubtaskTitle      string         `json:"subtask_title,omitempty"`
	Progress          int            `json:"progress"`
	ExecutorName      string         `json:"executor_name,omitempty"`
	ExecutorNamespace string         `json:"executor_namespace,omitempty"`
	Status            string         `json:"status,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	Result            map[string]any `json:"result,omitempty"`
	TaskType          string         `json:"task_type,omitempty"`
	SandboxMetadata   map[string]any `json:"sandbox_metadata,omitempty"`
}

// Result mirrors the {"status": ..., "error_msg": ...} shape the Python
// client returns from send_callback regardless of success or exhaustion.
type Result struct {
	Status   string `json:"status"`
	ErrorMsg string `json:"error_msg,omitempty"`
}

const (
	statusSuccess = "success"
	statusFailed  = "failed"

	defaultTimeout      = 10 * time.Second
	defaultMaxRetries   = 10
	defaultRetryDelay   = time.Second
	defaultRetryBackoff = 2
)

// Client sends callbacks to the manager's /callback endpoint with bounded
// exponential-backoff retry, grounded on
// original_source/executor/callback/callback_client.py's CallbackClient.
type Client struct {
	callbackURL  string
	httpClient   *http.Client
	maxRetries   int
	retryDelay   time.Duration
	retryBackoff int
	log          zerolog.Logger
	sleep        func(time.Duration)
}

// New constructs a Client posting to callbackURL.
func New(callbackURL string, log zerolog.Logger) *Client {
	return &Client{
		callbackURL:  callbackURL,
		httpClient:   &http.Client{Timeout: defaultTimeout},
		maxRetries:   defaultMaxRetries,
		retryDelay:   defaultRetryDelay,
		retryBackoff: defaultRetryBackoff,
		log:          log.With().Str("component", "callback_client").Logger(),
		sleep:        time.Sleep,
	}
}

// SendCallback posts payload, retrying transient failures with exponential
// backoff. 200, 201 and 204 are success; 4xx is a terminal client error (not
// retried); a request error, timeout, or any other status (5xx included) is
// retried up to maxRetries times. The
// final outcome is always returned as a Result rather than an error,
// mirroring the Python client's "never raise out of send_callback" contract.
func (c *Client) SendCallback(ctx context.Context, payload Payload) Result {
	c.log.Info().
		Int64("task_id", payload.TaskID).
		Int64("subtask_id", payload.SubtaskID).
		Int("progress", payload.Progress).
		Str("task_type", payload.TaskType).
		Msg("sending callback")

	delay := c.retryDelay
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		result, terminal, err := c.doSend(ctx, payload)
		if err == nil {
			return result
		}
		lastErr = err
		if terminal {
			return result
		}
		if attempt == c.maxRetries {
			break
		}
		c.log.Warn().Err(err).Int("attempt", attempt+1).Int("max_retries", c.maxRetries).
			Dur("retry_in", delay).Msg("callback failed, retrying")
		c.sleep(delay)
		delay *= time.Duration(c.retryBackoff)
	}
	c.log.Error().Err(lastErr).Int("retries", c.maxRetries).Msg("callback failed after retries exhausted")
	return Result{Status: statusFailed, ErrorMsg: fmt.Sprintf("%v", lastErr)}
}

// doSend performs one HTTP attempt. terminal=true means the caller should
// stop retrying (a 4xx client error, matching _handle_response).
func (c *Client) doSend(ctx context.Context, payload Payload) (Result, bool, error) {
	ctx, span := tracer.Start(ctx, "callback.send", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, true, fmt.Errorf("marshal callback payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.callbackURL, bytes.NewReader(body))
	if err != nil {
		return Result{}, true, fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusNoContent:
		io.ReadAll(resp.Body)
		return Result{Status: statusSuccess}, false, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		data, _ := io.ReadAll(resp.Body)
		msg := fmt.Sprintf("client error (%d) during callback: %s", resp.StatusCode, string(data))
		return Result{Status: statusFailed, ErrorMsg: msg}, true, errors.New(msg)
	default:
		data, _ := io.ReadAll(resp.Body)
		return Result{}, false, fmt.Errorf("server error (%d) during callback: %s", resp.StatusCode, string(data))
	}
}
