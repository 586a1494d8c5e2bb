// Package api is the HTTP client for the interview service handshake.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lexiqai/interview-client/internal/observability"
	"github.com/lexiqai/interview-client/internal/protocol"
	"github.com/lexiqai/interview-client/internal/resilience"
)

const startInterviewPath = "/start-interview/"

var (
	// ErrEmptySessionID is returned when a 2xx response carries no session id.
	ErrEmptySessionID = errors.New("service returned an empty session id")
	// ErrInvalidRole is returned before any request is made.
	ErrInvalidRole = errors.New("invalid interviewer role")
)

// StatusError is a non-2xx handshake response.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("start interview: status %d: %s", e.Code, e.Detail)
}

// Client creates interview sessions.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      *resilience.RetryConfig
	tracer     trace.Tracer
	logger     zerolog.Logger
}

// NewClient returns a client for the service at baseURL. Requests are
// traced through otelhttp and bounded by timeout.
func NewClient(baseURL string, timeout time.Duration, retry *resilience.RetryConfig) *Client {
	if retry == nil {
		retry = resilience.DefaultRetryConfig()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		retry:  retry,
		tracer: otel.Tracer("github.com/lexiqai/interview-client/internal/api"),
		logger: observability.WithComponent("api"),
	}
}

// CreateSession posts the job description and role and returns the new
// session id. Only network failures before the request was written are
// retried, since the service creates a session per request. A non-2xx
// response is returned immediately as a *StatusError.
func (c *Client) CreateSession(ctx context.Context, jobDescription string, role protocol.Role) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, string(role))
	}

	ctx, span := c.tracer.Start(ctx, "api.CreateSession",
		trace.WithAttributes(
			attribute.String("interview.role", string(role)),
			attribute.Int("interview.job_description_length", len(jobDescription)),
		),
	)
	defer span.End()

	body, err := json.Marshal(protocol.StartInterviewRequest{
		JobDescriptionText: jobDescription,
		InterviewerRole:    role,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	var sessionID string
	attempt := 0
	err = resilience.Retry(ctx, func(ctx context.Context) error {
		attempt++
		id, err := c.post(ctx, body)
		if err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("Session create attempt failed")
			return err
		}
		sessionID = id
		return nil
	}, c.retry, isRetryable)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	span.SetAttributes(attribute.String("interview.session_id", sessionID))
	c.logger.Info().Str("session_id", sessionID).Str("role", string(role)).Msg("Interview session created")
	return sessionID, nil
}

func (c *Client) post(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+startInterviewPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	var wrote atomic.Bool
	req = req.WithContext(httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				wrote.Store(true)
			}
		},
	}))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		err = fmt.Errorf("request failed: %w", err)
		if !wrote.Load() && resilience.IsRetryableNetworkError(err) {
			return "", resilience.NewRetryableError(err)
		}
		return "", err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{Code: resp.StatusCode, Detail: errorDetail(resp, payload)}
	}

	var out protocol.StartInterviewResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", &StatusError{Code: resp.StatusCode, Detail: "malformed response body"}
	}
	if out.SessionID == "" {
		return "", ErrEmptySessionID
	}
	return out.SessionID, nil
}

// errorDetail extracts {detail} from an error body, falling back to the
// HTTP status text.
func errorDetail(resp *http.Response, payload []byte) string {
	var e protocol.ErrorResponse
	if err := json.Unmarshal(payload, &e); err == nil && e.Detail != "" {
		return e.Detail
	}
	if text := http.StatusText(resp.StatusCode); text != "" {
		return text
	}
	return resp.Status
}

// isRetryable accepts only errors post marked as never reaching the service.
func isRetryable(err error) bool {
	return resilience.IsRetryable(err)
}

// Detail returns the user-facing reason for a handshake failure.
func Detail(err error) string {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Detail
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err.Error()
	}
	return err.Error()
}

// Ping reports whether the service answers HTTP at all. Used by the
// readiness endpoint.
func (c *Client) Ping(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return false, fmt.Errorf("service returned status %d", resp.StatusCode)
	}
	return true, nil
}
