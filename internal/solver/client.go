// Package solver talks to a remote CAPTCHA solving service speaking the
// 2captcha in.php/res.php protocol.
package solver

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/causelist/api/schemas"
	"github.com/xkilldash9x/causelist/internal/config"
	"github.com/xkilldash9x/causelist/internal/observability"
)

var tracer = observability.Tracer("solver")

// Status classifies a solving-service reply.
type Status int

const (
	// StatusError covers every reply that is neither OK nor not-ready.
	StatusError Status = iota
	StatusOK
	StatusNotReady
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotReady:
		return "not_ready"
	default:
		return "error"
	}
}

const notReadyReply = "CAPCHA_NOT_READY"

// Response is a parsed "status|payload" reply.
type Response struct {
	Status  Status
	Payload string
}

// ParseResponse parses a raw reply body. OK replies carry the task id or the
// solution as payload; error replies carry the whole body.
func ParseResponse(body string) Response {
	body = strings.TrimSpace(body)
	if body == notReadyReply {
		return Response{Status: StatusNotReady}
	}
	if rest, ok := strings.CutPrefix(body, "OK|"); ok {
		return Response{Status: StatusOK, Payload: rest}
	}
	return Response{Status: StatusError, Payload: body}
}

// Client is safe for concurrent use; its limiter is shared across sessions.
type Client struct {
	http    *resty.Client
	apiKey  string
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient builds a client from the solver configuration.
func NewClient(cfg config.SolverConfig, logger *zap.Logger) *Client {
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	client.SetTimeout(cfg.RequestTimeout)
	client.SetHeader("User-Agent", "causelist/1.0")

	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &Client{
		http:    client,
		apiKey:  cfg.APIKey,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.Named("solver"),
	}
}

// Submit uploads an image and returns the service's task id. Any failure is
// ErrChallengeSubmissionFailed.
func (c *Client) Submit(ctx context.Context, image []byte) (taskID string, err error) {
	ctx, span := tracer.Start(ctx, "Submit")
	defer func() { observability.EndSpan(span, err) }()

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"key":    c.apiKey,
			"method": "base64",
			"body":   base64.StdEncoding.EncodeToString(image),
		}).
		Post("/in.php")
	if err != nil {
		return "", fmt.Errorf("%w: %v", schemas.ErrChallengeSubmissionFailed, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("%w: http %d", schemas.ErrChallengeSubmissionFailed, resp.StatusCode())
	}

	parsed := ParseResponse(resp.String())
	if parsed.Status != StatusOK || parsed.Payload == "" {
		return "", fmt.Errorf("%w: service replied %q", schemas.ErrChallengeSubmissionFailed, parsed.Payload)
	}
	span.SetAttributes(attribute.String("task_id", parsed.Payload))
	c.logger.Debug("Challenge submitted.", zap.String("task_id", parsed.Payload), zap.Int("image_bytes", len(image)))
	return parsed.Payload, nil
}

// Poll asks once for the result of taskID. Transport failures are returned as errors.
func (c *Client) Poll(ctx context.Context, taskID string) (Response, error) {
	ctx, span := tracer.Start(ctx, "Poll")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", taskID))

	if err := c.limiter.Wait(ctx); err != nil {
		return Response{}, err
	}
	started := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"key":    c.apiKey,
			"action": "get",
			"id":     taskID,
		}).
		Get("/res.php")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "poll request failed")
		return Response{}, fmt.Errorf("poll task %s: %w", taskID, err)
	}
	if resp.IsError() {
		err := fmt.Errorf("poll task %s: http %d", taskID, resp.StatusCode())
		span.SetStatus(codes.Error, err.Error())
		return Response{}, err
	}

	parsed := ParseResponse(resp.String())
	span.SetAttributes(attribute.String("status", parsed.Status.String()))
	c.logger.Debug("Polled challenge task.",
		zap.String("task_id", taskID),
		zap.Stringer("status", parsed.Status),
		zap.Duration("latency", time.Since(started)),
	)
	return parsed, nil
}
