package whip

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"medlink/internal/core/domain"
	"medlink/pkg/tracing"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	ContentTypeSDP = "application/sdp"

	// maxBodySize caps answers and error bodies read from the relay.
	maxBodySize = 1 << 20
)

// Client exchanges an offer for an answer with a WHIP endpoint. It never retries.
type Client struct {
	httpClient *http.Client
	token      string
	logger     *zap.SugaredLogger
}

// NewClient creates a signaling client with the given request timeout.
func NewClient(timeout time.Duration, logger *zap.SugaredLogger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// SetToken sets the bearer token sent with every offer
func (c *Client) SetToken(token string) {
	c.token = token
}

// Exchange posts the offer body and returns the response body as the answer.
// Any non-2xx status is returned as *domain.SignalingError carrying that status;
// a transport failure is a *domain.SignalingError with status 0.
func (c *Client) Exchange(ctx context.Context, offer domain.SessionDescription, endpoint string) (domain.SessionDescription, error) {
	ctx, span := tracing.TraceSignaling(ctx, endpoint)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(offer.Body))
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to build offer request: %w", err)
	}
	req.Header.Set("Content-Type", ContentTypeSDP)
	req.Header.Set("Accept", ContentTypeSDP)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		sigErr := &domain.SignalingError{Err: err}
		tracing.RecordError(ctx, sigErr)
		return domain.SessionDescription{}, sigErr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		sigErr := &domain.SignalingError{Status: resp.StatusCode, Err: fmt.Errorf("failed to read answer: %w", err)}
		tracing.RecordError(ctx, sigErr)
		return domain.SessionDescription{}, sigErr
	}
	oversized := len(body) > maxBodySize
	if oversized {
		body = body[:maxBodySize]
	}

	span.SetAttributes(tracing.StatusCodeKey.Int(resp.StatusCode))
	tracing.MeasureDuration(ctx, start, "whip.exchange")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		sigErr := &domain.SignalingError{
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(body)),
		}
		tracing.RecordError(ctx, sigErr)
		c.logger.Warnw("relay rejected offer",
			"endpoint", endpoint,
			"status", resp.StatusCode,
		)
		return domain.SessionDescription{}, sigErr
	}

	if oversized {
		sigErr := &domain.SignalingError{
			Status: resp.StatusCode,
			Body:   fmt.Sprintf("answer exceeds %d bytes", maxBodySize),
		}
		tracing.RecordError(ctx, sigErr)
		return domain.SessionDescription{}, sigErr
	}

	if location := resp.Header.Get("Location"); location != "" {
		c.logger.Debugw("relay created publish resource", "location", location)
	}
	span.SetStatus(codes.Ok, "")

	return domain.SessionDescription{
		Type: domain.SDPTypeAnswer,
		Body: string(body),
	}, nil
}
