package modapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"guardbot/pkg/logx"
)

// Client talks to the moderation-record service (infractions).
//
// All calls are rate limited client-side and retried with jittered backoff on
// transport errors and 5xx responses. Each logical call carries one
// X-Request-ID across its retry chain so the server can spot duplicates.
type Client struct {
	cfg  Config
	log  logx.Logger
	http *http.Client
	lim  *rate.Limiter
}

type Config struct {
	BaseURL string
	Token   string

	Timeout    time.Duration // per-request; default 10s
	RatePerSec int           // default 5
	RetryMax   int           // default 3
}

// Infraction is a moderation record.
type Infraction struct {
	ID       int64     `json:"id"`
	Type     string    `json:"type"`
	UserID   int64     `json:"user_id"`
	Username string    `json:"username,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	ActorID  int64     `json:"actor_id,omitempty"`
	Active   bool      `json:"active"`
	Inserted time.Time `json:"inserted_at"`
}

// NewInfraction is the creation payload.
type NewInfraction struct {
	Type     string `json:"type"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username,omitempty"`
	Reason   string `json:"reason,omitempty"`
	ActorID  int64  `json:"actor_id,omitempty"`
	Hidden   bool   `json:"hidden,omitempty"`
}

// APIError is a non-2xx response from the service.
type APIError struct {
	Status    int
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("modapi: http %d: %s (request_id=%s)", e.Status, e.Message, e.RequestID)
	}
	return fmt.Sprintf("modapi: http %d (request_id=%s)", e.Status, e.RequestID)
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("modapi: base_url is required")
	}
	cfg.BaseURL = base
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		log:  log,
		http: &http.Client{Timeout: cfg.Timeout},
		lim:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}, nil
}

// CreateInfraction records a new infraction and returns it with its ID.
func (c *Client) CreateInfraction(ctx context.Context, inf NewInfraction) (Infraction, error) {
	var out Infraction
	err := c.do(ctx, http.MethodPost, "/infractions", inf, &out)
	return out, err
}

// ActiveWatches lists the active watch infractions.
func (c *Client) ActiveWatches(ctx context.Context) ([]Infraction, error) {
	var out []Infraction
	err := c.do(ctx, http.MethodGet, "/infractions?type=watch&active=true", nil, &out)
	return out, err
}

// CloseInfraction deactivates an infraction.
func (c *Client) CloseInfraction(ctx context.Context, id int64, reason string) error {
	body := struct {
		Active bool   `json:"active"`
		Reason string `json:"reason,omitempty"`
	}{Active: false, Reason: reason}
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/infractions/%d", id), body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("modapi: encode request: %w", err)
		}
		payload = b
	}

	reqID := uuid.NewString()
	var lastErr error

	for attempt := 0; attempt <= c.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			wait := backoff(attempt)
			c.log.Debug("retrying request",
				logx.String("method", method), logx.String("path", path),
				logx.Int("attempt", attempt), logx.Duration("backoff", wait),
				logx.String("request_id", reqID),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		if err := c.lim.Wait(ctx); err != nil {
			return err
		}

		retryable, err := c.once(ctx, method, path, reqID, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}
	return lastErr
}

// once performs a single HTTP attempt. It reports whether a failure may be retried.
func (c *Client) once(ctx context.Context, method, path, reqID string, payload []byte, out any) (retryable bool, err error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return false, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	req.Header.Set("X-Request-ID", reqID)

	resp, err := c.http.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Status: resp.StatusCode, RequestID: reqID}
		var e struct {
			Message string `json:"message"`
			Detail  string `json:"detail"`
		}
		if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e) == nil {
			apiErr.Message = e.Message
			if apiErr.Message == "" {
				apiErr.Message = e.Detail
			}
		}
		// Server-side failures are retryable; client errors are not.
		return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests, apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("modapi: decode response: %w", err)
	}
	return false, nil
}

func backoff(attempt int) time.Duration {
	base := 300 * time.Millisecond << (attempt - 1)
	if base > 5*time.Second {
		base = 5 * time.Second
	}
	// 20% jitter.
	j := int64(base) / 5
	if j > 0 {
		base += time.Duration(rand.Int63n(j + 1))
	}
	return base
}
