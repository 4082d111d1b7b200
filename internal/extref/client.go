// Package extref talks to the external bug tracker that tasks reference and
// caches what it learns.
package extref

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stasm/todo/internal/logging"
)

// ErrNotFound is returned when the tracker does not know the reference.
var ErrNotFound = errors.New("external reference not found")

// Source reports when an external reference last changed.
type Source interface {
	LastModified(ctx context.Context, ref string) (time.Time, error)
}

// TimeLayout is the tracker's timestamp format.
const TimeLayout = "2006-01-02T15:04:05Z"

// Client queries a Bugzilla-style REST API: GET {base}/bug/{ref}.
type Client struct {
	BaseURL    string
	HTTP       *http.Client
	MaxRetries int
	Logger     *slog.Logger
	// NewBackOff returns the retry policy for one lookup.
	NewBackOff func() backoff.BackOff
}

func NewClient(baseURL string, timeout time.Duration, maxRetries int) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTP:       &http.Client{Timeout: timeout},
		MaxRetries: maxRetries,
		Logger:     logging.NewNop(),
		NewBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 200 * time.Millisecond
			bo.MaxElapsedTime = 30 * time.Second
			return bo
		},
	}
}

type bugResponse struct {
	Bugs []struct {
		ID             int    `json:"id"`
		LastChangeTime string `json:"last_change_time"`
	} `json:"bugs"`
}

func (c *Client) LastModified(ctx context.Context, ref string) (time.Time, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return time.Time{}, fmt.Errorf("%w: empty reference", ErrNotFound)
	}
	endpoint := fmt.Sprintf("%s/bug/%s?include_fields=id,last_change_time", c.BaseURL, url.PathEscape(ref))

	var ts time.Time
	attempt := 0
	op := func() error {
		attempt++
		var err error
		ts, err = c.fetch(ctx, endpoint)
		if err != nil {
			c.Logger.Debug("extref lookup failed", "ref", ref, "attempt", attempt, "error", err)
		}
		return err
	}
	bo := c.NewBackOff()
	if c.MaxRetries >= 0 {
		bo = backoff.WithMaxRetries(bo, uint64(c.MaxRetries))
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return time.Time{}, err
	}
	return ts, nil
}

func (c *Client) fetch(ctx context.Context, endpoint string) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return time.Time{}, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return time.Time{}, backoff.Permanent(ErrNotFound)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return time.Time{}, fmt.Errorf("bug tracker returned %s", resp.Status)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return time.Time{}, backoff.Permanent(fmt.Errorf("bug tracker returned %s: %s", resp.Status, strings.TrimSpace(string(body))))
	}

	var payload bugResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return time.Time{}, backoff.Permanent(fmt.Errorf("decode bug response: %w", err))
	}
	if len(payload.Bugs) == 0 {
		return time.Time{}, backoff.Permanent(ErrNotFound)
	}
	ts, err := time.Parse(TimeLayout, payload.Bugs[0].LastChangeTime)
	if err != nil {
		return time.Time{}, backoff.Permanent(fmt.Errorf("parse last_change_time: %w", err))
	}
	return ts, nil
}
