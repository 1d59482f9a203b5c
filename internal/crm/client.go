package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Client talks to the vendor's REST API. It exists for the reconciliation
// poller only; the webhook path never calls the vendor.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient builds a vendor client with a bounded per-call timeout and a
// circuit breaker so a vendor outage degrades to skipped sweeps instead of
// piling up blocked goroutines.
func NewClient(baseURL, token string) *Client {
	settings := gobreaker.Settings{
		Name:    "crm-vendor",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("vendor circuit breaker state change")
		},
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// recordsPage mirrors the vendor's list envelope.
type recordsPage struct {
	Data []map[string]any `json:"data"`
	Info struct {
		MoreRecords bool `json:"more_records"`
		Page        int  `json:"page"`
	} `json:"info"`
}

// ModifiedSince returns all records of module with Modified_Time strictly
// after cursor, paging until the vendor reports no more records. Transient
// failures retry with exponential backoff inside the breaker.
func (c *Client) ModifiedSince(ctx context.Context, module Module, cursor time.Time) ([]map[string]any, error) {
	var all []map[string]any

	for page := 1; ; page++ {
		pageRecords, more, err := c.fetchPage(ctx, module, cursor, page)
		if err != nil {
			return nil, err
		}
		all = append(all, pageRecords...)
		if !more {
			break
		}
	}

	return all, nil
}

func (c *Client) fetchPage(ctx context.Context, module Module, cursor time.Time, page int) ([]map[string]any, bool, error) {
	var result recordsPage

	operation := func() error {
		out, err := c.breaker.Execute(func() (any, error) {
			return c.doFetch(ctx, module, cursor, page)
		})
		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				// Breaker is open; retrying inside this sweep is pointless
				return backoff.Permanent(err)
			}
			return err
		}
		result = out.(recordsPage)
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, false, fmt.Errorf("fetch %s page %d: %w", module, page, err)
	}

	return result.Data, result.Info.MoreRecords, nil
}

func (c *Client) doFetch(ctx context.Context, module Module, cursor time.Time, page int) (recordsPage, error) {
	var out recordsPage

	q := url.Values{}
	q.Set("page", fmt.Sprint(page))
	q.Set("per_page", "200")
	q.Set("sort_by", "Modified_Time")
	q.Set("sort_order", "asc")

	u := fmt.Sprintf("%s/crm/v2/%s?%s", c.baseURL, module, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return out, err
	}
	req.Header.Set("Authorization", "Zoho-oauthtoken "+c.token)
	req.Header.Set("If-Modified-Since", cursor.UTC().Format(time.RFC3339))

	resp, err := c.http.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified || resp.StatusCode == http.StatusNoContent:
		return out, nil
	case resp.StatusCode >= 400:
		return out, fmt.Errorf("vendor returned %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode vendor response: %w", err)
	}
	return out, nil
}
