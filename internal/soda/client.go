// Package soda is a minimal client for Socrata Open Data API datasets
// (the NYS health data portal exposes SPARCS-style records this way).
package soda

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// RawRecord is one dataset row as served by the API. Socrata serializes
// every field as a string; parsing and shape validation happen downstream.
type RawRecord struct {
	PatientID     string `json:"patient_id"`
	RecordDate    string `json:"record_date"`
	Age           string `json:"age"`
	Gender        string `json:"gender"`
	County        string `json:"county"`
	Condition     string `json:"condition"`
	AdmissionType string `json:"admission_type"`
	LengthOfStay  string `json:"length_of_stay"`
	TotalCost     string `json:"total_cost"`
	Readmission   string `json:"readmission"`
}

type Client struct {
	BaseURL   string // e.g. https://health.data.ny.gov
	DatasetID string // Socrata 4x4 id
	AppToken  string // sent as X-App-Token; raises the rate limit

	HTTPClient  *http.Client
	PageSize    int
	MaxAttempts int
	RetryBase   time.Duration
	RetryCap    time.Duration
}

func NewClient(baseURL, datasetID, appToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		DatasetID:   datasetID,
		AppToken:    appToken,
		HTTPClient:  &http.Client{Timeout: 60 * time.Second},
		PageSize:    5000,
		MaxAttempts: 5,
		RetryBase:   500 * time.Millisecond,
		RetryCap:    30 * time.Second,
	}
}

// FetchWindow pages through all records whose record_date falls in
// [start, end), ordered by record_date so pagination is stable.
func (c *Client) FetchWindow(ctx context.Context, start, end time.Time) ([]RawRecord, error) {
	if c.DatasetID == "" {
		return nil, fmt.Errorf("missing dataset id")
	}

	where := fmt.Sprintf("record_date >= '%s' AND record_date < '%s'",
		start.UTC().Format("2006-01-02T15:04:05"),
		end.UTC().Format("2006-01-02T15:04:05"),
	)

	var all []RawRecord
	offset := 0
	for {
		page, err := c.fetchPage(ctx, where, offset)
		if err != nil {
			return nil, fmt.Errorf("fetch page offset=%d: %w", offset, err)
		}
		all = append(all, page...)
		if len(page) < c.PageSize {
			return all, nil
		}
		offset += c.PageSize
	}
}

func (c *Client) fetchPage(ctx context.Context, where string, offset int) ([]RawRecord, error) {
	q := url.Values{}
	q.Set("$limit", strconv.Itoa(c.PageSize))
	q.Set("$offset", strconv.Itoa(offset))
	q.Set("$order", "record_date")
	q.Set("$where", where)

	endpoint := fmt.Sprintf("%s/resource/%s.json?%s", c.BaseURL, c.DatasetID, q.Encode())

	body, err := c.getWithRetry(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var page []RawRecord
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("decode dataset page: %w", err)
	}
	return page, nil
}

// getWithRetry retries transport errors and retryable statuses (429 and
// common gateway 5xx) with capped exponential backoff.
func (c *Client) getWithRetry(ctx context.Context, endpoint string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < c.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := c.RetryBase << (attempt - 1)
			if wait > c.RetryCap {
				wait = c.RetryCap
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("accept", "application/json")
		if c.AppToken != "" {
			req.Header.Set("X-App-Token", c.AppToken)
		}

		res, err := c.HTTPClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		raw, readErr := io.ReadAll(res.Body)
		res.Body.Close()

		if res.StatusCode == http.StatusOK {
			if readErr != nil {
				lastErr = readErr
				continue
			}
			return raw, nil
		}

		if !retryableStatus(res.StatusCode) {
			return nil, fmt.Errorf("dataset request failed: status=%d body=%s", res.StatusCode, truncate(string(raw), 300))
		}
		lastErr = fmt.Errorf("status %d", res.StatusCode)
	}

	return nil, fmt.Errorf("dataset request failed after %d attempts: %w", c.MaxAttempts, lastErr)
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
