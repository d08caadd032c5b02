package erp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client is an HTTP client for one cooperative's ERP endpoint. Requests are
// rate limited per the connection settings.
type Client struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
}

// NewClient builds a client from connection settings.
func NewClient(cfg ConnectionConfig) (*Client, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("erp: base url is empty")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("erp: api key is empty")
	}
	interval := time.Minute / time.Duration(cfg.RateLimitPerMin)
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		apiKeyHdr: cfg.APIKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.Tick(interval),
	}, nil
}

type listResponse struct {
	Data  []map[string]any `json:"data"`
	Items []map[string]any `json:"items"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) getList(ctx context.Context, path string, year, month int) ([]map[string]any, error) {
	select {
	case <-c.limiter:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	params := url.Values{}
	params.Set("year", strconv.Itoa(year))
	params.Set("month", strconv.Itoa(month))
	endpoint := c.baseURL + path + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var parsed errorResponse
		if json.Unmarshal(body, &parsed) == nil {
			if msg := firstNonEmpty(parsed.Error, parsed.Message); msg != "" {
				return nil, fmt.Errorf("erp api error %d: %s", resp.StatusCode, msg)
			}
		}
		return nil, fmt.Errorf("erp api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed listResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("erp: decode response: %w", err)
	}
	if parsed.Data != nil {
		return parsed.Data, nil
	}
	return parsed.Items, nil
}

// FetchBalanceMovements returns raw ledger movement rows for a period.
func (c *Client) FetchBalanceMovements(ctx context.Context, year, month int) ([]map[string]any, error) {
	return c.getList(ctx, "/v1/balance-movements", year, month)
}

// FetchPayments returns raw payment rows feeding the cash flow module.
func (c *Client) FetchPayments(ctx context.Context, year, month int) ([]map[string]any, error) {
	return c.getList(ctx, "/v1/payments", year, month)
}

// FetchPartners returns raw partner rows feeding the membership fee module.
func (c *Client) FetchPartners(ctx context.Context, year, month int) ([]map[string]any, error) {
	return c.getList(ctx, "/v1/partners", year, month)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
