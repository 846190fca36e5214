package source

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

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrAuthRejected signals that the source refused the current credential.
// It is distinct from transport failures and from empty results.
var ErrAuthRejected = errors.New("source: credential rejected")

// Quote is one raw (timestamp, value) tuple as reported by the source.
// Values are passed through unrounded.
type Quote struct {
	Epoch int64
	Value decimal.Decimal
}

// Window constrains a fetch to either the trailing LastHours via the archive
// endpoint or the most recent Limit points via the daily endpoint.
type Window struct {
	LastHours int
	Limit     int
}

// Options parameterise the source client.
type Options struct {
	BaseURL        string
	UserAgent      string
	RequestTimeout time.Duration
	ProbeAsset     string
}

// HeaderFunc returns the current authorization header value.
type HeaderFunc func() string

// Client performs outbound pulls against the exchange-rate source.
type Client struct {
	opts    Options
	header  HeaderFunc
	client  *http.Client
	baseURL string
	logger  zerolog.Logger
	now     func() time.Time
}

// NewClient constructs a source client. The header func is consulted on every
// request so refreshed credentials apply without reconstruction.
func NewClient(opts Options, header HeaderFunc, logger zerolog.Logger) *Client {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://www.doviz.com/api/v11"
	}

	if opts.ProbeAsset == "" {
		opts.ProbeAsset = "USD"
	}

	return &Client{
		opts:    opts,
		header:  header,
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		logger:  logger.With().Str("component", "source_client").Logger(),
		now:     time.Now,
	}
}

// Fetch issues one read for the given currency constrained by the window.
// Auth failures surface as ErrAuthRejected; no retries happen here.
func (c *Client) Fetch(ctx context.Context, code string, win Window) ([]Quote, error) {
	header := ""
	if c.header != nil {
		header = c.header()
	}
	return c.get(ctx, c.endpoint(code, win), header)
}

// Probe issues the cheapest possible read using an explicit header value.
func (c *Client) Probe(ctx context.Context, header string) error {
	_, err := c.get(ctx, c.endpoint(c.opts.ProbeAsset, Window{Limit: 1}), header)
	return err
}

func (c *Client) endpoint(code string, win Window) string {
	if win.LastHours > 0 {
		end := c.now().Unix()
		start := end - int64(win.LastHours)*3600
		query := url.Values{}
		query.Set("start", strconv.FormatInt(start, 10))
		query.Set("end", strconv.FormatInt(end, 10))
		return fmt.Sprintf("%s/assets/%s/archive?%s", c.baseURL, code, query.Encode())
	}

	limit := win.Limit
	if limit <= 0 {
		limit = 60
	}
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	return fmt.Sprintf("%s/assets/%s/daily?%s", c.baseURL, code, query.Encode())
}

func (c *Client) get(ctx context.Context, endpoint, header string) ([]Quote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "ratewatcher/1.0")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("source responded %d: %w", resp.StatusCode, ErrAuthRejected)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source responded %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var body assetResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("decode source response: %w", err)
	}
	if body.Error {
		return nil, ErrAuthRejected
	}

	quotes := make([]Quote, 0, len(body.Data))
	for _, rec := range body.Data {
		value, convErr := decimal.NewFromString(rec.Close.String())
		if convErr != nil {
			return nil, fmt.Errorf("parse close value %q: %w", rec.Close.String(), convErr)
		}
		quotes = append(quotes, Quote{Epoch: rec.UpdateDate, Value: value})
	}
	return quotes, nil
}

type assetResponse struct {
	Error bool          `json:"error"`
	Data  []assetRecord `json:"data"`
}

type assetRecord struct {
	UpdateDate int64       `json:"update_date"`
	Close      json.Number `json:"close"`
}
