package vulnlib

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kvesta/quietpatch/pkg/cpe"
	"github.com/kvesta/quietpatch/pkg/severity"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	DefaultNVDBase = "https://services.nvd.nist.gov/rest/json"

	cpeSearchPath = "/cpes/2.0"
	cveSearchPath = "/cves/2.0"

	maxAttempts  = 3
	maxBodyBytes = 16 << 20
)

var (
	ErrNetworkTimeout = errors.New("network timeout")
	ErrRateLimited    = errors.New("rate limited")
	ErrNVDResponse    = errors.New("unexpected nvd response")
)

// Client talks to the NVD 2.0 REST API. Every request waits on Limiter so
// concurrent workers share one request budget.
type Client struct {
	Cli     *http.Client
	BaseURL string
	APIKey  string
	Limiter *rate.Limiter

	Thresholds severity.Thresholds

	// BackoffBase and RateLimitWait shape retries.
	BackoffBase   time.Duration
	RateLimitWait time.Duration
}

// NewClient returns a client spacing requests by at least throttle.
func NewClient(apiKey string, timeout, throttle time.Duration) *Client {
	tr := &http.Transport{
		IdleConnTimeout: 60 * time.Second,
	}

	c := &Client{
		Cli: &http.Client{
			Transport: tr,
			Timeout:   timeout,
		},
		BaseURL:       DefaultNVDBase,
		APIKey:        apiKey,
		Thresholds:    severity.DefaultThresholds,
		BackoffBase:   750 * time.Millisecond,
		RateLimitWait: 5 * time.Second,
	}
	if apiKey != "" {
		c.BackoffBase = 300 * time.Millisecond
	}
	if throttle > 0 {
		c.Limiter = rate.NewLimiter(rate.Every(throttle), 1)
	}
	return c
}

func (c *Client) sleep(ctx context.Context, attempt int, rateLimited bool) error {
	base := c.BackoffBase
	if base <= 0 {
		base = 750 * time.Millisecond
	}
	wait := base * time.Duration(1<<(attempt-1))
	if half := int64(base / 2); half > 0 {
		wait += time.Duration(rand.Int63n(half))
	}
	if rateLimited && wait < c.RateLimitWait {
		wait = c.RateLimitWait
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func classify(err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %v", ErrNetworkTimeout, err)
	}
	return err
}

// get performs a throttled GET with retries and returns the body.
func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint := strings.TrimRight(c.BaseURL, "/") + path + "?" + params.Encode()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if c.Limiter != nil {
			if err := c.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "quietpatch/1.0")
		if c.APIKey != "" {
			req.Header.Set("apiKey", c.APIKey)
		}

		res, err := c.Cli.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = classify(err)
			if attempt < maxAttempts {
				if serr := c.sleep(ctx, attempt, false); serr != nil {
					return nil, serr
				}
			}
			continue
		}

		body, rerr := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
		res.Body.Close()

		switch {
		case res.StatusCode == http.StatusTooManyRequests || (res.StatusCode == http.StatusForbidden && c.APIKey == ""):
			lastErr = fmt.Errorf("%w: nvd returned http %d", ErrRateLimited, res.StatusCode)
			if attempt < maxAttempts {
				if serr := c.sleep(ctx, attempt, true); serr != nil {
					return nil, serr
				}
			}
			continue
		case res.StatusCode >= http.StatusInternalServerError:
			lastErr = fmt.Errorf("%w: http %d", ErrNVDResponse, res.StatusCode)
			if attempt < maxAttempts {
				if serr := c.sleep(ctx, attempt, false); serr != nil {
					return nil, serr
				}
			}
			continue
		case res.StatusCode != http.StatusOK:
			return nil, fmt.Errorf("%w: http %d", ErrNVDResponse, res.StatusCode)
		}

		if rerr != nil {
			return nil, classify(rerr)
		}
		if !gjson.ValidBytes(body) {
			return nil, fmt.Errorf("%w: invalid json", ErrNVDResponse)
		}
		return body, nil
	}

	return nil, lastErr
}

// SearchCPE returns up to five CPE names matching keyword.
func (c *Client) SearchCPE(ctx context.Context, keyword string) ([]string, error) {
	params := url.Values{}
	params.Set("keywordSearch", keyword)
	params.Set("resultsPerPage", "5")

	body, err := c.get(ctx, cpeSearchPath, params)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, p := range gjson.GetBytes(body, "products.#.cpe.cpeName").Array() {
		if name := p.String(); name != "" {
			out = append(out, name)
		}
	}
	return out, nil
}

func (c *Client) cves(ctx context.Context, params url.Values, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	params.Set("resultsPerPage", strconv.Itoa(limit))

	body, err := c.get(ctx, cveSearchPath, params)
	if err != nil {
		return nil, err
	}

	var out []Record
	for _, v := range gjson.GetBytes(body, "vulnerabilities").Array() {
		r, ok := recordFromNVD(v.Get("cve"))
		if !ok {
			continue
		}
		r.Normalize(c.Thresholds)
		out = append(out, r)
	}
	return out, nil
}

// CVEsByCPE queries vulnerabilities recorded against an identifier.
func (c *Client) CVEsByCPE(ctx context.Context, id cpe.Identifier, limit int) ([]Record, error) {
	params := url.Values{}
	params.Set("cpeName", id.String())

	recs, err := c.cves(ctx, params, limit)
	if err != nil {
		log.WithField("cpe", id.String()).Debugf("failed to query nvd by cpe: %v", err)
	}
	return recs, err
}

// CVEsByKeyword runs a free-text query.
func (c *Client) CVEsByKeyword(ctx context.Context, keyword string, limit int) ([]Record, error) {
	params := url.Values{}
	params.Set("keywordSearch", keyword)

	return c.cves(ctx, params, limit)
}
