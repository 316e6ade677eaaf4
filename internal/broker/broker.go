// Package broker is the client for the satellite coverage broker: it
// exchanges credentials for a bearer token, submits coverage-subset
// requests, polls async jobs, and downloads result rasters.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/aeris-io/aeris/internal/gas"
	"github.com/aeris-io/aeris/internal/metrics"
)

// DefaultVariable selects all variables of a collection in the
// coverage-subset request.
const DefaultVariable = "all"

// ErrNoData marks an hour with no matching granules; callers skip the
// gas rather than treating it as a failure.
var ErrNoData = errors.New("broker: no matching data")

type Config struct {
	BaseURL      string
	TokenURL     string
	TokensURL    string
	BearerToken  string
	Username     string
	Password     string
	PollInterval time.Duration
	JobTimeout   time.Duration
	MaxRetries   int
	BackoffBase  time.Duration
}

type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger

	token string
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Hour
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		http: &http.Client{
			Timeout: 60 * time.Second,
			// Redirects carry the job location; they must surface, not
			// be followed.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// ResolveToken returns a bearer token, preferring the configured
// long-lived token, then an existing minted token, then minting a new
// one with basic credentials.
func (c *Client) ResolveToken(ctx context.Context) (string, error) {
	if c.cfg.BearerToken != "" {
		return c.cfg.BearerToken, nil
	}
	if c.token != "" {
		return c.token, nil
	}
	if c.cfg.Username == "" || c.cfg.Password == "" {
		return "", errors.New("broker: no bearer token and no basic credentials configured")
	}

	// Existing tokens first.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.TokensURL, nil)
	if err != nil {
		return "", fmt.Errorf("building token list request: %w", err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	resp, err := c.http.Do(req)
	if err == nil {
		func() {
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return
			}
			var tokens []struct {
				AccessToken string `json:"access_token"`
			}
			if json.NewDecoder(resp.Body).Decode(&tokens) == nil && len(tokens) > 0 {
				c.token = tokens[0].AccessToken
			}
		}()
		if c.token != "" {
			return c.token, nil
		}
	}

	// Mint a new one.
	req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, nil)
	if err != nil {
		return "", fmt.Errorf("building token mint request: %w", err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	resp, err = c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("minting token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("minting token: unexpected status %d", resp.StatusCode)
	}
	var minted struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&minted); err != nil {
		return "", fmt.Errorf("decoding minted token: %w", err)
	}
	if minted.AccessToken == "" {
		return "", errors.New("broker: token endpoint returned empty access_token")
	}
	c.token = minted.AccessToken
	return c.token, nil
}

// RangesetURL builds the coverage-subset URL for a gas, bbox, and time
// window, requesting TIFF output.
func (c *Client) RangesetURL(g gas.Gas, west, south, east, north float64, start, end time.Time) (string, error) {
	collection, ok := gas.CollectionIDs[g]
	if !ok {
		return "", fmt.Errorf("broker: no collection id for gas %s", g)
	}
	const stampFormat = "2006-01-02T15:04:05.000Z"
	st := start.UTC().Format(stampFormat)
	et := end.UTC().Format(stampFormat)
	return fmt.Sprintf(
		"%s/%s/ogc-api-coverages/1.0.0/collections/%s/coverage/rangeset"+
			"?subset=lon(%g:%g)&subset=lat(%g:%g)&subset=time(%%22%s%%22:%%22%s%%22)&format=image/tiff",
		strings.TrimRight(c.cfg.BaseURL, "/"), collection, DefaultVariable,
		west, east, south, north, st, et,
	), nil
}

// FetchRaster runs the full exchange for one gas: submit the rangeset
// request, poll the job if async, and download the TIFF to a temp file.
// The caller removes the file. Returns ErrNoData when the hour has no
// granules.
func (c *Client) FetchRaster(ctx context.Context, g gas.Gas, west, south, east, north float64, start, end time.Time) (string, error) {
	token, err := c.ResolveToken(ctx)
	if err != nil {
		return "", err
	}
	rangesetURL, err := c.RangesetURL(g, west, south, east, north, start, end)
	if err != nil {
		return "", err
	}

	jobStart := time.Now()
	sub, err := c.submit(ctx, rangesetURL, token)
	if err != nil {
		return "", err
	}

	if sub.async {
		deadline := time.Now().Add(c.cfg.JobTimeout)
		dataURL, err := c.pollJob(ctx, sub.jobURL, token, deadline)
		if err != nil {
			return "", err
		}
		path, err := c.download(ctx, dataURL, token)
		if err != nil {
			return "", err
		}
		metrics.BrokerJobDuration.WithLabelValues(string(g)).Observe(time.Since(jobStart).Seconds())
		return path, nil
	}

	if len(sub.body) > 0 {
		path, err := writeTemp(sub.body)
		if err != nil {
			return "", err
		}
		metrics.BrokerJobDuration.WithLabelValues(string(g)).Observe(time.Since(jobStart).Seconds())
		return path, nil
	}
	if sub.dataURL != "" {
		path, err := c.download(ctx, sub.dataURL, token)
		if err != nil {
			return "", err
		}
		metrics.BrokerJobDuration.WithLabelValues(string(g)).Observe(time.Since(jobStart).Seconds())
		return path, nil
	}
	return "", ErrNoData
}

type submission struct {
	async   bool
	jobURL  string
	dataURL string
	body    []byte
}

// submit issues the rangeset GET and classifies the three response
// shapes: redirect to a job, JSON job descriptor, or sync TIFF body.
func (c *Client) submit(ctx context.Context, rawURL, token string) (*submission, error) {
	resp, err := c.doWithRetry(ctx, rawURL, token, "submit")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect:
		loc := resp.Header.Get("Location")
		if loc == "" {
			return nil, errors.New("broker: redirect without Location header")
		}
		jobURL, err := c.absolute(loc)
		if err != nil {
			return nil, err
		}
		c.logger.Info("async coverage job", zap.String("job_url", jobURL))
		return &submission{async: true, jobURL: jobURL}, nil

	case http.StatusOK:
		ct := resp.Header.Get("Content-Type")
		if strings.Contains(ct, "application/json") {
			var body struct {
				JobID string `json:"jobID"`
				Links []struct {
					Rel  string `json:"rel"`
					Href string `json:"href"`
				} `json:"links"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return nil, fmt.Errorf("decoding submit response: %w", err)
			}
			if body.JobID != "" {
				jobURL, err := c.absolute("jobs/" + body.JobID)
				if err != nil {
					return nil, err
				}
				return &submission{async: true, jobURL: jobURL}, nil
			}
			for _, l := range body.Links {
				if l.Rel == "data" && l.Href != "" {
					return &submission{dataURL: l.Href}, nil
				}
			}
			return nil, ErrNoData
		}
		// Sync TIFF.
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading sync response body: %w", err)
		}
		return &submission{body: raw}, nil
	}

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
	return nil, fmt.Errorf("broker: submit rejected with status %d: %s", resp.StatusCode, preview)
}

// pollJob polls the job resource until it succeeds, fails, or the
// deadline passes; on success it returns the first data link.
func (c *Client) pollJob(ctx context.Context, jobURL, token string, deadline time.Time) (string, error) {
	for {
		if time.Now().After(deadline) {
			return "", fmt.Errorf("broker: job did not complete within %s", c.cfg.JobTimeout)
		}

		resp, err := c.doWithRetry(ctx, jobURL, token, "poll")
		if err != nil {
			return "", err
		}
		var job struct {
			Status   string  `json:"status"`
			Progress float64 `json:"progress"`
			Message  string  `json:"message"`
			Links    []struct {
				Rel  string `json:"rel"`
				Href string `json:"href"`
			} `json:"links"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&job)
		resp.Body.Close()
		if decodeErr != nil {
			return "", fmt.Errorf("decoding job status: %w", decodeErr)
		}

		status := strings.ToLower(job.Status)
		c.logger.Debug("job status",
			zap.String("status", status),
			zap.Float64("progress", job.Progress),
		)
		switch status {
		case "successful", "complete":
			for _, l := range job.Links {
				if l.Rel == "data" && l.Href != "" {
					return l.Href, nil
				}
			}
			return "", ErrNoData
		case "failed", "canceled", "error":
			return "", fmt.Errorf("broker: job %s: %s", status, job.Message)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// download streams a result URL into a temp file.
func (c *Client) download(ctx context.Context, rawURL, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("building download request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	dl := &http.Client{Timeout: 120 * time.Second}
	resp, err := dl.Do(req)
	if err != nil {
		metrics.BrokerRequestsTotal.WithLabelValues("download", "error").Inc()
		return "", fmt.Errorf("downloading result: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.BrokerRequestsTotal.WithLabelValues("download", "error").Inc()
		return "", fmt.Errorf("downloading result: unexpected status %d", resp.StatusCode)
	}

	f, err := os.CreateTemp("", "aeris-raster-*.tif")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	metrics.BrokerRequestsTotal.WithLabelValues("download", "ok").Inc()
	return f.Name(), nil
}

// doWithRetry issues a GET with bearer auth, retrying 429/5xx with
// exponential backoff. A 4xx other than 429 fails immediately.
func (c *Client) doWithRetry(ctx context.Context, rawURL, token, op string) (*http.Response, error) {
	var resp *http.Response

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BackoffBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = c.cfg.BackoffBase * 8

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("building request: %w", err))
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		r, err := c.http.Do(req)
		if err != nil {
			metrics.BrokerRequestsTotal.WithLabelValues(op, "error").Inc()
			return err
		}
		if r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500 {
			metrics.BrokerRequestsTotal.WithLabelValues(op, "retry").Inc()
			body, _ := io.ReadAll(io.LimitReader(r.Body, 500))
			r.Body.Close()
			return fmt.Errorf("status %d: %s", r.StatusCode, body)
		}
		metrics.BrokerRequestsTotal.WithLabelValues(op, "ok").Inc()
		resp = r
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("retrying broker request",
			zap.String("op", op),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	retries := uint64(c.cfg.MaxRetries - 1)
	if err := backoff.RetryNotify(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx), notify); err != nil {
		return nil, fmt.Errorf("broker %s failed: %w", op, err)
	}
	return resp, nil
}

func (c *Client) absolute(ref string) (string, error) {
	base, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/") + "/")
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parsing job location: %w", err)
	}
	return base.ResolveReference(u).String(), nil
}

func writeTemp(data []byte) (string, error) {
	f, err := os.CreateTemp("", "aeris-raster-*.tif")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	return f.Name(), nil
}
