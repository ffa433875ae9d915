// Package analysis is the HTTP client for the remote speech and sentiment
// service: upload a WAV segment, poll the job, then read topics and
// messages for the conversation it produced.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/grpc/codes"

	apperrors "github.com/calm-listener/platform/internal/errors"
	"github.com/calm-listener/platform/internal/resilience"
	"github.com/calm-listener/platform/internal/trace"
)

const (
	DefaultBaseURL     = "https://api.symbl.ai"
	DefaultHTTPTimeout = 30 * time.Second
	snippetLimit       = 512
)

// Config for the analysis client.
type Config struct {
	BaseURL   string
	AppID     string
	AppSecret string
	Timeout   time.Duration
	// Transport is the base round tripper; nil uses http.DefaultTransport.
	Transport http.RoundTripper
	Breaker   resilience.Config
	Retry     resilience.RetryConfig
}

// Client talks to the analysis service. Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *resilience.Breaker
}

// New fetches a bearer token eagerly, so bad credentials fail at startup,
// then returns a client whose requests carry that token until it expires.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, apperrors.New(apperrors.ConfigInvalid, "analysis app id and secret are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPTimeout
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	traced := &trace.Transport{Base: cfg.Transport}

	src := &appTokenSource{
		baseURL:   base,
		appID:     cfg.AppID,
		appSecret: cfg.AppSecret,
		client:    &http.Client{Transport: traced, Timeout: cfg.Timeout},
	}

	var initial *oauth2.Token
	retry := cfg.Retry
	if retry.MaxRetries == 0 {
		retry = resilience.StartupRetryConfig()
	}
	err := resilience.Retry(ctx, retry, func() error {
		tok, err := src.fetch(ctx)
		initial = tok
		return err
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.RemoteService, "fetch analysis access token")
	}
	slog.Info("analysis token acquired", "expiry", initial.Expiry)

	return &Client{
		baseURL: base,
		http: &http.Client{
			Transport: &oauth2.Transport{Source: oauth2.ReuseTokenSource(initial, src), Base: traced},
			Timeout:   cfg.Timeout,
		},
		breaker: resilience.New("analysis", cfg.Breaker),
	}, nil
}

// Breaker exposes the client's circuit breaker for health reporting.
func (c *Client) Breaker() *resilience.Breaker { return c.breaker }

// Submit uploads an encoded WAV segment and returns the job handle.
func (c *Client) Submit(ctx context.Context, audio []byte) (Submission, error) {
	var out Submission
	err := c.do(ctx, http.MethodPost, "/v1/process/audio", "audio/wave", audio, &out)
	if err != nil {
		return out, err
	}
	if out.JobID == "" || out.ConversationID == "" {
		return out, apperrors.New(apperrors.RemoteService, "submit response missing job or conversation id")
	}
	return out, nil
}

// JobStatus returns the raw status string for jobID.
func (c *Client) JobStatus(ctx context.Context, jobID string) (string, error) {
	var out jobStatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/job/"+url.PathEscape(jobID), "", nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// Topics returns the conversation's topics with sentiment attached.
func (c *Client) Topics(ctx context.Context, conversationID string) ([]Topic, error) {
	var out topicsResponse
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/topics?sentiment=true"
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	return out.Topics, nil
}

// Messages returns the conversation transcript.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	var out messagesResponse
	if err := c.do(ctx, http.MethodGet, "/v1/conversations/"+url.PathEscape(conversationID)+"/messages", "", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// do sends one request through the breaker. Only transport failures and
// retryable statuses (5xx, 429) count against the service; a 4xx means it
// answered and rejected this one request.
func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	if err := c.breaker.Allow(); err != nil {
		return apperrors.Wrap(err, apperrors.RemoteService, "analysis service circuit open")
	}
	err := c.send(ctx, method, path, contentType, body, out)
	switch {
	case err == nil:
		c.breaker.Success()
	case ctx.Err() != nil:
		// caller gave up; says nothing about the service
	case apperrors.IsRetryable(err):
		c.breaker.Failure()
	default:
		c.breaker.Success()
	}
	return err
}

func (c *Client) send(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return apperrors.Wrap(err, apperrors.InvalidArgument, "build request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.RemoteService, "%s %s", method, path).WithGRPCCode(codes.Unavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return apperrors.FromHTTPStatus(apperrors.RemoteService, resp.StatusCode,
			fmt.Sprintf("%s %s: %s", method, path, readSnippet(resp.Body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrapf(err, apperrors.RemoteService, "decode %s response", path)
	}
	return nil
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, snippetLimit))
	return strings.TrimSpace(string(b))
}
