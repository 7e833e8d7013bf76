package llm

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/circuitide/circuit/config"
	"github.com/circuitide/circuit/errors"
)

const (
	tokenTimeout = 30 * time.Second
	chatTimeout  = 180 * time.Second

	// Tokens are refreshed this long before they actually expire.
	tokenExpiryMargin = 300 * time.Second

	defaultTokenTTL = 3600 * time.Second

	defaultMaxRetries = 3
	defaultRetryDelay = time.Second

	// Error bodies are capped before they land in error messages.
	errorBodyLimit = 500
)

// GatewayClient talks to the OAuth-fronted chat gateway: a client
// credentials token endpoint plus per-model chat completion deployments.
type GatewayClient struct {
	gw     config.Gateway
	logger *slog.Logger

	tokenClient *http.Client
	chatClient  *http.Client

	maxRetries int
	retryDelay time.Duration

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewGatewayClient builds a client from gateway credentials and TLS
// settings. A nil logger falls back to slog.Default().
func NewGatewayClient(gw config.Gateway, ssl config.SSL, logger *slog.Logger) (*GatewayClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	transport, err := newHTTPTransport(ssl)
	if err != nil {
		return nil, err
	}
	return &GatewayClient{
		gw:          gw,
		logger:      logger,
		tokenClient: &http.Client{Timeout: tokenTimeout, Transport: transport},
		chatClient:  &http.Client{Timeout: chatTimeout, Transport: transport},
		maxRetries:  defaultMaxRetries,
		retryDelay:  defaultRetryDelay,
	}, nil
}

func newHTTPTransport(ssl config.SSL) (*http.Transport, error) {
	tlsCfg := &tls.Config{}
	if !ssl.Enabled {
		tlsCfg.InsecureSkipVerify = true
	} else if ssl.CABundle != "" {
		pem, err := os.ReadFile(ssl.CABundle)
		if err != nil {
			return nil, errors.Wrapf(err, "reading CA bundle %s", ssl.CABundle)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no certificates found in CA bundle %s", ssl.CABundle)
		}
		tlsCfg.RootCAs = pool
	}
	return &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: tlsCfg,
	}, nil
}

// SetRetryPolicy overrides the retry count and base backoff delay.
func (c *GatewayClient) SetRetryPolicy(maxRetries int, retryDelay time.Duration) {
	if maxRetries > 0 {
		c.maxRetries = maxRetries
	}
	if retryDelay > 0 {
		c.retryDelay = retryDelay
	}
}

// Token returns a cached access token, acquiring a fresh one when the
// cached token is within the expiry margin. 5xx responses and
// connection errors are retried with exponential backoff; other
// failures return an AuthError immediately.
func (c *GatewayClient) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.expiry.Add(-tokenExpiryMargin)) {
		return c.token, nil
	}

	creds := base64.StdEncoding.EncodeToString([]byte(c.gw.ClientID + ":" + c.gw.ClientSecret))

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gw.TokenURL,
			strings.NewReader("grant_type=client_credentials"))
		if err != nil {
			return "", errors.Wrapf(err, "building token request")
		}
		req.Header.Set("Authorization", "Basic "+creds)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.tokenClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries-1 {
				if serr := c.backoffSleep(ctx, attempt); serr != nil {
					return "", serr
				}
				continue
			}
			return "", errors.Wrapf(err, "Auth request failed")
		}

		body, rerr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if rerr != nil {
			return "", errors.Wrapf(rerr, "reading token response")
		}

		if resp.StatusCode == http.StatusOK {
			var tok struct {
				AccessToken string `json:"access_token"`
				ExpiresIn   int    `json:"expires_in"`
			}
			if err := json.Unmarshal(body, &tok); err != nil {
				return "", errors.Wrapf(err, "decoding token response")
			}
			if tok.AccessToken == "" {
				return "", errors.New("token response missing access_token")
			}
			ttl := defaultTokenTTL
			if tok.ExpiresIn > 0 {
				ttl = time.Duration(tok.ExpiresIn) * time.Second
			}
			c.token = tok.AccessToken
			c.expiry = time.Now().Add(ttl)
			c.logger.Debug("access token refreshed", "ttl", ttl)
			return c.token, nil
		}

		if resp.StatusCode >= 500 && attempt < c.maxRetries-1 {
			c.logger.Warn("token endpoint error, retrying",
				"status", resp.StatusCode, "attempt", attempt+1)
			if serr := c.backoffSleep(ctx, attempt); serr != nil {
				return "", serr
			}
			continue
		}
		return "", &AuthError{Status: resp.StatusCode, Body: string(body)}
	}

	return "", errors.New("Authentication failed after retries")
}

// Chat sends one chat-completion request, retrying retryable failures.
// The streamed and non-streamed paths return the same response shape.
func (c *GatewayClient) Chat(ctx context.Context, req Request) (*StreamingResponse, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = config.DefaultModel
	}
	chatURL := c.gw.ChatURL(model)

	payload := map[string]any{
		"messages":    req.Messages,
		"user":        c.userField(),
		"temperature": 0.7,
		"max_tokens":  4096,
	}
	if len(req.Tools) > 0 {
		payload["tools"] = req.Tools
		payload["tool_choice"] = "auto"
	}
	if req.Stream {
		payload["stream"] = true
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding chat request")
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		var resp *StreamingResponse
		var aerr error
		if req.Stream {
			resp, aerr = c.doStream(ctx, chatURL, token, body, req.OnContent, req.OnToolCallStart)
		} else {
			resp, aerr = c.doOnce(ctx, chatURL, token, body)
		}
		if aerr == nil {
			return resp, nil
		}
		if !retryable(aerr) {
			return nil, aerr
		}
		lastErr = aerr
		if attempt < c.maxRetries-1 {
			delay := c.backoff(attempt)
			c.logger.Warn("chat request failed, retrying",
				"attempt", attempt+1, "delay", delay, "error", aerr)
			if serr := sleepCtx(ctx, delay); serr != nil {
				return nil, serr
			}
		}
	}
	return nil, errors.New("API call failed after %d attempts: %v", c.maxRetries, lastErr)
}

func (c *GatewayClient) doStream(ctx context.Context, chatURL, token string, body []byte, onContent, onToolCallStart func(string)) (*StreamingResponse, error) {
	resp, err := c.post(ctx, chatURL, token, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiErrorFrom(resp)
	}

	asm := NewAssembler(onContent, onToolCallStart)
	if err := asm.ReadStream(resp.Body); err != nil {
		return nil, errors.Wrapf(err, "reading response stream")
	}
	return asm.Response(), nil
}

func (c *GatewayClient) doOnce(ctx context.Context, chatURL, token string, body []byte) (*StreamingResponse, error) {
	resp, err := c.post(ctx, chatURL, token, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiErrorFrom(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading chat response")
	}
	out, err := decodeCompletion(data)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding chat response")
	}
	return out, nil
}

func (c *GatewayClient) post(ctx context.Context, chatURL, token string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrapf(err, "building chat request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", token)
	return c.chatClient.Do(req)
}

func (c *GatewayClient) userField() string {
	b, _ := json.Marshal(map[string]string{"appkey": c.gw.AppKey})
	return string(b)
}

func apiErrorFrom(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	return &APIError{Status: resp.StatusCode, Body: string(body)}
}

// retryable reports whether an attempt error is worth repeating: 5xx
// responses and connection-level failures are, everything else
// (4xx statuses, decode errors, cancellation) is terminal.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe)
}

func (c *GatewayClient) backoff(attempt int) time.Duration {
	return c.retryDelay * time.Duration(1<<attempt)
}

func (c *GatewayClient) backoffSleep(ctx context.Context, attempt int) error {
	return sleepCtx(ctx, c.backoff(attempt))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
