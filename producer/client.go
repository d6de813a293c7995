package producer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// ErrUpstream wraps non-2xx answers from the analysis service.
var ErrUpstream = errors.New("producer upstream error")

const maxPayloadBytes = 4 << 20

type Client struct {
	key     string
	baseURL string
	http    *retryablehttp.Client
}

// NewClient builds a client for the analysis service. timeout bounds a single
// attempt; callers bound the whole call with their context.
func NewClient(baseURL, apiKey string, timeout time.Duration, log *zap.SugaredLogger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.RetryMax = 2
	if timeout > 0 {
		rc.HTTPClient.Timeout = timeout
	}
	if log != nil {
		rc.Logger = leveled{log}
	} else {
		rc.Logger = nil
	}

	return &Client{
		key:     apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    rc,
	}
}

// Recommend asks the analysis service for a fresh recommendation payload for
// one client and returns the raw JSON body.
// Docs: POST /v1/analyze {"clientId": "..."}
func (c *Client) Recommend(ctx context.Context, clientID string) ([]byte, error) {
	body, err := json.Marshal(map[string]string{"clientId": clientID})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("accept", "application/json")
	req.Header.Set("content-type", "application/json")
	if c.key != "" {
		req.Header.Set("apikey", c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		detail, _ := ioReadAllLimit(resp.Body, 4<<10)
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return ioReadAllLimit(resp.Body, maxPayloadBytes)
}

func ioReadAllLimit(r io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, errors.New("payload too large")
	}
	return b, nil
}

// leveled adapts zap to retryablehttp.LeveledLogger.
type leveled struct{ l *zap.SugaredLogger }

func (z leveled) Error(msg string, kv ...interface{}) { z.l.Errorw(msg, kv...) }
func (z leveled) Info(msg string, kv ...interface{})  { z.l.Infow(msg, kv...) }
func (z leveled) Debug(msg string, kv ...interface{}) { z.l.Debugw(msg, kv...) }
func (z leveled) Warn(msg string, kv ...interface{})  { z.l.Warnw(msg, kv...) }
