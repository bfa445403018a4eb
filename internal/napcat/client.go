// Package napcat is a client for the OneBot v11 HTTP API exposed by Napcat.
//
// Every action is a POST of a JSON object to <base>/<action>. The reply is an
// envelope whose status must be "ok".
package napcat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"

	logx "duoshe/pkg/logx"
)

var (
	// ErrNotOK is wrapped by every *APIError.
	ErrNotOK = errors.New("napcat: status not ok")
	// ErrMemberNotFound means member info could not be read.
	ErrMemberNotFound = errors.New("napcat: member not found")
)

// APIError is a well-formed reply whose status is not "ok".
type APIError struct {
	Action  string
	Status  string
	Retcode int
	Message string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	return fmt.Sprintf("napcat %s: status=%s retcode=%d: %s", e.Action, e.Status, e.Retcode, msg)
}

func (e *APIError) Unwrap() error { return ErrNotOK }

type Config struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
	// RatePerSec bounds outgoing requests; 0 disables the limiter.
	RatePerSec int

	// SelfID overrides the id reported by get_login_info.
	SelfID string

	CommandPrefixes []string
	PageSize        int
	MaxPages        int

	// RetryAttempts applies to read-only actions only.
	RetryAttempts uint
	RetryDelay    time.Duration

	HTTPClient *http.Client
}

// Client talks to one Napcat instance. It is safe for concurrent use.
type Client struct {
	cfg     Config
	base    string
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger

	selfID atomic.Value // string
}

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 20
	}
	if cfg.CommandPrefixes == nil {
		cfg.CommandPrefixes = []string{"/"}
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	c := &Client{
		cfg:  cfg,
		base: strings.TrimRight(cfg.BaseURL, "/"),
		http: hc,
		log:  log,
	}
	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	c.selfID.Store(strings.TrimSpace(cfg.SelfID))
	return c
}

type envelope struct {
	Status  string          `json:"status"`
	Retcode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Wording string          `json:"wording"`
}

// call performs one action and decodes data into out (if non-nil).
func (c *Client) call(ctx context.Context, action string, params any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("napcat %s: encode: %w", action, err)
	}
	rctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodPost, c.base+"/"+action, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("napcat %s: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := c.cfg.AccessToken; tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("napcat %s: %w", action, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("napcat %s: read body: %w", action, err)
	}
	c.log.Trace("napcat call", logx.String("action", action),
		logx.Int("http_status", resp.StatusCode), logx.Duration("took", time.Since(start)))

	if resp.StatusCode != http.StatusOK {
		return &httpStatusError{action: action, code: resp.StatusCode}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("napcat %s: decode envelope: %w", action, err)
	}
	if env.Status != "ok" {
		msg := env.Message
		if msg == "" {
			msg = env.Wording
		}
		return &APIError{Action: action, Status: env.Status, Retcode: env.Retcode, Message: msg}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("napcat %s: decode data: %w", action, err)
	}
	return nil
}

type httpStatusError struct {
	action string
	code   int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("napcat %s: HTTP %d", e.action, e.code)
}

// retryable reports whether a read-only call should be tried again.
// Well-formed refusals and client errors are final.
func retryable(err error) bool {
	if errors.Is(err, ErrNotOK) || errors.Is(err, context.Canceled) {
		return false
	}
	var hs *httpStatusError
	if errors.As(err, &hs) {
		return hs.code >= 500 || hs.code == http.StatusTooManyRequests
	}
	return true
}

// callRead is call with retries. Only use it for actions without side
// effects.
func (c *Client) callRead(ctx context.Context, action string, params any, out any) error {
	return retry.Do(
		func() error { return c.call(ctx, action, params, out) },
		retry.Attempts(c.cfg.RetryAttempts),
		retry.Delay(c.cfg.RetryDelay),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(c.cfg.RetryDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			c.log.Debug("napcat call failed; retrying",
				logx.String("action", action), logx.Int("attempt", int(n)+1), logx.Err(err))
		}),
	)
}

// ID is a OneBot identifier. Napcat sends numbers; strings are accepted too.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*id = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*id = ID(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("napcat: id %s is not an integer", s)
	}
	*id = ID(n.String())
	return nil
}

// wireID sends numeric ids as numbers, anything else as a string.
func wireID(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}
