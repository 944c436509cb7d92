package pecron

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/net/publicsuffix"
)

const (
	appID         = "633"
	appVersion    = "1.9.0"
	appSystemType = "android"
	appInfo       = "[Terminal][Go][pecron-terminal][1]"

	DefaultTimeout = 30 * time.Second

	// maxErrorBody caps how much of a failed response ends up in an error.
	maxErrorBody = 512
)

const (
	pathLogin              = "/v2/enduser/enduserapi/emailPwdLogin"
	pathDeviceList         = "/v2/binding/enduserapi/userDeviceList"
	pathBusinessAttributes = "/v2/binding/enduserapi/getDeviceBusinessAttributes"
	pathDeviceInfo         = "/v2/binding/enduserapi/deviceInfo"
	pathProductTSL         = "/v2/binding/enduserapi/productTSL"
	pathBatchControl       = "/v2/binding/enduserapi/batchControlDevice"
)

// envelope is the wrapper every endpoint answers with.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Transport performs raw requests against one regional API host. It holds no
// credentials; the session passes the token per call.
type Transport struct {
	baseURL string
	client  *http.Client
	retries int
	logger  zerolog.Logger
}

func newTransport(baseURL string, client *http.Client, retries int, logger zerolog.Logger) *Transport {
	if retries < 0 {
		retries = 0
	}
	return &Transport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		retries: retries,
		logger:  logger,
	}
}

// NewHTTPClient creates an HTTP client with a cookie jar and the given timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	// cookiejar.New only fails on a nil PublicSuffixList
	jar, _ := cookiejar.New(&cookiejar.Options{
		PublicSuffixList: publicsuffix.List,
	})

	return &http.Client{
		Timeout: timeout,
		Jar:     jar,
	}
}

func (t *Transport) setHeaders(req *http.Request, token string) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Q-Language", "en")
	req.Header.Set("quec-random-url", uuid.NewString())
	req.Header.Set("app-info", appInfo)
	req.Header.Set("appId", appID)
	req.Header.Set("appVersion", appVersion)
	req.Header.Set("appSystemType", appSystemType)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
}

// get issues a GET and retries transport failures up to the configured count.
func (t *Transport) get(ctx context.Context, path string, query url.Values, token string) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= t.retries; attempt++ {
		if attempt > 0 {
			t.logger.Debug().Str("path", path).Int("attempt", attempt).Err(lastErr).Msg("retrying request")
		}

		data, err := t.do(ctx, http.MethodGet, path, query, nil, token)
		if err == nil {
			return data, nil
		}
		lastErr = err

		if !isRetryable(err) || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// postForm issues a form-encoded POST. Writes are never retried.
func (t *Transport) postForm(ctx context.Context, path string, form url.Values, token string) (json.RawMessage, error) {
	return t.do(ctx, http.MethodPost, path, nil, form, token)
}

func (t *Transport) do(ctx context.Context, method, path string, query, form url.Values, token string) (json.RawMessage, error) {
	u := t.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrTransport, method, path, err)
	}
	t.setHeaders(req, token)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: reading body: %w", ErrTransport, method, path, err)
	}

	t.logger.Trace().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("api request")

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: HTTP error: %d", ErrAuthentication, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &statusError{code: resp.StatusCode, body: truncate(raw, maxErrorBody)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %s %s: invalid response: %w", ErrTransport, method, path, err)
	}
	if env.Code != http.StatusOK {
		return nil, &APIError{Code: env.Code, Msg: env.Msg}
	}

	if bytes.Equal(bytes.TrimSpace(env.Data), []byte("null")) {
		return nil, nil
	}
	return env.Data, nil
}

// statusError is a non-2xx HTTP response. It matches ErrTransport.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%v: HTTP error: %d - %s", ErrTransport, e.code, e.body)
}

func (e *statusError) Is(target error) bool {
	return target == ErrTransport
}

// isRetryable reports whether a failed GET may be sent again. API-level
// rejections and auth failures are final.
func isRetryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	return errors.Is(err, ErrTransport) && !errors.Is(err, ErrAuthentication)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
