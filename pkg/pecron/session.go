package pecron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// expiryMargin treats a token as expired slightly early so a request does not
// leave with a token that lapses in flight.
const expiryMargin = time.Minute

type options struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
	retries    int
	logger     zerolog.Logger
	now        func() time.Time
	switches   SwitchEncodings
}

// Option configures Open.
type Option func(*options)

// WithHTTPClient replaces the default cookie-jar client. WithTimeout is
// ignored when this is set.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithBaseURL points the session at another host, e.g. a test server.
func WithBaseURL(u string) Option {
	return func(o *options) { o.baseURL = u }
}

func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithRetries sets how many times a failed read is re-sent. Logins and
// commands are never retried.
func WithRetries(n int) Option {
	return func(o *options) { o.retries = n }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSwitchEncodings overrides the on/off values used by SetACOutput and
// SetDCOutput.
func WithSwitchEncodings(enc SwitchEncodings) Option {
	return func(o *options) { o.switches = enc }
}

// Session is an authenticated connection to one region for one account.
// It is safe for concurrent use; only token refresh is serialized.
type Session struct {
	region    Region
	transport *Transport
	logger    zerolog.Logger
	now       func() time.Time
	switches  SwitchEncodings

	mu       sync.RWMutex
	email    string
	password string
	token    string
	expiry   time.Time
	closed   bool

	refreshGroup singleflight.Group

	cacheMu       sync.Mutex
	devices       []Device
	devicesLoaded bool
	schemas       map[string]Schema
}

// loginResponse also carries a refreshToken, but the platform's refresh call
// is not used: an expired session logs in again with the held credentials.
type loginResponse struct {
	AccessToken tokenInfo `json:"accessToken"`
}

type tokenInfo struct {
	Token          string          `json:"token"`
	ExpirationTime json.RawMessage `json:"expirationTime"`
}

// Open logs in and returns a ready session. Credentials must already be
// resolved; Open never prompts.
func Open(ctx context.Context, region Region, email, password string, opts ...Option) (*Session, error) {
	if !region.Valid() {
		return nil, fmt.Errorf("unknown region %q", region)
	}
	if email == "" || password == "" {
		return nil, fmt.Errorf("%w: email and password are required", ErrAuthentication)
	}

	o := options{
		timeout: DefaultTimeout,
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = NewHTTPClient(o.timeout)
	}
	if o.baseURL == "" {
		o.baseURL = region.BaseURL()
	}
	if o.switches == nil {
		o.switches = DefaultSwitchEncodings()
	}

	logger := o.logger.With().Str("region", string(region)).Logger()
	s := &Session{
		region:    region,
		transport: newTransport(o.baseURL, o.httpClient, o.retries, logger),
		logger:    logger,
		now:       o.now,
		switches:  o.switches,
		email:     email,
		password:  password,
		schemas:   make(map[string]Schema),
	}

	if err := s.login(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// login performs the credential exchange and stores the resulting tokens.
func (s *Session) login(ctx context.Context) error {
	s.mu.RLock()
	email, password := s.email, s.password
	s.mu.RUnlock()

	if email == "" || password == "" {
		return fmt.Errorf("%w: no credentials", ErrAuthentication)
	}

	nonce, err := newNonce()
	if err != nil {
		return fmt.Errorf("%w: generating nonce: %w", ErrAuthentication, err)
	}
	encrypted, err := encryptPassword(password, nonce)
	if err != nil {
		return fmt.Errorf("%w: encrypting password: %w", ErrAuthentication, err)
	}

	cfg := regions[s.region]
	form := url.Values{}
	form.Set("email", email)
	form.Set("pwd", encrypted)
	form.Set("random", nonce)
	form.Set("userDomain", cfg.userDomain)
	form.Set("signature", loginSignature(email, encrypted, nonce, cfg.userDomainSecret))

	data, err := s.transport.postForm(ctx, pathLogin, form, "")
	if err != nil {
		if errors.Is(err, ErrAuthentication) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	var resp loginResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("%w: invalid login response: %w", ErrAuthentication, err)
	}
	if resp.AccessToken.Token == "" {
		return fmt.Errorf("%w: login response has no access token", ErrAuthentication)
	}

	expiry := parseTimestamp(resp.AccessToken.ExpirationTime)

	s.mu.Lock()
	s.token = resp.AccessToken.Token
	s.expiry = expiry
	s.mu.Unlock()

	if expiry.IsZero() {
		s.logger.Debug().Msg("login successful, token has no expiry")
	} else {
		s.logger.Debug().Time("expires", expiry).Msg("login successful")
	}
	return nil
}

// parseTimestamp accepts epoch seconds or milliseconds, as a number or string,
// or a "2006-01-02 15:04:05" UTC timestamp. Anything else is the zero time.
func parseTimestamp(raw json.RawMessage) time.Time {
	v := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if v == "" || v == "null" {
		return time.Time{}
	}

	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n)
		}
		return time.Unix(n, 0)
	}
	if t, err := time.ParseInLocation(time.DateTime, v, time.UTC); err == nil {
		return t
	}
	return time.Time{}
}

func (s *Session) expiredLocked() bool {
	if s.expiry.IsZero() {
		return false
	}
	return !s.now().Add(expiryMargin).Before(s.expiry)
}

// EnsureValid returns nil if the token is usable, refreshing it once if it
// has expired. Concurrent callers share a single refresh.
func (s *Session) EnsureValid(ctx context.Context) error {
	_, err := s.validToken(ctx)
	return err
}

func (s *Session) validToken(ctx context.Context) (string, error) {
	s.mu.RLock()
	token, closed, expired := s.token, s.closed, s.expiredLocked()
	s.mu.RUnlock()

	if closed || token == "" {
		return "", fmt.Errorf("%w: session is closed", ErrAuthentication)
	}
	if !expired {
		return token, nil
	}
	return s.refresh(ctx, token)
}

func (s *Session) refresh(ctx context.Context, stale string) (string, error) {
	v, err, _ := s.refreshGroup.Do("refresh", func() (any, error) {
		s.mu.RLock()
		current, expired := s.token, s.expiredLocked()
		s.mu.RUnlock()

		// a previous flight already replaced the token this caller saw
		if current != stale && current != "" && !expired {
			return current, nil
		}

		s.logger.Info().Msg("access token expired, logging in again")
		if err := s.login(ctx); err != nil {
			return "", fmt.Errorf("refresh: %w", err)
		}

		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.expiredLocked() {
			return "", fmt.Errorf("%w: refreshed token is already expired", ErrAuthentication)
		}
		return s.token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Close forgets the token, credentials and caches. The platform offers no
// revocation call, so nothing is sent. Calling Close more than once is safe.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	wasOpen := !s.closed
	s.closed = true
	s.token = ""
	s.email = ""
	s.password = ""
	s.expiry = time.Time{}
	s.mu.Unlock()

	s.cacheMu.Lock()
	s.devices = nil
	s.devicesLoaded = false
	s.schemas = make(map[string]Schema)
	s.cacheMu.Unlock()

	if wasOpen {
		s.logger.Debug().Msg("session closed")
	}
	return nil
}

func (s *Session) Region() Region {
	return s.region
}

// Token returns the current bearer token without refreshing it.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Expiry returns the token expiry; ok is false when the platform gave none.
func (s *Session) Expiry() (t time.Time, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiry, !s.expiry.IsZero()
}

func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Session) get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	token, err := s.validToken(ctx)
	if err != nil {
		return nil, err
	}
	return s.transport.get(ctx, path, query, token)
}

func (s *Session) postForm(ctx context.Context, path string, form url.Values) (json.RawMessage, error) {
	token, err := s.validToken(ctx)
	if err != nil {
		return nil, err
	}
	return s.transport.postForm(ctx, path, form, token)
}
