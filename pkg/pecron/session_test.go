package pecron

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenLogsIn(t *testing.T) {
	fc := newFakeCloud(t)
	exp := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	fc.expiry = func(int) any { return exp.UnixMilli() }

	s := fc.open(t)

	assert.Equal(t, RegionEU, s.Region())
	assert.Equal(t, "token-1", s.Token())
	got, ok := s.Expiry()
	require.True(t, ok)
	assert.True(t, exp.Equal(got))

	form := fc.lastForm(pathLogin)
	assert.Equal(t, testEmail, form.Get("email"))
	assert.Len(t, form.Get("random"), 16)
	assert.NotEqual(t, testPassword, form.Get("pwd"))

	h := fc.lastHeaders()
	assert.Equal(t, appID, h.Get("appId"))
	assert.Equal(t, appVersion, h.Get("appVersion"))
	assert.Equal(t, appSystemType, h.Get("appSystemType"))
	assert.NotEmpty(t, h.Get("quec-random-url"))
	assert.Empty(t, h.Get("Authorization"))
}

func TestOpenWithoutExpiry(t *testing.T) {
	fc := newFakeCloud(t)
	s := fc.open(t)

	_, ok := s.Expiry()
	assert.False(t, ok)
	require.NoError(t, s.EnsureValid(context.Background()))
	assert.Equal(t, 1, fc.loginCount())
}

func TestOpenRejectedCredentials(t *testing.T) {
	fc := newFakeCloud(t)

	_, err := Open(context.Background(), RegionEU, testEmail, "wrong", fc.options()...)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 5032, apiErr.Code)
}

func TestOpenValidatesInput(t *testing.T) {
	_, err := Open(context.Background(), Region("XX"), testEmail, testPassword)
	assert.Error(t, err)

	_, err = Open(context.Background(), RegionEU, "", testPassword)
	assert.ErrorIs(t, err, ErrAuthentication)

	_, err = Open(context.Background(), RegionEU, testEmail, "")
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestOpenTransportFailure(t *testing.T) {
	fc := newFakeCloud(t)
	fc.server.Close()

	_, err := Open(context.Background(), RegionEU, testEmail, testPassword, fc.options(WithTimeout(time.Second))...)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestSessionAuthorizesRequests(t *testing.T) {
	fc := newFakeCloud(t)
	fc.respond(pathDeviceList, []any{})
	s := fc.open(t)

	_, err := ListDevices(context.Background(), s, false)
	require.NoError(t, err)
	assert.Equal(t, "token-1", fc.lastHeaders().Get("Authorization"))
}

func TestCloseIsIdempotent(t *testing.T) {
	fc := newFakeCloud(t)
	fc.respond(pathDeviceList, []any{e300One})
	s := fc.open(t)

	_, err := ListDevices(context.Background(), s, false)
	require.NoError(t, err)

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))
	assert.True(t, s.Closed())
	assert.Empty(t, s.Token())

	// the cached list must not survive Close either
	_, err = ListDevices(context.Background(), s, false)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.ErrorIs(t, s.EnsureValid(context.Background()), ErrAuthentication)
	assert.Equal(t, 1, fc.count(pathDeviceList))
}

func TestEnsureValidRefreshesOnce(t *testing.T) {
	fc := newFakeCloud(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &testClock{now: base}

	fc.expiry = func(n int) any {
		if n == 1 {
			return base.Add(time.Hour).UnixMilli()
		}
		return base.Add(5 * time.Hour).UnixMilli()
	}
	s := fc.open(t, WithClock(clock.Now))
	require.Equal(t, 1, fc.loginCount())

	clock.Set(base.Add(2 * time.Hour))
	fc.mu.Lock()
	fc.loginDelay = 50 * time.Millisecond
	fc.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.EnsureValid(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 2, fc.loginCount())
	assert.Equal(t, "token-2", s.Token())
}

func TestEnsureValidRefreshFailure(t *testing.T) {
	fc := newFakeCloud(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &testClock{now: base}
	fc.expiry = func(int) any { return base.Add(time.Hour).Unix() }
	fc.failLogin = func(n int) bool { return n > 1 }

	s := fc.open(t, WithClock(clock.Now))
	clock.Set(base.Add(2 * time.Hour))

	err := s.EnsureValid(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestExpiredTokenRefreshedBeforeRequest(t *testing.T) {
	fc := newFakeCloud(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &testClock{now: base}
	fc.expiry = func(n int) any { return base.Add(time.Duration(n) * time.Hour).Unix() }
	fc.respond(pathDeviceList, []any{e300One})

	s := fc.open(t, WithClock(clock.Now))
	clock.Set(base.Add(90 * time.Minute))

	_, err := ListDevices(context.Background(), s, true)
	require.NoError(t, err)
	assert.Equal(t, 2, fc.loginCount())
	assert.Equal(t, "token-2", fc.lastHeaders().Get("Authorization"))
}

func TestTransportErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		check   func(t *testing.T, err error)
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "boom", http.StatusBadGateway)
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrTransport)
				assert.Contains(t, err.Error(), "502")
			},
		},
		{
			name: "unauthorized",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrAuthentication)
			},
		},
		{
			name: "not json",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("<html>"))
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrTransport)
			},
		},
		{
			name: "api error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeEnvelope(w, 6001, "rate limited", nil)
			},
			check: func(t *testing.T, err error) {
				var apiErr *APIError
				require.ErrorAs(t, err, &apiErr)
				assert.Equal(t, 6001, apiErr.Code)
				assert.Equal(t, "rate limited", apiErr.Msg)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := newFakeCloud(t)
			fc.handle(pathDeviceList, tt.handler)
			s := fc.open(t)

			_, err := ListDevices(context.Background(), s, false)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestTransportRetriesReads(t *testing.T) {
	fc := newFakeCloud(t)
	var mu sync.Mutex
	attempts := 0
	fc.handle(pathDeviceList, func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		writeEnvelope(w, 200, "", []any{e300One})
	})

	s := fc.open(t, WithRetries(2))
	devices, err := ListDevices(context.Background(), s, false)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
	assert.Equal(t, 3, fc.count(pathDeviceList))
}

func TestTransportDoesNotRetryByDefault(t *testing.T) {
	fc := newFakeCloud(t)
	fc.handle(pathDeviceList, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})

	s := fc.open(t)
	_, err := ListDevices(context.Background(), s, false)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 1, fc.count(pathDeviceList))
}

func TestTransportTimeout(t *testing.T) {
	fc := newFakeCloud(t)
	release := make(chan struct{})
	defer close(release)
	fc.handle(pathDeviceList, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})

	s := fc.open(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := ListDevices(ctx, s, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{`1767225600`, time.Unix(1767225600, 0)},
		{`1767225600000`, time.UnixMilli(1767225600000)},
		{`"1767225600000"`, time.UnixMilli(1767225600000)},
		{`"2026-01-01 00:00:00"`, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		{`null`, time.Time{}},
		{`"soon"`, time.Time{}},
	}
	for _, tt := range tests {
		got := parseTimestamp([]byte(tt.in))
		assert.True(t, tt.want.Equal(got), "%s: got %v", tt.in, got)
	}
}
