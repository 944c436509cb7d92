package pecron

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testEmail    = "user@example.com"
	testPassword = "hunter2"
)

// fakeCloud is an in-process stand-in for the regional API. It checks the
// login exchange for real and serves canned payloads for everything else.
type fakeCloud struct {
	server *httptest.Server

	mu         sync.Mutex
	logins     int
	calls      map[string]int
	forms      map[string]url.Values
	queries    map[string]url.Values
	headers    http.Header
	routes     map[string]http.HandlerFunc
	expiry     func(n int) any
	loginDelay time.Duration
	failLogin  func(n int) bool
}

func newFakeCloud(t *testing.T) *fakeCloud {
	t.Helper()

	fc := &fakeCloud{
		calls:   make(map[string]int),
		forms:   make(map[string]url.Values),
		queries: make(map[string]url.Values),
		routes:  make(map[string]http.HandlerFunc),
		expiry:  func(int) any { return nil },
	}
	fc.server = httptest.NewServer(http.HandlerFunc(fc.serve))
	t.Cleanup(fc.server.Close)
	return fc
}

func (fc *fakeCloud) serve(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()

	fc.mu.Lock()
	fc.calls[r.URL.Path]++
	fc.queries[r.URL.Path] = r.URL.Query()
	if r.Method == http.MethodPost {
		fc.forms[r.URL.Path] = r.PostForm
	}
	fc.headers = r.Header.Clone()
	h, ok := fc.routes[r.URL.Path]
	fc.mu.Unlock()

	if r.URL.Path == pathLogin {
		fc.login(w, r)
		return
	}
	if r.Header.Get("Authorization") == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if !ok {
		writeEnvelope(w, 5000, "no route", nil)
		return
	}
	h(w, r)
}

func (fc *fakeCloud) login(w http.ResponseWriter, r *http.Request) {
	fc.mu.Lock()
	fc.logins++
	n, delay, fail, expiry := fc.logins, fc.loginDelay, fc.failLogin, fc.expiry
	fc.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	form := r.PostForm
	password, err := decryptPassword(form.Get("pwd"), form.Get("random"))
	switch {
	case err != nil, form.Get("email") != testEmail, password != testPassword:
		writeEnvelope(w, 5032, "account or password error", nil)
		return
	case form.Get("userDomain") != regions[RegionEU].userDomain:
		writeEnvelope(w, 5001, "unknown user domain", nil)
		return
	case form.Get("signature") != loginSignature(form.Get("email"), form.Get("pwd"), form.Get("random"), regions[RegionEU].userDomainSecret):
		writeEnvelope(w, 5002, "signature mismatch", nil)
		return
	case fail != nil && fail(n):
		writeEnvelope(w, 5032, "account locked", nil)
		return
	}

	writeEnvelope(w, 200, "", map[string]any{
		"accessToken": map[string]any{
			"token":          fmt.Sprintf("token-%d", n),
			"expirationTime": expiry(n),
		},
		"refreshToken": map[string]any{"token": "refresh"},
	})
}

func writeEnvelope(w http.ResponseWriter, code int, msg string, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "msg": msg, "data": data})
}

func (fc *fakeCloud) handle(path string, h http.HandlerFunc) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.routes[path] = h
}

// respond serves data inside a success envelope on path.
func (fc *fakeCloud) respond(path string, data any) {
	fc.handle(path, func(w http.ResponseWriter, _ *http.Request) {
		writeEnvelope(w, 200, "", data)
	})
}

// respondRaw serves a literal data payload on path.
func (fc *fakeCloud) respondRaw(path, data string) {
	fc.handle(path, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"code":200,"msg":"","data":%s}`, data)
	})
}

func (fc *fakeCloud) fail(path string, code int, msg string) {
	fc.handle(path, func(w http.ResponseWriter, _ *http.Request) {
		writeEnvelope(w, code, msg, nil)
	})
}

func (fc *fakeCloud) count(path string) int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.calls[path]
}

func (fc *fakeCloud) loginCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.logins
}

func (fc *fakeCloud) lastForm(path string) url.Values {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.forms[path]
}

func (fc *fakeCloud) lastQuery(path string) url.Values {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.queries[path]
}

func (fc *fakeCloud) lastHeaders() http.Header {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.headers
}

func (fc *fakeCloud) options(extra ...Option) []Option {
	return append([]Option{
		WithBaseURL(fc.server.URL),
		WithHTTPClient(fc.server.Client()),
	}, extra...)
}

func (fc *fakeCloud) open(t *testing.T, extra ...Option) *Session {
	t.Helper()
	s, err := Open(context.Background(), RegionEU, testEmail, testPassword, fc.options(extra...)...)
	require.NoError(t, err)
	return s
}

// testClock is a settable clock for expiry tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var (
	e300One = map[string]any{"deviceName": "E300 Living Room", "productKey": "pk1", "deviceKey": "dk1", "productName": "E300LFP", "onlineStatus": 1}
	e300Two = map[string]any{"deviceName": "E300 Garage", "productKey": "pk1", "deviceKey": "dk2", "productName": "E300LFP", "onlineStatus": 0}
	f3000   = map[string]any{"deviceName": "F3000 Shed", "productKey": "pk2", "deviceKey": "dk3", "productName": "F3000LFP", "onlineStatus": 1, "sn": "SN123", "signalStrength": -67}
)

// sampleTSL is a catalogue with one writable switch, read-only telemetry and
// one composite.
var sampleTSL = []map[string]any{
	{"code": CodeBatteryPercentage, "name": "Battery", "dataType": "INT", "subType": "R", "specs": map[string]any{"unit": "%"}},
	{"code": CodeTotalInputPower, "name": "Input", "dataType": "INT", "subType": "R"},
	{"code": CodeTotalOutputPower, "name": "Output", "dataType": "INT", "subType": "R"},
	{"code": CodeACSwitch, "name": "AC", "dataType": "BOOL", "subType": "RW"},
	{"code": CodeDCSwitch, "name": "DC", "dataType": "BOOL", "subType": "RW"},
	{"code": CodeACOutput, "name": "AC output", "dataType": "STRUCT", "subType": "R"},
	{"code": "charge_limit", "name": "Charge limit", "dataType": "INT", "subType": "W"},
}
