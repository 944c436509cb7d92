package influx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pecron-terminal/pkg/pecron"
)

var garage = pecron.Device{Name: "E300 Garage", ProductName: "E300", ProductKey: "pk1", DeviceKey: "dk1", Online: true}

func fieldsOf(p *write.Point) map[string]interface{} {
	out := make(map[string]interface{})
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func tagsOf(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, t := range p.TagList() {
		out[t.Key] = t.Value
	}
	return out
}

func TestNewPointOnlyReportedFields(t *testing.T) {
	props, err := pecron.Decode([]byte(`[
		{"code":"battery_percentage","value":"98"},
		{"code":"ac_switch_hm","value":true},
		{"code":"ac_data_output_hm","value":{"ac_output_voltage":230,"ac_output_power":145}}
	]`), nil)
	require.NoError(t, err)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := NewPoint(DefaultMeasurement, garage, props, at)

	assert.Equal(t, "power_station", p.Name())
	assert.Equal(t, at, p.Time())
	assert.Equal(t, map[string]string{"device": "E300 Garage", "product": "E300"}, tagsOf(p))
	assert.Equal(t, map[string]interface{}{
		"online":            true,
		"battery_percent":   98.0,
		"ac_switch":         true,
		"ac_output_voltage": 230.0,
		"ac_output_power":   145.0,
	}, fieldsOf(p))
}

func TestNewPointWithoutSnapshot(t *testing.T) {
	p := NewPoint("custom", pecron.Device{Name: "F3000"}, nil, time.Now())

	assert.Equal(t, "custom", p.Name())
	assert.Equal(t, map[string]interface{}{"online": false}, fieldsOf(p))
}

type fakeInflux struct {
	mu     sync.Mutex
	bodies []string
	ping   int
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ping":
		w.WriteHeader(f.ping)
	case "/api/v2/write":
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.bodies = append(f.bodies, string(body))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeInflux) written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.bodies, "\n")
}

func TestConnectRequiresConfig(t *testing.T) {
	_, err := Connect(context.Background(), Config{URL: "http://localhost:8086"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestConnectUnhealthy(t *testing.T) {
	srv := httptest.NewServer(&fakeInflux{ping: http.StatusServiceUnavailable})
	defer srv.Close()

	_, err := Connect(context.Background(), Config{URL: srv.URL, Bucket: "power"})
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestPublishWritesOnFlush(t *testing.T) {
	fake := &fakeInflux{ping: http.StatusNoContent}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	w, err := Connect(context.Background(), Config{URL: srv.URL, Token: "tok", Org: "home", Bucket: "power"})
	require.NoError(t, err)

	props, err := pecron.Decode([]byte(`[{"code":"battery_percentage","value":61}]`), nil)
	require.NoError(t, err)
	require.NoError(t, w.Publish(context.Background(), garage, props))
	require.NoError(t, w.Close())

	assert.Eventually(t, func() bool {
		return strings.Contains(fake.written(), "power_station,device=E300\\ Garage")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, fake.written(), "battery_percent=")

	assert.Error(t, w.Publish(context.Background(), garage, props), "closed writer")
	assert.NoError(t, w.Close())
}
