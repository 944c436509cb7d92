package influx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"pecron-terminal/pkg/pecron"
)

const (
	DefaultMeasurement = "power_station"

	defaultConnectTimeout = 10 * time.Second
	defaultBatchSize      = 50
	defaultFlushMs        = 5000
)

var (
	ErrConnectionFailed = errors.New("influxdb connection failed")
	ErrNotConfigured    = errors.New("influxdb url and bucket are required")
)

type Config struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
}

// Writer stores snapshots as points. Writes are batched and asynchronous;
// failures arrive through the OnError callback.
type Writer struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPI
	measurement string

	mu      sync.RWMutex
	onError func(err error)
	closed  bool
}

// Connect pings the server and prepares a batching write API.
func Connect(ctx context.Context, cfg Config) (*Writer, error) {
	if cfg.URL == "" || cfg.Bucket == "" {
		return nil, ErrNotConfigured
	}
	if cfg.Measurement == "" {
		cfg.Measurement = DefaultMeasurement
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(defaultBatchSize).
			SetFlushInterval(defaultFlushMs),
	)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	w := &Writer{
		client:      client,
		writeAPI:    client.WriteAPI(cfg.Org, cfg.Bucket),
		measurement: cfg.Measurement,
	}
	go w.handleWriteErrors(w.writeAPI.Errors())

	return w, nil
}

func (w *Writer) handleWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		w.mu.RLock()
		callback := w.onError
		w.mu.RUnlock()

		if callback != nil {
			callback(err)
		}
	}
}

// SetOnError sets the callback for asynchronous write failures.
func (w *Writer) SetOnError(callback func(err error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onError = callback
}

// Publish implements monitor.Sink.
func (w *Writer) Publish(_ context.Context, d pecron.Device, props *pecron.DeviceProperties) error {
	w.mu.RLock()
	closed := w.closed
	w.mu.RUnlock()
	if closed {
		return errors.New("influxdb writer closed")
	}

	w.writeAPI.WritePoint(NewPoint(w.measurement, d, props, time.Now()))
	return nil
}

// Flush sends everything buffered so far.
func (w *Writer) Flush() {
	w.writeAPI.Flush()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.writeAPI.Flush()
	w.client.Close()
	return nil
}

// NewPoint converts a snapshot into one point tagged by device and product.
// Only reported fields are written, plus the device's online flag.
func NewPoint(measurement string, d pecron.Device, props *pecron.DeviceProperties, at time.Time) *write.Point {
	tags := map[string]string{
		"device":  d.Name,
		"product": d.ProductName,
	}
	fields := map[string]interface{}{
		"online": d.Online,
	}

	if props != nil {
		addFloat(fields, "battery_percent", props.BatteryPercentage)
		addFloat(fields, "input_watts", props.TotalInputPower)
		addFloat(fields, "output_watts", props.TotalOutputPower)
		addFloat(fields, "remain_charging_minutes", props.RemainChargingTime)
		addFloat(fields, "remain_discharging_minutes", props.RemainDischargingTime)

		addBool(fields, "ac_switch", props.ACSwitch)
		addBool(fields, "dc_switch", props.DCSwitch)
		addBool(fields, "ups", props.UPSStatus)

		addReading(fields, "ac_output", props.ACOutput)
		addReading(fields, "dc_output", props.DCOutput)
		addReading(fields, "ac_input", props.ACInput)
		addReading(fields, "dc_input", props.DCInput)
	}

	return write.NewPoint(measurement, tags, fields, at)
}

func addFloat(fields map[string]interface{}, key string, v *float64) {
	if v != nil {
		fields[key] = *v
	}
}

func addBool(fields map[string]interface{}, key string, v *bool) {
	if v != nil {
		fields[key] = *v
	}
}

func addReading(fields map[string]interface{}, prefix string, r *pecron.Reading) {
	if r == nil {
		return
	}
	addFloat(fields, prefix+"_voltage", r.Voltage)
	addFloat(fields, prefix+"_power", r.Power)
	addFloat(fields, prefix+"_pf", r.PowerFactor)
	addFloat(fields, prefix+"_hz", r.Frequency)
}
