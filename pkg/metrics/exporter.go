package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pecron-terminal/pkg/pecron"
)

// Exporter keeps the latest snapshot of every device as Prometheus gauges.
// A field the device did not report is removed rather than set to zero.
type Exporter struct {
	gatherer prometheus.Gatherer

	batteryPercent   *prometheus.GaugeVec
	inputWatts       *prometheus.GaugeVec
	outputWatts      *prometheus.GaugeVec
	switchOn         *prometheus.GaugeVec
	remainingMinutes *prometheus.GaugeVec
	deviceOnline     *prometheus.GaugeVec
}

// NewExporter registers the gauges on reg. A nil reg gets a private registry.
func NewExporter(reg *prometheus.Registry) *Exporter {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	e := &Exporter{
		gatherer: reg,
		batteryPercent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pecron_battery_percent",
				Help: "Battery state of charge in percent.",
			},
			[]string{"device", "product"}),
		inputWatts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pecron_input_watts",
				Help: "Total input power in watts.",
			},
			[]string{"device", "product"}),
		outputWatts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pecron_output_watts",
				Help: "Total output power in watts.",
			},
			[]string{"device", "product"}),
		switchOn: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pecron_switch_on",
				Help: "Output switch state, 1 when on.",
			},
			[]string{"device", "product", "switch"}),
		remainingMinutes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pecron_remaining_minutes",
				Help: "Estimated minutes until full (charge) or empty (discharge).",
			},
			[]string{"device", "product", "direction"}),
		deviceOnline: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pecron_device_online",
				Help: "Cloud connectivity of the device, 1 when online.",
			},
			[]string{"device", "product"}),
	}
	reg.MustRegister(e.batteryPercent)
	reg.MustRegister(e.inputWatts)
	reg.MustRegister(e.outputWatts)
	reg.MustRegister(e.switchOn)
	reg.MustRegister(e.remainingMinutes)
	reg.MustRegister(e.deviceOnline)
	return e
}

// Publish implements monitor.Sink.
func (e *Exporter) Publish(_ context.Context, d pecron.Device, props *pecron.DeviceProperties) error {
	labels := prometheus.Labels{"device": d.Name, "product": d.ProductName}

	e.deviceOnline.With(labels).Set(boolGauge(d.Online))
	if props == nil {
		return nil
	}

	setOrDelete(e.batteryPercent, labels, props.BatteryPercentage)
	setOrDelete(e.inputWatts, labels, props.TotalInputPower)
	setOrDelete(e.outputWatts, labels, props.TotalOutputPower)

	setOrDelete(e.switchOn, with(labels, "switch", "ac"), boolPtr(props.ACSwitch))
	setOrDelete(e.switchOn, with(labels, "switch", "dc"), boolPtr(props.DCSwitch))
	setOrDelete(e.switchOn, with(labels, "switch", "ups"), boolPtr(props.UPSStatus))

	setOrDelete(e.remainingMinutes, with(labels, "direction", "charge"), props.RemainChargingTime)
	setOrDelete(e.remainingMinutes, with(labels, "direction", "discharge"), props.RemainDischargingTime)
	return nil
}

// Handler serves the registry in the Prometheus text format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.gatherer, promhttp.HandlerOpts{})
}

func setOrDelete(g *prometheus.GaugeVec, labels prometheus.Labels, v *float64) {
	if v == nil {
		g.Delete(labels)
		return
	}
	g.With(labels).Set(*v)
}

func with(base prometheus.Labels, name, value string) prometheus.Labels {
	out := make(prometheus.Labels, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out[name] = value
	return out
}

func boolPtr(b *bool) *float64 {
	if b == nil {
		return nil
	}
	v := boolGauge(*b)
	return &v
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
