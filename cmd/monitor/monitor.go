package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pecron-terminal/cmd/common"
	"pecron-terminal/pkg/bridge"
	"pecron-terminal/pkg/core"
	"pecron-terminal/pkg/influx"
	"pecron-terminal/pkg/metrics"
	"pecron-terminal/pkg/monitor"
	"pecron-terminal/pkg/pecron"
)

// NewMonitorCmd creates the monitor command
func NewMonitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Poll devices and publish their status",
		Long: `Poll every device (or those given with --device) on an interval and publish
each snapshot to the console and, when enabled, to MQTT, InfluxDB and a
Prometheus /metrics endpoint.

With --mqtt, messages on <prefix>/<device>/set are sent to the device as
commands and the verdicts are published on <prefix>/<device>/result.

Examples:
  pecron monitor --interval 30s
  pecron monitor --mqtt --metrics-listen :9120
  pecron monitor --influx --once`,
		Args: cobra.NoArgs,
		RunE: runMonitor,
	}

	cmd.Flags().StringSliceP("device", "d", nil, "Device name fragments to poll (default: all)")
	cmd.Flags().Duration("interval", 0, "Poll interval (default from config, 1m)")
	cmd.Flags().Bool("mqtt", false, "Publish to the configured MQTT broker and accept commands")
	cmd.Flags().Bool("influx", false, "Write snapshots to the configured InfluxDB bucket")
	cmd.Flags().String("metrics-listen", "", "Serve Prometheus metrics on this address, e.g. :9120")
	cmd.Flags().Bool("once", false, "Poll once and exit")
	cmd.Flags().BoolP("quiet", "q", false, "Do not print snapshots to the console")

	return cmd
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg := common.Config()

	devices, _ := cmd.Flags().GetStringSlice("device")
	interval, _ := cmd.Flags().GetDuration("interval")
	useMQTT, _ := cmd.Flags().GetBool("mqtt")
	useInflux, _ := cmd.Flags().GetBool("influx")
	listen, _ := cmd.Flags().GetString("metrics-listen")
	once, _ := cmd.Flags().GetBool("once")
	quiet, _ := cmd.Flags().GetBool("quiet")

	if interval <= 0 {
		interval = cfg.Monitor.Interval
	}
	if len(devices) == 0 {
		devices = cfg.Monitor.Devices
	}
	if listen == "" {
		listen = cfg.Metrics.Listen
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	account, err := common.Connect(ctx)
	if err != nil {
		return err
	}
	defer account.Close()

	var sinks []monitor.Sink
	if !quiet {
		sinks = append(sinks, consoleSink{w: os.Stdout})
	}

	if useMQTT {
		b, err := bridge.Connect(bridge.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		}, journaled(account), core.Logger.With().Str("component", "mqtt").Logger())
		if err != nil {
			return err
		}
		defer b.Close()
		core.Logger.Info().Msgf("Publishing to %s under %s/", cfg.MQTT.Broker, b.Topics().Prefix)
		sinks = append(sinks, b)
	}

	if useInflux {
		w, err := influx.Connect(ctx, influx.Config{
			URL:         cfg.Influx.URL,
			Token:       cfg.Influx.Token,
			Org:         cfg.Influx.Org,
			Bucket:      cfg.Influx.Bucket,
			Measurement: cfg.Influx.Measurement,
		})
		if err != nil {
			return err
		}
		defer w.Close()
		w.SetOnError(func(err error) {
			core.Logger.Warn().Err(err).Msg("influxdb write failed")
		})
		core.Logger.Info().Msgf("Writing to InfluxDB %s bucket %s", cfg.Influx.URL, cfg.Influx.Bucket)
		sinks = append(sinks, w)
	}

	if listen != "" {
		exporter := metrics.NewExporter(nil)
		srv, err := serveMetrics(listen, exporter.Handler())
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		core.Logger.Info().Msgf("Serving metrics on http://%s/metrics", srv.Addr)
		sinks = append(sinks, exporter)
	}

	poller := &monitor.Poller{
		Source:       monitor.SessionSource{Session: account.Session},
		Interval:     interval,
		Sinks:        sinks,
		Devices:      devices,
		RefreshEvery: cfg.Monitor.RefreshEvery,
		Logger:       core.Logger.With().Str("component", "monitor").Logger(),
	}

	if once {
		stats, err := poller.Once(ctx)
		if err != nil {
			return err
		}
		if stats.Polled == 0 && stats.Failed > 0 {
			return fmt.Errorf("status unavailable for %d device(s)", stats.Failed)
		}
		return nil
	}

	core.Logger.Info().Msgf("Monitoring every %v. Press Ctrl+C to stop.", interval)
	if err := poller.Run(ctx); err != nil {
		return err
	}
	core.Logger.Info().Msg("Monitor stopped.")
	return nil
}

// journaled sends bridge commands through the cloud and records them like
// commands from the command line.
func journaled(account *common.Account) bridge.CommandFunc {
	return func(ctx context.Context, d pecron.Device, values map[string]any) (*pecron.CommandResult, error) {
		res, err := pecron.SetProperties(ctx, account.Session, d, values)

		var invalid *pecron.ValidationError
		if !errors.As(err, &invalid) {
			if _, jerr := common.Storage().RecordResult(account.UserKey(), d, values, res, err); jerr != nil {
				core.Logger.Warn().Err(jerr).Msg("failed to journal command")
			}
		}
		return res, err
	}
}

func serveMetrics(addr string, handler http.Handler) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			core.Logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return srv, nil
}

// consoleSink prints one line per snapshot.
type consoleSink struct {
	w io.Writer
}

func (c consoleSink) Publish(_ context.Context, d pecron.Device, p *pecron.DeviceProperties) error {
	parts := []string{time.Now().Format("15:04:05"), d.Name}
	if !d.Online {
		parts = append(parts, "offline")
	}
	if p != nil {
		if p.BatteryPercentage != nil {
			parts = append(parts, fmt.Sprintf("battery=%g%%", *p.BatteryPercentage))
		}
		if p.TotalInputPower != nil {
			parts = append(parts, fmt.Sprintf("in=%gW", *p.TotalInputPower))
		}
		if p.TotalOutputPower != nil {
			parts = append(parts, fmt.Sprintf("out=%gW", *p.TotalOutputPower))
		}
		if p.ACSwitch != nil {
			parts = append(parts, fmt.Sprintf("ac=%t", *p.ACSwitch))
		}
		if p.DCSwitch != nil {
			parts = append(parts, fmt.Sprintf("dc=%t", *p.DCSwitch))
		}
	}
	_, err := fmt.Fprintln(c.w, strings.Join(parts, " "))
	return err
}
