package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"pecron-terminal/pkg/pecron"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 250 // milliseconds
	keepAlive         = 60 * time.Second
)

var ErrConnectionFailed = errors.New("mqtt connection failed")

// CommandFunc sends values to a device and reports the per-code verdicts.
type CommandFunc func(ctx context.Context, d pecron.Device, values map[string]any) (*pecron.CommandResult, error)

type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// Bridge mirrors device snapshots onto MQTT and turns set messages into
// cloud commands.
type Bridge struct {
	client  mqtt.Client
	topics  Topics
	qos     byte
	command CommandFunc
	logger  zerolog.Logger

	// ctx bounds commands started from incoming messages.
	ctx    context.Context
	cancel context.CancelFunc

	runMu   sync.Mutex
	running sync.WaitGroup
	closed  bool

	mu      sync.RWMutex
	devices map[string]pecron.Device // slug -> device
	slugs   map[string]string        // device ID -> slug
}

type statePayload struct {
	Device          string                   `json:"device"`
	Product         string                   `json:"product"`
	Online          bool                     `json:"online"`
	FirmwareVersion string                   `json:"firmwareVersion,omitempty"`
	MCUVersion      string                   `json:"mcuVersion,omitempty"`
	Time            time.Time                `json:"time"`
	Properties      *pecron.DeviceProperties `json:"properties,omitempty"`
}

type resultPayload struct {
	Device  string                `json:"device"`
	Success bool                  `json:"success"`
	Entries []pecron.CommandEntry `json:"entries,omitempty"`
	Error   string                `json:"error,omitempty"`
}

// Connect dials the broker. Set messages are handled with command; a nil
// command makes the bridge publish only.
func Connect(cfg Config, command CommandFunc, logger zerolog.Logger) (*Bridge, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("%w: no broker configured", ErrConnectionFailed)
	}

	b := newBridge(cfg, command, logger)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(b.onDisconnect)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetCleanSession(true)
	opts.SetWill(b.topics.BridgeStatus(), "offline", b.qos, true)

	b.client = mqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return b, nil
}

func newBridge(cfg Config, command CommandFunc, logger zerolog.Logger) *Bridge {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "pecron"
	}
	qos := cfg.QoS
	if qos > 2 {
		qos = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		topics:  Topics{Prefix: prefix},
		qos:     qos,
		command: command,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		devices: make(map[string]pecron.Device),
		slugs:   make(map[string]string),
	}
}

// Topics exposes the topic layout in use.
func (b *Bridge) Topics() Topics {
	return b.topics
}

func (b *Bridge) onConnect(client mqtt.Client) {
	b.logger.Info().Msg("connected to mqtt broker")

	client.Publish(b.topics.BridgeStatus(), b.qos, true, "online")

	if b.command == nil {
		return
	}
	topic := b.topics.SetWildcard()
	if token := client.Subscribe(topic, b.qos, b.consume); token.Wait() && token.Error() != nil {
		b.logger.Error().Err(token.Error()).Str("topic", topic).Msg("subscribe failed")
		return
	}
	b.logger.Debug().Str("topic", topic).Msg("subscribed")
}

func (b *Bridge) onDisconnect(_ mqtt.Client, err error) {
	b.logger.Warn().Err(err).Msg("mqtt connection lost")
}

// consume hands a set message to its own goroutine. Commands take a cloud
// round trip and paho dispatches messages from a single router goroutine.
func (b *Bridge) consume(_ mqtt.Client, msg mqtt.Message) {
	b.runMu.Lock()
	if b.closed {
		b.runMu.Unlock()
		return
	}
	b.running.Add(1)
	b.runMu.Unlock()

	topic, payload := msg.Topic(), msg.Payload()
	go func() {
		defer b.running.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error().Interface("panic", r).Str("topic", topic).Msg("mqtt handler panic recovered")
			}
		}()

		if err := b.handleSet(b.ctx, topic, payload); err != nil {
			b.logger.Warn().Err(err).Str("topic", topic).Msg("set message rejected")
		}
	}()
}

// Publish implements monitor.Sink: the retained state and availability of d.
func (b *Bridge) Publish(_ context.Context, d pecron.Device, props *pecron.DeviceProperties) error {
	slug := b.remember(d)

	state, err := json.Marshal(statePayload{
		Device:          d.Name,
		Product:         d.ProductName,
		Online:          d.Online,
		FirmwareVersion: d.FirmwareVersion,
		MCUVersion:      d.MCUVersion,
		Time:            time.Now().UTC(),
		Properties:      props,
	})
	if err != nil {
		return err
	}

	availability := "offline"
	if d.Online {
		availability = "online"
	}

	if err := b.publish(b.topics.State(slug), true, state); err != nil {
		return err
	}
	return b.publish(b.topics.Availability(slug), true, availability)
}

// remember assigns d a stable slug. A second device with the same name gets
// its device key appended.
func (b *Bridge) remember(d pecron.Device) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if slug, ok := b.slugs[d.ID()]; ok {
		b.devices[slug] = d
		return slug
	}

	slug := Slug(d.Name)
	if other, taken := b.devices[slug]; taken && other.ID() != d.ID() {
		slug = slug + "-" + Slug(d.DeviceKey)
	}
	b.slugs[d.ID()] = slug
	b.devices[slug] = d
	return slug
}

func (b *Bridge) device(slug string) (pecron.Device, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.devices[slug]
	return d, ok
}

// handleSet runs one set message and publishes its result. Only devices that
// have been published at least once can be addressed.
func (b *Bridge) handleSet(ctx context.Context, topic string, payload []byte) error {
	slug, ok := b.topics.SlugFromSet(topic)
	if !ok {
		return fmt.Errorf("not a set topic: %s", topic)
	}

	d, ok := b.device(slug)
	if !ok {
		err := fmt.Errorf("%w: %s", pecron.ErrDeviceNotFound, slug)
		b.publishResult(slug, resultPayload{Device: slug, Error: err.Error()})
		return err
	}

	var values map[string]any
	if err := json.Unmarshal(payload, &values); err != nil || len(values) == 0 {
		err = fmt.Errorf("%w: payload must be a non-empty JSON object", pecron.ErrInvalidValue)
		b.publishResult(slug, resultPayload{Device: d.Name, Error: err.Error()})
		return err
	}

	b.logger.Info().Str("device", d.Name).Interface("values", values).Msg("command from mqtt")

	res, err := b.command(ctx, d, values)
	out := resultPayload{Device: d.Name}
	if res != nil {
		out.Success = res.Success()
		out.Entries = res.Entries
	}
	if err != nil {
		out.Success = false
		out.Error = err.Error()
	}
	b.publishResult(slug, out)
	return err
}

func (b *Bridge) publishResult(slug string, res resultPayload) {
	data, err := json.Marshal(res)
	if err != nil {
		b.logger.Error().Err(err).Msg("encode result")
		return
	}
	if err := b.publish(b.topics.Result(slug), false, data); err != nil {
		b.logger.Warn().Err(err).Str("device", res.Device).Msg("publish result failed")
	}
}

func (b *Bridge) publish(topic string, retained bool, payload any) error {
	token := b.client.Publish(topic, b.qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout after %v", topic, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close marks the bridge offline and disconnects. Commands still running are
// cancelled.
func (b *Bridge) Close() {
	b.runMu.Lock()
	b.closed = true
	b.runMu.Unlock()

	b.cancel()
	b.running.Wait()
	if b.client == nil {
		return
	}
	if b.client.IsConnected() {
		token := b.client.Publish(b.topics.BridgeStatus(), b.qos, true, "offline")
		token.WaitTimeout(publishTimeout)
	}
	b.client.Disconnect(disconnectQuiesce)
}
