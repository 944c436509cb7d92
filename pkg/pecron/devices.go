package pecron

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Device is one power station bound to the account.
type Device struct {
	Name            string `json:"name"`
	ProductName     string `json:"productName,omitempty"`
	ProductKey      string `json:"productKey"`
	DeviceKey       string `json:"deviceKey"`
	Online          bool   `json:"online"`
	Protocol        string `json:"protocol,omitempty"`
	FirmwareVersion string `json:"firmwareVersion,omitempty"`
	MCUVersion      string `json:"mcuVersion,omitempty"`
	SerialNumber    string `json:"serialNumber,omitempty"`
	SignalStrength  *int   `json:"signalStrength,omitempty"`
	LastConnTime    string `json:"lastConnTime,omitempty"`
}

// ID is the product/device key pair that identifies the device to the cloud.
func (d Device) ID() string {
	return d.ProductKey + "/" + d.DeviceKey
}

type apiDevice struct {
	DeviceName     string          `json:"deviceName"`
	ProductName    string          `json:"productName"`
	ProductKey     string          `json:"productKey"`
	DeviceKey      string          `json:"deviceKey"`
	OnlineStatus   int             `json:"onlineStatus"`
	Protocol       string          `json:"protocol"`
	SN             *string         `json:"sn"`
	SignalStrength *int            `json:"signalStrength"`
	LastConnTime   json.RawMessage `json:"lastConnTime"`
}

func (a apiDevice) toDevice() Device {
	d := Device{
		Name:           a.DeviceName,
		ProductName:    a.ProductName,
		ProductKey:     a.ProductKey,
		DeviceKey:      a.DeviceKey,
		Online:         a.OnlineStatus == 1,
		Protocol:       a.Protocol,
		SignalStrength: a.SignalStrength,
		LastConnTime:   strings.Trim(string(a.LastConnTime), `"`),
	}
	if d.Name == "" {
		d.Name = "Unknown"
	}
	if a.SN != nil {
		d.SerialNumber = *a.SN
	}
	if d.LastConnTime == "null" {
		d.LastConnTime = ""
	}
	return d
}

// ListDevices returns every device bound to the account in server order. The
// list is cached on the session until refresh is set.
func ListDevices(ctx context.Context, s *Session, refresh bool) ([]Device, error) {
	if !refresh {
		s.cacheMu.Lock()
		if s.devicesLoaded {
			out := append([]Device(nil), s.devices...)
			s.cacheMu.Unlock()
			return out, nil
		}
		s.cacheMu.Unlock()
	}

	data, err := s.get(ctx, pathDeviceList, nil)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	devices, err := parseDeviceList(data)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Int("count", len(devices)).Msg("device list loaded")

	s.cacheMu.Lock()
	s.devices = devices
	s.devicesLoaded = true
	s.cacheMu.Unlock()

	return append([]Device(nil), devices...), nil
}

// parseDeviceList accepts either a bare array or an object with a list field.
func parseDeviceList(data json.RawMessage) ([]Device, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return []Device{}, nil
	}

	var items []apiDevice
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("%w: device list: %w", ErrDecode, err)
		}
	case '{':
		var wrapped struct {
			List []apiDevice `json:"list"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, fmt.Errorf("%w: device list: %w", ErrDecode, err)
		}
		items = wrapped.List
	default:
		return nil, fmt.Errorf("%w: unexpected device list payload", ErrDecode)
	}

	devices := make([]Device, 0, len(items))
	for _, it := range items {
		devices = append(devices, it.toDevice())
	}
	return devices, nil
}

// Filter returns the devices whose name contains fragment, ignoring case.
func Filter(devices []Device, fragment string) []Device {
	needle := strings.ToLower(fragment)
	var out []Device
	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), needle) {
			out = append(out, d)
		}
	}
	return out
}

// Resolve picks the single device whose name contains fragment. It never
// guesses between several matches.
func Resolve(devices []Device, fragment string) (Device, error) {
	matches := Filter(devices, fragment)
	switch len(matches) {
	case 0:
		return Device{}, fmt.Errorf("%w: no device matching %q", ErrDeviceNotFound, fragment)
	case 1:
		return matches[0], nil
	default:
		return Device{}, &AmbiguousDeviceError{Fragment: fragment, Matches: matches}
	}
}

// GetDeviceInfo returns the cloud's device record without interpretation.
func GetDeviceInfo(ctx context.Context, s *Session, d Device) (json.RawMessage, error) {
	data, err := s.get(ctx, pathDeviceInfo, deviceQuery(d))
	if err != nil {
		return nil, deviceErr(d, err)
	}
	return data, nil
}

func deviceQuery(d Device) url.Values {
	return url.Values{
		"pk": {d.ProductKey},
		"dk": {d.DeviceKey},
	}
}

// deviceErr maps the platform's "no such device" codes onto ErrDeviceNotFound.
func deviceErr(d Device, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Code == 404 || apiErr.Code == 4004) {
		return fmt.Errorf("%w: %s: %w", ErrDeviceNotFound, d.Name, err)
	}
	return fmt.Errorf("%s: %w", d.Name, err)
}
