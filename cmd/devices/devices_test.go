package devices

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pecron-terminal/pkg/pecron"
)

func TestBatteryBar(t *testing.T) {
	bar := batteryBar(50, 10)
	assert.Equal(t, 5, strings.Count(bar, "|"))
	assert.Equal(t, 5, strings.Count(bar, "."))

	assert.Equal(t, 10, strings.Count(batteryBar(140, 10), "|"), "clamped")
	assert.Equal(t, 10, strings.Count(batteryBar(-5, 10), "."))
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "98", num(98))
	assert.Equal(t, "0.98", num(0.98))
	assert.Equal(t, "?", opt(nil))
	assert.Equal(t, "2h 05m", duration(125))
	assert.Equal(t, "ON", onOff(true))
}

func TestPrintStatus(t *testing.T) {
	props, err := pecron.Decode([]byte(`[
		{"code":"battery_percentage","value":98},
		{"code":"total_output_power","value":145},
		{"code":"ac_switch_hm","value":true},
		{"code":"dc_switch_hm","value":0},
		{"code":"remain_time","value":125},
		{"code":"ac_data_output_hm","value":{"ac_output_voltage":230,"ac_output_power":145,"ac_output_hz":50}},
		{"code":"vendor_extra","value":"x"}
	]`), nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	printStatus(&buf, StatusView{Device: "E300 Garage", Product: "E300", Online: true, Firmware: "1.0.7", Properties: props}, true)
	out := buf.String()

	assert.Contains(t, out, "E300 Garage (E300)")
	assert.Contains(t, out, "Firmware:       1.0.7")
	assert.Contains(t, out, "98%")
	assert.Contains(t, out, "Output Power:   145 W")
	assert.Contains(t, out, "Switches:       AC=ON, DC=OFF")
	assert.Contains(t, out, "Time to Empty:  2h 05m")
	assert.Contains(t, out, "AC Output:      145 W @ 230 V / 50 Hz")
	assert.Contains(t, out, "vendor_extra")
	assert.NotContains(t, out, "Input Power")
}

func TestPrintStatusError(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, StatusView{Device: "F3000", Error: "device not found"}, false)
	assert.Contains(t, buf.String(), "Error:          device not found")
}

func TestPrintDevices(t *testing.T) {
	signal := -67
	var buf bytes.Buffer
	require.NoError(t, printDevices(&buf, []pecron.Device{
		{Name: "F3000", ProductName: "F3000LFP", ProductKey: "pk2", DeviceKey: "dk3", SignalStrength: &signal, SerialNumber: "SN123"},
	}))

	out := buf.String()
	assert.Contains(t, out, "Found 1 device(s)")
	assert.Contains(t, out, "PK / DK:  pk2 / dk3")
	assert.Contains(t, out, "Signal:   -67 dBm")
	assert.Contains(t, out, "Serial:   SN123")

	buf.Reset()
	require.NoError(t, printDevices(&buf, nil))
	assert.Equal(t, "No devices found.\n", buf.String())
}
