package pecron

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDevice = Device{Name: "E300 Living Room", ProductKey: "pk1", DeviceKey: "dk1"}

// sentCommand decodes the json form field of the last batch control request.
func sentCommand(t *testing.T, fc *fakeCloud) (map[string]any, batchRequest) {
	t.Helper()

	form := fc.lastForm(pathBatchControl)
	require.NotNil(t, form, "no command was sent")

	var req batchRequest
	require.NoError(t, json.Unmarshal([]byte(form.Get("json")), &req))

	var items []map[string]any
	require.NoError(t, json.Unmarshal([]byte(req.Data), &items))

	values := make(map[string]any)
	for _, it := range items {
		for k, v := range it {
			values[k] = v
		}
	}
	return values, req
}

func acceptAll(fc *fakeCloud) {
	fc.respond(pathBatchControl, map[string]any{
		"successList": []any{map[string]any{
			"data":   map[string]any{"productKey": "pk1", "deviceKey": "dk1"},
			"ticket": "t-1",
		}},
		"failureList": []any{},
	})
}

func TestSetPropertiesSendsExactCodes(t *testing.T) {
	fc := newFakeCloud(t)
	fc.respond(pathProductTSL, sampleTSL)
	acceptAll(fc)
	s := fc.open(t)

	res, err := SetProperties(context.Background(), s, testDevice, map[string]any{
		CodeACSwitch:   true,
		"charge_limit": 80,
	})
	require.NoError(t, err)

	values, req := sentCommand(t, fc)
	assert.Equal(t, map[string]any{CodeACSwitch: true, "charge_limit": 80.0}, values)
	assert.Equal(t, []batchDevice{{ProductKey: "pk1", DeviceKey: "dk1"}}, req.DeviceList)
	assert.Equal(t, 0, req.Type)
	assert.Equal(t, "token-1", fc.lastHeaders().Get("Authorization"))

	require.Len(t, res.Entries, 2)
	assert.Equal(t, CodeACSwitch, res.Entries[0].Code)
	assert.Equal(t, "charge_limit", res.Entries[1].Code)
	assert.True(t, res.Success())
	assert.Empty(t, res.Failed())
	assert.Equal(t, "t-1", res.Entries[0].Ticket)
	assert.False(t, res.Entries[0].Unchecked)
}

func TestSetPropertiesRejectsReadOnly(t *testing.T) {
	fc := newFakeCloud(t)
	fc.respond(pathProductTSL, sampleTSL)
	acceptAll(fc)
	s := fc.open(t)

	_, err := SetProperties(context.Background(), s, testDevice, map[string]any{
		CodeBatteryPercentage: 50,
		CodeACSwitch:          true,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotWritable)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Problems, 1)
	assert.Equal(t, CodeBatteryPercentage, verr.Problems[0].Code)
	assert.Equal(t, 0, fc.count(pathBatchControl))
}

func TestSetPropertiesRejectsWrongType(t *testing.T) {
	fc := newFakeCloud(t)
	fc.respond(pathProductTSL, sampleTSL)
	acceptAll(fc)
	s := fc.open(t)

	_, err := SetProperties(context.Background(), s, testDevice, map[string]any{
		CodeACSwitch:   "yes please",
		"charge_limit": 80.5,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Problems, 2)
	assert.Equal(t, 0, fc.count(pathBatchControl))
}

func TestSetPropertiesEmpty(t *testing.T) {
	fc := newFakeCloud(t)
	s := fc.open(t)

	_, err := SetProperties(context.Background(), s, testDevice, map[string]any{})
	assert.ErrorIs(t, err, ErrCommand)
	assert.Equal(t, 0, fc.count(pathBatchControl))
}

func TestSetPropertiesUncheckedCodes(t *testing.T) {
	fc := newFakeCloud(t)
	fc.respond(pathProductTSL, sampleTSL)
	acceptAll(fc)
	s := fc.open(t)

	res, err := SetProperties(context.Background(), s, testDevice, map[string]any{"mystery_code": "x"})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.True(t, res.Entries[0].Unchecked)
	assert.True(t, res.Entries[0].Success)
}

func TestSetPropertiesWithoutSchema(t *testing.T) {
	fc := newFakeCloud(t)
	fc.fail(pathProductTSL, 5100, "unknown product")
	acceptAll(fc)
	s := fc.open(t)

	res, err := SetProperties(context.Background(), s, testDevice, map[string]any{CodeBatteryPercentage: 1})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.True(t, res.Entries[0].Unchecked)
}

func TestSetPropertiesPartialFailure(t *testing.T) {
	fc := newFakeCloud(t)
	fc.respond(pathProductTSL, sampleTSL)
	fc.respond(pathBatchControl, map[string]any{
		"successList": []any{map[string]any{
			"data":   map[string]any{"productKey": "pk1", "deviceKey": "dk1", "data": `[{"ac_switch_hm":true}]`},
			"ticket": 991,
		}},
		"failureList": []any{map[string]any{
			"data": map[string]any{"productKey": "pk1", "deviceKey": "dk1", "data": `[{"dc_switch_hm":true}]`},
			"msg":  "device busy",
			"code": 5307,
		}},
	})
	s := fc.open(t)

	res, err := SetProperties(context.Background(), s, testDevice, map[string]any{
		CodeACSwitch:   true,
		CodeDCSwitch:   true,
		"charge_limit": 90,
	})
	require.NoError(t, err)
	require.Len(t, res.Entries, 3)
	assert.False(t, res.Success())

	ac, ok := res.Entry(CodeACSwitch)
	require.True(t, ok)
	assert.True(t, ac.Success)
	assert.Equal(t, "991", ac.Ticket)

	dc, _ := res.Entry(CodeDCSwitch)
	assert.False(t, dc.Success)
	assert.Equal(t, "device busy", dc.Error)
	assert.Equal(t, 5307, dc.ErrorCode)

	limit, _ := res.Entry("charge_limit")
	assert.False(t, limit.Success)
	assert.Equal(t, noVerdict, limit.Error)

	assert.Len(t, res.Failed(), 2)
}

func TestSetPropertiesDeviceLevelFailure(t *testing.T) {
	fc := newFakeCloud(t)
	fc.respond(pathProductTSL, sampleTSL)
	fc.respond(pathBatchControl, map[string]any{
		"successList": []any{},
		"failureList": []any{map[string]any{
			"data": map[string]any{"productKey": "pk1", "deviceKey": "dk1"},
			"msg":  "device offline",
		}},
	})
	s := fc.open(t)

	res, err := SetProperties(context.Background(), s, testDevice, map[string]any{CodeACSwitch: true, CodeDCSwitch: false})
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	for _, e := range res.Entries {
		assert.False(t, e.Success)
		assert.Equal(t, "device offline", e.Error)
	}
}

func TestSetPropertiesIgnoresOtherDevices(t *testing.T) {
	fc := newFakeCloud(t)
	fc.respond(pathProductTSL, sampleTSL)
	fc.respond(pathBatchControl, map[string]any{
		"successList": []any{map[string]any{
			"data": map[string]any{"productKey": "pk9", "deviceKey": "dk9"},
		}},
	})
	s := fc.open(t)

	res, err := SetProperties(context.Background(), s, testDevice, map[string]any{CodeACSwitch: true})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.False(t, res.Entries[0].Success)
	assert.Equal(t, noVerdict, res.Entries[0].Error)
}

func TestSetPropertiesFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"api error", func(w http.ResponseWriter, _ *http.Request) { writeEnvelope(w, 5000, "server busy", nil) }},
		{"http error", func(w http.ResponseWriter, _ *http.Request) { http.Error(w, "bad", http.StatusInternalServerError) }},
		{"not a result", func(w http.ResponseWriter, _ *http.Request) { writeEnvelope(w, 200, "", "ok") }},
		{"no lists", func(w http.ResponseWriter, _ *http.Request) { writeEnvelope(w, 200, "", map[string]any{"foo": 1}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := newFakeCloud(t)
			fc.respond(pathProductTSL, sampleTSL)
			fc.handle(pathBatchControl, tt.handler)
			s := fc.open(t)

			_, err := SetProperties(context.Background(), s, testDevice, map[string]any{CodeACSwitch: true})
			assert.ErrorIs(t, err, ErrCommand)
			assert.Equal(t, 1, fc.count(pathBatchControl), "commands are never retried")
		})
	}
}

func TestSetACOutputOff(t *testing.T) {
	fc := newFakeCloud(t)
	fc.respond(pathProductTSL, sampleTSL)
	acceptAll(fc)
	s := fc.open(t)

	res, err := SetACOutput(context.Background(), s, testDevice, false)
	require.NoError(t, err)

	values, _ := sentCommand(t, fc)
	assert.Equal(t, map[string]any{CodeACSwitch: false}, values)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, CodeACSwitch, res.Entries[0].Code)
	assert.True(t, res.Entries[0].Success)
}

func TestSetDCOutputCustomEncoding(t *testing.T) {
	fc := newFakeCloud(t)
	fc.respond(pathProductTSL, sampleTSL)
	acceptAll(fc)

	enc := DefaultSwitchEncodings()
	enc[SwitchDC] = SwitchEncoding{Code: CodeDCSwitch, On: 1, Off: 0}
	s := fc.open(t, WithSwitchEncodings(enc))

	_, err := SetDCOutput(context.Background(), s, testDevice, true)
	require.NoError(t, err)

	values, _ := sentCommand(t, fc)
	assert.Equal(t, map[string]any{CodeDCSwitch: 1.0}, values)
}

func TestSetSwitchWithoutEncoding(t *testing.T) {
	fc := newFakeCloud(t)
	s := fc.open(t, WithSwitchEncodings(SwitchEncodings{}))

	_, err := SetACOutput(context.Background(), s, testDevice, true)
	assert.ErrorIs(t, err, ErrCommand)
}

func TestCheckValue(t *testing.T) {
	tests := []struct {
		dataType string
		value    any
		ok       bool
	}{
		{TypeBool, true, true},
		{TypeBool, 1, true},
		{TypeBool, 2, false},
		{TypeBool, "true", false},
		{TypeInt, 5, true},
		{TypeInt, int64(5), true},
		{TypeInt, 5.0, true},
		{TypeInt, 5.5, false},
		{TypeInt, "5", false},
		{TypeFloat, 5.5, true},
		{TypeDouble, json.Number("1.5"), true},
		{TypeText, "hi", true},
		{TypeText, 3, false},
		{TypeEnum, "2", true},
		{TypeEnum, 2, true},
		{TypeStruct, map[string]any{"a": 1}, true},
		{TypeStruct, "{}", false},
		{TypeArray, []any{1}, true},
		{"RAW", "anything", true},
	}
	for _, tt := range tests {
		err := checkValue(tt.dataType, tt.value)
		if tt.ok {
			assert.NoError(t, err, "%s %v", tt.dataType, tt.value)
		} else {
			assert.ErrorIs(t, err, ErrInvalidValue, "%s %v", tt.dataType, tt.value)
		}
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"true", true},
		{"OFF", false},
		{"42", int64(42)},
		{"-3", int64(-3)},
		{"1.5", 1.5},
		{`{"a":1}`, map[string]any{"a": 1.0}},
		{`[1,2]`, []any{1.0, 2.0}},
		{`"42"`, "42"},
		{"hello", "hello"},
		{"{broken", "{broken"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseValue(tt.in), tt.in)
	}
}

func TestSetPropertiesSchemaTransportFailure(t *testing.T) {
	fc := newFakeCloud(t)
	fc.handle(pathProductTSL, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	acceptAll(fc)
	s := fc.open(t)

	res, err := SetProperties(context.Background(), s, testDevice, map[string]any{CodeBatteryPercentage: 5})
	assert.ErrorIs(t, err, ErrCommand)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Nil(t, res)
	assert.Equal(t, 0, fc.count(pathBatchControl))
}

func TestParseValueRejectsNonFinite(t *testing.T) {
	for _, in := range []string{"NaN", "inf", "-Inf", "infinity"} {
		assert.Equal(t, in, ParseValue(in), in)
	}
}
