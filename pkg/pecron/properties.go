package pecron

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Property codes with a named field on DeviceProperties.
const (
	CodeBatteryPercentage  = "battery_percentage"
	CodeTotalInputPower    = "total_input_power"
	CodeTotalOutputPower   = "total_output_power"
	CodeACSwitch           = "ac_switch_hm"
	CodeDCSwitch           = "dc_switch_hm"
	CodeUPSStatus          = "ups_status_hm"
	CodeRemainChargingTime = "remain_charging_time"
	CodeRemainTime         = "remain_time"

	CodeACOutput = "ac_data_output_hm"
	CodeDCOutput = "dc_data_output_hm"
	CodeACInput  = "ac_data_input_hm"
	CodeDCInput  = "dc_data_input_hm"
)

// Reading is one composite electrical measurement. Members the device did not
// report are nil.
type Reading struct {
	Voltage     *float64 `json:"voltage"`
	Power       *float64 `json:"power"`
	PowerFactor *float64 `json:"powerFactor"`
	Frequency   *float64 `json:"frequency"`
}

// DeviceProperties is one decoded status snapshot. Named fields are nil when
// the device did not report them; Raw holds every code that was reported.
type DeviceProperties struct {
	BatteryPercentage     *float64 `json:"batteryPercentage"`
	TotalInputPower       *float64 `json:"totalInputPower"`
	TotalOutputPower      *float64 `json:"totalOutputPower"`
	ACSwitch              *bool    `json:"acSwitch"`
	DCSwitch              *bool    `json:"dcSwitch"`
	UPSStatus             *bool    `json:"upsStatus"`
	RemainChargingTime    *float64 `json:"remainChargingTime"`
	RemainDischargingTime *float64 `json:"remainDischargingTime"`

	ACOutput *Reading `json:"acOutput"`
	DCOutput *Reading `json:"dcOutput"`
	ACInput  *Reading `json:"acInput"`
	DCInput  *Reading `json:"dcInput"`

	Raw   map[string]Value     `json:"raw"`
	Times map[string]time.Time `json:"-"`

	// order keeps codes in the order they were first seen.
	order []string
}

// GetByCode returns the decoded value for any code, named or not.
func (p *DeviceProperties) GetByCode(code string) (Value, bool) {
	v, ok := p.Raw[code]
	return v, ok
}

// Codes lists every reported code in payload order.
func (p *DeviceProperties) Codes() []string {
	return append([]string(nil), p.order...)
}

// ruleTypes gives named-field codes a type when neither the catalogue nor the
// record declares one.
var ruleTypes = map[string]string{
	CodeBatteryPercentage:  TypeInt,
	CodeTotalInputPower:    TypeInt,
	CodeTotalOutputPower:   TypeInt,
	CodeACSwitch:           TypeBool,
	CodeDCSwitch:           TypeBool,
	CodeUPSStatus:          TypeBool,
	CodeRemainChargingTime: TypeInt,
	CodeRemainTime:         TypeInt,
	CodeACOutput:           TypeStruct,
	CodeDCOutput:           TypeStruct,
	CodeACInput:            TypeStruct,
	CodeDCInput:            TypeStruct,
}

// composite maps a struct code and its members onto a Reading.
type composite struct {
	code        string
	voltage     string
	power       string
	powerFactor string
	frequency   string
}

var (
	acOutputRule = composite{
		code:        CodeACOutput,
		voltage:     "ac_output_voltage",
		power:       "ac_output_power",
		powerFactor: "ac_output_pf",
		frequency:   "ac_output_hz",
	}
	dcOutputRule = composite{code: CodeDCOutput, power: "dc_output_power"}
	acInputRule  = composite{code: CodeACInput, power: "ac_power"}
	dcInputRule  = composite{code: CodeDCInput, power: "dc_input_power"}
)

type record struct {
	code     string
	value    json.RawMessage
	dataType string
	at       time.Time
}

// Decode turns a property record list into a snapshot. Only a payload that is
// not a JSON array is an error; bad entries are skipped.
func Decode(raw json.RawMessage, schema Schema) (*DeviceProperties, error) {
	return decodeProperties(raw, schema, zerolog.Nop())
}

func decodeProperties(raw json.RawMessage, schema Schema, logger zerolog.Logger) (*DeviceProperties, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: expected a list of records", ErrDecode)
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	p := &DeviceProperties{
		Raw:   make(map[string]Value, len(entries)),
		Times: make(map[string]time.Time),
	}

	for i, entry := range entries {
		rec, err := parseRecord(entry)
		if err != nil {
			logger.Debug().Int("index", i).Err(err).Msg("skipping malformed property record")
			continue
		}

		dataType := rec.dataType
		if def, ok := schema.Lookup(rec.code); ok && def.DataType != "" {
			dataType = def.DataType
		}
		if dataType == "" {
			dataType = ruleTypes[rec.code]
		}

		v, err := decodeValue(rec.value, dataType)
		if err != nil {
			logger.Debug().Str("code", rec.code).Str("type", dataType).Err(err).Msg("value does not fit its type, using its own shape")
			native, perr := parseJSON(rec.value)
			if perr != nil {
				continue
			}
			v = inferValue(native)
		}

		if _, seen := p.Raw[rec.code]; !seen {
			p.order = append(p.order, rec.code)
		}
		p.Raw[rec.code] = v
		if rec.at.IsZero() {
			delete(p.Times, rec.code)
		} else {
			p.Times[rec.code] = rec.at
		}
	}

	p.derive()
	return p, nil
}

// parseRecord reads one entry, accepting the field spellings seen in the wild
// including the cloud's "resourceValce".
func parseRecord(entry json.RawMessage) (record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(entry, &fields); err != nil {
		return record{}, fmt.Errorf("not an object: %w", err)
	}

	var rec record
	for _, k := range []string{"resourceCode", "code"} {
		var code string
		if json.Unmarshal(fields[k], &code) == nil && code != "" {
			rec.code = code
			break
		}
	}
	if rec.code == "" {
		return record{}, errors.New("no code")
	}

	for _, k := range []string{"resourceValce", "resourceValue", "value"} {
		if v, ok := fields[k]; ok && !bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			rec.value = v
			break
		}
	}
	if rec.value == nil {
		return record{}, fmt.Errorf("%s has no value", rec.code)
	}

	_ = json.Unmarshal(fields["dataType"], &rec.dataType)

	for _, k := range []string{"createTime", "time"} {
		if t := parseTimestamp(fields[k]); !t.IsZero() {
			rec.at = t
			break
		}
	}
	return rec, nil
}

// derive fills the named fields from Raw.
func (p *DeviceProperties) derive() {
	p.BatteryPercentage = p.number(CodeBatteryPercentage)
	p.TotalInputPower = p.number(CodeTotalInputPower)
	p.TotalOutputPower = p.number(CodeTotalOutputPower)
	p.ACSwitch = p.boolean(CodeACSwitch)
	p.DCSwitch = p.boolean(CodeDCSwitch)
	p.UPSStatus = p.boolean(CodeUPSStatus)
	p.RemainChargingTime = p.number(CodeRemainChargingTime)
	p.RemainDischargingTime = p.number(CodeRemainTime)

	p.ACOutput = p.reading(acOutputRule)
	p.DCOutput = p.reading(dcOutputRule)
	p.ACInput = p.reading(acInputRule)
	p.DCInput = p.reading(dcInputRule)
}

func (p *DeviceProperties) number(code string) *float64 {
	v, ok := p.Raw[code]
	if !ok || v.Kind != KindNumber {
		return nil
	}
	n := v.Num
	return &n
}

func (p *DeviceProperties) boolean(code string) *bool {
	v, ok := p.Raw[code]
	if !ok || v.Kind != KindBool {
		return nil
	}
	b := v.Bool
	return &b
}

// member looks a sub-code up top-level first, then inside the struct.
func (p *DeviceProperties) member(structCode, code string) *float64 {
	if code == "" {
		return nil
	}
	if n := p.number(code); n != nil {
		return n
	}
	parent, ok := p.Raw[structCode]
	if !ok || parent.Kind != KindStruct {
		return nil
	}
	v, ok := parent.Fields[code]
	if !ok || v.Kind != KindNumber {
		return nil
	}
	n := v.Num
	return &n
}

func (p *DeviceProperties) reading(c composite) *Reading {
	r := &Reading{
		Voltage:     p.member(c.code, c.voltage),
		Power:       p.member(c.code, c.power),
		PowerFactor: p.member(c.code, c.powerFactor),
		Frequency:   p.member(c.code, c.frequency),
	}
	if r.Voltage == nil && r.Power == nil && r.PowerFactor == nil && r.Frequency == nil {
		return nil
	}
	return r
}

// businessAttributes is the payload of getDeviceBusinessAttributes.
type businessAttributes struct {
	DeviceData struct {
		Version    string `json:"version"`
		MCUVersion string `json:"mcuVersion"`
	} `json:"deviceData"`
	CustomizeTslInfo json.RawMessage `json:"customizeTslInfo"`
}

// GetRawProperties returns the unparsed business attributes payload.
func GetRawProperties(ctx context.Context, s *Session, d Device) (json.RawMessage, error) {
	data, err := s.get(ctx, pathBusinessAttributes, deviceQuery(d))
	if err != nil {
		return nil, deviceErr(d, err)
	}
	return data, nil
}

// GetDeviceProperties fetches and decodes a fresh snapshot. Firmware versions
// found in the payload are written back to d. A missing catalogue only loses
// typing; the read still succeeds.
func GetDeviceProperties(ctx context.Context, s *Session, d *Device) (*DeviceProperties, error) {
	data, err := GetRawProperties(ctx, s, *d)
	if err != nil {
		return nil, err
	}

	var attrs businessAttributes
	if len(data) > 0 {
		if err := json.Unmarshal(data, &attrs); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrDecode, d.Name, err)
		}
	}
	if attrs.DeviceData.Version != "" {
		d.FirmwareVersion = attrs.DeviceData.Version
	}
	if attrs.DeviceData.MCUVersion != "" {
		d.MCUVersion = attrs.DeviceData.MCUVersion
	}

	schema, err := GetSchema(ctx, s, d.ProductKey, false)
	if err != nil {
		if !errors.Is(err, ErrSchemaUnavailable) {
			return nil, err
		}
		s.logger.Debug().Str("device", d.Name).Err(err).Msg("decoding without tsl schema")
		schema = nil
	}

	records := attrs.CustomizeTslInfo
	if t := bytes.TrimSpace(records); len(t) == 0 || bytes.Equal(t, []byte("null")) {
		records = json.RawMessage("[]")
	}

	props, err := decodeProperties(records, schema, s.logger.With().Str("device", d.Name).Logger())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.Name, err)
	}
	return props, nil
}
