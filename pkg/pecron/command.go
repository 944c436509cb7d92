package pecron

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Switch names accepted by SwitchEncodings.
const (
	SwitchAC = "ac"
	SwitchDC = "dc"
)

// noVerdict is reported for a code the platform said nothing about.
const noVerdict = "no verdict returned"

// SwitchEncoding is the code and wire values used to turn one output on or off.
type SwitchEncoding struct {
	Code string
	On   any
	Off  any
}

func (e SwitchEncoding) Value(on bool) any {
	if on {
		return e.On
	}
	return e.Off
}

// SwitchEncodings maps a switch name (SwitchAC, SwitchDC) to its encoding.
type SwitchEncodings map[string]SwitchEncoding

// DefaultSwitchEncodings writes the switches as TSL booleans.
func DefaultSwitchEncodings() SwitchEncodings {
	return SwitchEncodings{
		SwitchAC: {Code: CodeACSwitch, On: true, Off: false},
		SwitchDC: {Code: CodeDCSwitch, On: true, Off: false},
	}
}

// CommandEntry is the verdict for one submitted code.
type CommandEntry struct {
	Code      string `json:"code"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	ErrorCode int    `json:"errorCode,omitempty"`
	Ticket    string `json:"ticket,omitempty"`
	// Unchecked is set when the code was not in the catalogue and went out
	// without validation.
	Unchecked bool `json:"unchecked,omitempty"`
}

// CommandResult holds one entry per submitted code, sorted by code.
type CommandResult struct {
	Device  string         `json:"device"`
	Entries []CommandEntry `json:"entries"`
}

// Success reports whether every code was accepted.
func (r *CommandResult) Success() bool {
	for _, e := range r.Entries {
		if !e.Success {
			return false
		}
	}
	return len(r.Entries) > 0
}

func (r *CommandResult) Failed() []CommandEntry {
	var out []CommandEntry
	for _, e := range r.Entries {
		if !e.Success {
			out = append(out, e)
		}
	}
	return out
}

func (r *CommandResult) Entry(code string) (CommandEntry, bool) {
	for _, e := range r.Entries {
		if e.Code == code {
			return e, true
		}
	}
	return CommandEntry{}, false
}

type batchDevice struct {
	ProductKey string `json:"productKey"`
	DeviceKey  string `json:"deviceKey"`
}

type batchRequest struct {
	Data       string        `json:"data"`
	DeviceList []batchDevice `json:"deviceList"`
	Type       int           `json:"type"`
}

type batchResponse struct {
	SuccessList *[]batchItem `json:"successList"`
	FailureList *[]batchItem `json:"failureList"`
}

type batchItem struct {
	Data   json.RawMessage `json:"data"`
	Ticket json.RawMessage `json:"ticket"`
	Msg    string          `json:"msg"`
	Code   json.Number     `json:"code"`
}

type batchItemData struct {
	ProductKey string          `json:"productKey"`
	DeviceKey  string          `json:"deviceKey"`
	Data       json.RawMessage `json:"data"`
}

// SetProperties writes every code in values to the device in one request.
// Codes known to the catalogue are checked first and nothing is sent if any
// fails; the error is then a *ValidationError.
func SetProperties(ctx context.Context, s *Session, d Device, values map[string]any) (*CommandResult, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: no properties to set", ErrCommand)
	}

	codes := make([]string, 0, len(values))
	for code := range values {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	schema, err := GetSchema(ctx, s, d.ProductKey, false)
	if err != nil {
		if errors.Is(err, ErrAuthentication) {
			return nil, err
		}
		if !errors.Is(err, ErrSchemaUnavailable) {
			return nil, fmt.Errorf("%w: %s: %w", ErrCommand, d.Name, err)
		}
		s.logger.Warn().Str("device", d.Name).Err(err).Msg("sending command without tsl validation")
		schema = nil
	}

	unchecked := make(map[string]bool)
	var problems []PropertyError
	for _, code := range codes {
		def, ok := schema.Lookup(code)
		if !ok {
			unchecked[code] = true
			continue
		}
		if !def.Writable {
			problems = append(problems, PropertyError{Code: code, Err: fmt.Errorf("%w (%s)", ErrNotWritable, def.SubType)})
			continue
		}
		if err := checkValue(def.DataType, values[code]); err != nil {
			problems = append(problems, PropertyError{Code: code, Err: err})
		}
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	items := make([]map[string]any, 0, len(codes))
	for _, code := range codes {
		items = append(items, map[string]any{code: values[code]})
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding values: %w", ErrCommand, err)
	}
	body, err := json.Marshal(batchRequest{
		Data:       string(data),
		DeviceList: []batchDevice{{ProductKey: d.ProductKey, DeviceKey: d.DeviceKey}},
		Type:       0,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding request: %w", ErrCommand, err)
	}

	s.logger.Info().Str("device", d.Name).Strs("codes", codes).Msg("sending command")

	resp, err := s.postForm(ctx, pathBatchControl, url.Values{"json": {string(body)}})
	if err != nil {
		if errors.Is(err, ErrAuthentication) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrCommand, d.Name, err)
	}

	result, err := parseCommandResult(d, codes, resp)
	if err != nil {
		return nil, err
	}
	for i := range result.Entries {
		result.Entries[i].Unchecked = unchecked[result.Entries[i].Code]
	}
	return result, nil
}

// SetACOutput switches the AC output using the session's switch encoding.
func SetACOutput(ctx context.Context, s *Session, d Device, on bool) (*CommandResult, error) {
	return setSwitch(ctx, s, d, SwitchAC, on)
}

// SetDCOutput switches the DC output using the session's switch encoding.
func SetDCOutput(ctx context.Context, s *Session, d Device, on bool) (*CommandResult, error) {
	return setSwitch(ctx, s, d, SwitchDC, on)
}

func setSwitch(ctx context.Context, s *Session, d Device, name string, on bool) (*CommandResult, error) {
	enc, ok := s.switches[name]
	if !ok || enc.Code == "" {
		return nil, fmt.Errorf("%w: no encoding configured for %s switch", ErrCommand, name)
	}
	return SetProperties(ctx, s, d, map[string]any{enc.Code: enc.Value(on)})
}

// parseCommandResult turns the platform's per-device lists into one entry per
// submitted code. Failures override successes for the same code.
func parseCommandResult(d Device, codes []string, data json.RawMessage) (*CommandResult, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: %s: unexpected command response", ErrCommand, d.Name)
	}

	var resp batchResponse
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, fmt.Errorf("%w: %s: invalid command response: %w", ErrCommand, d.Name, err)
	}
	if resp.SuccessList == nil && resp.FailureList == nil {
		return nil, fmt.Errorf("%w: %s: command response has no result lists", ErrCommand, d.Name)
	}

	verdicts := make(map[string]CommandEntry, len(codes))
	apply := func(items *[]batchItem, ok bool) {
		if items == nil {
			return
		}
		for _, it := range *items {
			if !it.matches(d) {
				continue
			}
			for _, code := range it.appliesTo(codes) {
				e := CommandEntry{Code: code, Success: ok, Ticket: ticketString(it.Ticket)}
				if !ok {
					e.Error = it.Msg
					if n, err := it.Code.Int64(); err == nil {
						e.ErrorCode = int(n)
					}
					if e.Error == "" {
						e.Error = "rejected by device"
					}
				}
				verdicts[code] = e
			}
		}
	}
	apply(resp.SuccessList, true)
	apply(resp.FailureList, false)

	result := &CommandResult{Device: d.Name, Entries: make([]CommandEntry, 0, len(codes))}
	for _, code := range codes {
		e, ok := verdicts[code]
		if !ok {
			e = CommandEntry{Code: code, Error: noVerdict}
		}
		result.Entries = append(result.Entries, e)
	}
	return result, nil
}

// matches accepts items for this device, and items that do not say which
// device they are about.
func (it batchItem) matches(d Device) bool {
	target := it.target()
	if target.ProductKey == "" && target.DeviceKey == "" {
		return true
	}
	return target.ProductKey == d.ProductKey && target.DeviceKey == d.DeviceKey
}

// target tolerates a data field that is not an object.
func (it batchItem) target() batchItemData {
	var t batchItemData
	_ = json.Unmarshal(it.Data, &t)
	return t
}

// appliesTo returns the submitted codes an item speaks for: the ones it echoes
// back, or all of them if it echoes none.
func (it batchItem) appliesTo(codes []string) []string {
	echoed := echoedCodes(it.target().Data)
	var out []string
	for _, code := range codes {
		if echoed[code] {
			out = append(out, code)
		}
	}
	if len(out) == 0 {
		return codes
	}
	return out
}

// echoedCodes reads codes from `[{code:v}]`, `{code:v}`, or either of those
// encoded as a JSON string.
func echoedCodes(raw json.RawMessage) map[string]bool {
	out := make(map[string]bool)
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return out
	}
	if trimmed[0] == '"' {
		var text string
		if json.Unmarshal(trimmed, &text) != nil {
			return out
		}
		trimmed = bytes.TrimSpace([]byte(text))
	}

	var list []map[string]json.RawMessage
	if json.Unmarshal(trimmed, &list) == nil {
		for _, m := range list {
			for k := range m {
				out[k] = true
			}
		}
		return out
	}
	var obj map[string]json.RawMessage
	if json.Unmarshal(trimmed, &obj) == nil {
		for k := range obj {
			out[k] = true
		}
	}
	return out
}

func ticketString(raw json.RawMessage) string {
	t := strings.TrimSpace(string(raw))
	if t == "" || t == "null" {
		return ""
	}
	return strings.Trim(t, `"`)
}

// checkValue verifies a value can be sent as the given TSL data type. Unknown
// types are accepted.
func checkValue(dataType string, v any) error {
	fail := func() error {
		return fmt.Errorf("%w: %v (%T) is not %s", ErrInvalidValue, v, v, dataType)
	}

	switch strings.ToUpper(dataType) {
	case TypeBool:
		if _, ok := v.(bool); ok {
			return nil
		}
		if n, ok := numberOf(v); ok && (n == 0 || n == 1) {
			return nil
		}
		return fail()
	case TypeInt:
		if n, ok := numberOf(v); ok && n == math.Trunc(n) {
			return nil
		}
		return fail()
	case TypeFloat, TypeDouble:
		if _, ok := numberOf(v); ok {
			return nil
		}
		return fail()
	case TypeText, TypeDate:
		if _, ok := v.(string); ok {
			return nil
		}
		return fail()
	case TypeEnum:
		if _, ok := v.(string); ok {
			return nil
		}
		if n, ok := numberOf(v); ok && n == math.Trunc(n) {
			return nil
		}
		return fail()
	case TypeStruct:
		if _, ok := v.(map[string]any); ok {
			return nil
		}
		return fail()
	case TypeArray:
		if _, ok := v.([]any); ok {
			return nil
		}
		return fail()
	}
	return nil
}

func numberOf(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// ParseValue reads command-line text as a bool, integer, float, JSON object or
// list, or falls back to the string itself. Quote a value to force a string.
func ParseValue(s string) any {
	t := strings.TrimSpace(s)
	switch strings.ToLower(t) {
	case "true", "on":
		return true
	case "false", "off":
		return false
	}
	if i, err := strconv.ParseInt(t, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(t, 64); err == nil && finite(f) {
		return f
	}
	if strings.HasPrefix(t, "{") || strings.HasPrefix(t, "[") {
		var v any
		if err := json.Unmarshal([]byte(t), &v); err == nil {
			return v
		}
	}
	if len(t) >= 2 && t[0] == '"' && t[len(t)-1] == '"' {
		if u, err := strconv.Unquote(t); err == nil {
			return u
		}
	}
	return s
}
