package pecron

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// PropertySchema describes one code in a product's TSL catalogue.
type PropertySchema struct {
	Code     string `json:"code"`
	Name     string `json:"name,omitempty"`
	DataType string `json:"dataType"`
	SubType  string `json:"subType"`
	Writable bool   `json:"writable"`
	Unit     string `json:"unit,omitempty"`
}

// Schema maps a property code to its definition.
type Schema map[string]PropertySchema

func (s Schema) Lookup(code string) (PropertySchema, bool) {
	p, ok := s[code]
	return p, ok
}

// Sorted returns the definitions ordered by code.
func (s Schema) Sorted() []PropertySchema {
	out := make([]PropertySchema, 0, len(s))
	for _, p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

type tslProperty struct {
	Code     string          `json:"code"`
	Resource string          `json:"resourceCode"`
	Name     string          `json:"name"`
	DataType string          `json:"dataType"`
	SubType  string          `json:"subType"`
	Unit     string          `json:"unit"`
	Specs    json.RawMessage `json:"specs"`
}

// GetSchema returns the TSL catalogue for a product. Results are cached per
// product key on the session.
func GetSchema(ctx context.Context, s *Session, productKey string, forceRefresh bool) (Schema, error) {
	if !forceRefresh {
		s.cacheMu.Lock()
		cached, ok := s.schemas[productKey]
		s.cacheMu.Unlock()
		if ok {
			return cached, nil
		}
	}

	data, err := s.get(ctx, pathProductTSL, url.Values{"productKey": {productKey}})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("%w: %s: %w", ErrSchemaUnavailable, productKey, err)
		}
		return nil, err
	}

	props, err := parseTSL(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSchemaUnavailable, productKey, err)
	}
	if len(props) == 0 {
		return nil, fmt.Errorf("%w: %s: empty catalogue", ErrSchemaUnavailable, productKey)
	}

	schema := make(Schema, len(props))
	for _, p := range props {
		if p.Code == "" {
			p.Code = p.Resource
		}
		if p.Code == "" {
			continue
		}
		if _, dup := schema[p.Code]; dup {
			s.logger.Debug().Str("product", productKey).Str("code", p.Code).Msg("duplicate tsl code ignored")
			continue
		}
		schema[p.Code] = p.toSchema()
	}

	s.cacheMu.Lock()
	s.schemas[productKey] = schema
	s.cacheMu.Unlock()

	s.logger.Debug().Str("product", productKey).Int("properties", len(schema)).Msg("tsl loaded")
	return schema, nil
}

// parseTSL accepts {tslJson: "<json>"}, {properties: [...]} or a bare array.
func parseTSL(data json.RawMessage) ([]tslProperty, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var props []tslProperty
		if err := json.Unmarshal(trimmed, &props); err != nil {
			return nil, fmt.Errorf("invalid tsl list: %w", err)
		}
		return props, nil
	}

	var doc struct {
		TSLJSON    json.RawMessage `json:"tslJson"`
		Properties []tslProperty   `json:"properties"`
	}
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("invalid tsl document: %w", err)
	}

	inner := bytes.TrimSpace(doc.TSLJSON)
	if len(inner) == 0 || bytes.Equal(inner, []byte("null")) {
		return doc.Properties, nil
	}

	// tslJson is usually a JSON document encoded as a string
	if inner[0] == '"' {
		var text string
		if err := json.Unmarshal(inner, &text); err != nil {
			return nil, fmt.Errorf("invalid tslJson: %w", err)
		}
		inner = []byte(text)
	}
	return parseTSL(inner)
}

func (p tslProperty) toSchema() PropertySchema {
	sub := strings.ToUpper(strings.TrimSpace(p.SubType))
	if sub == "" {
		sub = "R"
	}
	unit := p.Unit
	if unit == "" {
		unit = specUnit(p.Specs)
	}
	return PropertySchema{
		Code:     p.Code,
		Name:     p.Name,
		DataType: strings.ToUpper(p.DataType),
		SubType:  sub,
		Writable: sub == "RW" || sub == "W",
		Unit:     unit,
	}
}

// specUnit digs the unit out of a specs object or the first element of a
// specs list.
func specUnit(raw json.RawMessage) string {
	var obj struct {
		Unit string `json:"unit"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Unit != "" {
		return obj.Unit
	}
	var list []struct {
		Unit string `json:"unit"`
	}
	if json.Unmarshal(raw, &list) == nil && len(list) > 0 {
		return list[0].Unit
	}
	return ""
}
