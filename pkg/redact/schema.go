// Package redact masks sensitive fields in audit payloads before they
// reach the commonly queried log.
//
// Redaction is driven by static schemas: each payload type declares its
// complete field set and which of those fields are sensitive. A payload
// carrying a field its schema does not enumerate is rejected, so a new
// unredacted field cannot silently ship into the audit trail.
package redact

import (
	"encoding/json"
	"fmt"
)

// MaskToken is the fixed-width token substituted for sensitive values.
const MaskToken = "****************"

// Schema enumerates the fields of one payload type.
type Schema struct {
	// PayloadType names the payload this schema governs, e.g. "proposed_action".
	PayloadType string
	// Fields is the exhaustive set of top-level fields the payload may carry.
	Fields []string
	// Sensitive names the subset of Fields that must be masked.
	Sensitive []string

	fieldSet     map[string]struct{}
	sensitiveSet map[string]struct{}
}

// Registry holds the redaction schemas for every payload type the system
// audits. It is constructed once at process start; construction fails if
// any schema is internally inconsistent.
type Registry struct {
	schemas map[string]*Schema
}

// NewRegistry validates and indexes the given schemas.
func NewRegistry(schemas ...*Schema) (*Registry, error) {
	r := &Registry{schemas: make(map[string]*Schema, len(schemas))}
	for _, s := range schemas {
		if s.PayloadType == "" {
			return nil, fmt.Errorf("redact: schema with empty payload type")
		}
		if _, dup := r.schemas[s.PayloadType]; dup {
			return nil, fmt.Errorf("redact: duplicate schema for %q", s.PayloadType)
		}
		s.fieldSet = make(map[string]struct{}, len(s.Fields))
		for _, f := range s.Fields {
			s.fieldSet[f] = struct{}{}
		}
		s.sensitiveSet = make(map[string]struct{}, len(s.Sensitive))
		for _, f := range s.Sensitive {
			if _, ok := s.fieldSet[f]; !ok {
				return nil, fmt.Errorf("redact: schema %q marks unknown field %q sensitive", s.PayloadType, f)
			}
			s.sensitiveSet[f] = struct{}{}
		}
		r.schemas[s.PayloadType] = s
	}
	return r, nil
}

// Apply masks the sensitive fields of a JSON payload of the given type.
// It returns the masked payload. Unknown payload types and payloads
// carrying fields outside the schema's enumerated set are errors.
func (r *Registry) Apply(payloadType string, payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		return payload, nil
	}
	s, ok := r.schemas[payloadType]
	if !ok {
		return nil, fmt.Errorf("redact: no schema for payload type %q", payloadType)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("redact: payload %q is not a JSON object: %w", payloadType, err)
	}

	masked := make(map[string]any, len(fields))
	for name, raw := range fields {
		if _, known := s.fieldSet[name]; !known {
			return nil, fmt.Errorf("redact: payload %q carries field %q not in schema", payloadType, name)
		}
		if _, sensitive := s.sensitiveSet[name]; sensitive {
			masked[name] = MaskToken
			continue
		}
		masked[name] = raw
	}

	out, err := json.Marshal(masked)
	if err != nil {
		return nil, fmt.Errorf("redact: re-marshal failed: %w", err)
	}
	return out, nil
}

// Has reports whether a schema exists for the payload type.
func (r *Registry) Has(payloadType string) bool {
	_, ok := r.schemas[payloadType]
	return ok
}
