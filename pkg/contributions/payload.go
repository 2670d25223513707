package contributions

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/domika-dev/template-registry/pkg/fields"
	"github.com/domika-dev/template-registry/pkg/registry"
)

// PayloadError reports a payload that cannot be exported to the registry.
type PayloadError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *PayloadError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("payload field %s: %s", e.Field, e.Message)
	}
	return e.Message
}

// PayloadHash returns the hex SHA-256 digest of the payload's canonical JSON
// form. Key order never affects the digest.
func PayloadHash(payload JSONMap) string {
	sum := sha256.Sum256([]byte(canonicalJSON(payload)))
	return hex.EncodeToString(sum[:])
}

func canonicalJSON(v any) string {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			b.WriteString(canonicalJSON(t[k]))
		}
		b.WriteByte('}')
		return b.String()
	case JSONMap:
		return canonicalJSON(map[string]any(t))
	case []any:
		var b strings.Builder
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(canonicalJSON(e))
		}
		b.WriteByte(']')
		return b.String()
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// Preview is the read-only summary of a template payload shown to reviewers.
type Preview struct {
	TemplateCode   string `json:"template_code"`
	TemplateName   string `json:"template_name"`
	TargetDocument string `json:"target_document,omitempty"`
	FieldCount     int    `json:"field_count"`
	RuleCount      int    `json:"rule_count"`
}

// PreviewPayload summarizes a payload without touching the registry.
func PreviewPayload(payload JSONMap) (*Preview, error) {
	spec, err := payloadToMintSpec(payload)
	if err != nil {
		return nil, err
	}
	return &Preview{
		TemplateCode:   spec.TemplateCode,
		TemplateName:   spec.TemplateName,
		TargetDocument: spec.TargetDocument,
		FieldCount:     len(spec.Fields),
		RuleCount:      len(spec.Rules),
	}, nil
}

// payloadToMintSpec maps a validated template payload onto a registry mint
// spec. Provenance columns are filled in by the caller.
func payloadToMintSpec(payload JSONMap) (*registry.MintSpec, error) {
	spec := &registry.MintSpec{
		TemplateCode:          payloadString(payload, "template_code"),
		TemplateName:          payloadString(payload, "template_name"),
		InfrastructureType:    payloadString(payload, "infrastructure_type"),
		InfrastructureSubtype: payloadString(payload, "infrastructure_subtype"),
		TargetDocument:        payloadString(payload, "target_document"),
		TemplateContent:       payloadString(payload, "template_content"),
	}
	if spec.TemplateCode == "" {
		return nil, &PayloadError{Field: "template_code", Message: "must be a non-empty string"}
	}
	if spec.TemplateName == "" {
		return nil, &PayloadError{Field: "template_name", Message: "must be a non-empty string"}
	}

	rawFields, ok := payload["fields"]
	if ok {
		list, ok := rawFields.([]any)
		if !ok {
			return nil, &PayloadError{Field: "fields", Message: "must be an array of field objects"}
		}
		for i, raw := range list {
			obj, ok := raw.(map[string]any)
			if !ok {
				return nil, &PayloadError{Field: fmt.Sprintf("fields[%d]", i), Message: "must be an object"}
			}
			def := fields.Definition{
				FieldName:   payloadString(obj, "field_name"),
				FieldLabel:  payloadString(obj, "field_label"),
				FieldType:   fields.FieldType(payloadString(obj, "field_type")),
				IsRequired:  payloadBool(obj, "is_required"),
				Default:     payloadString(obj, "default"),
				SourceField: payloadString(obj, "source_field"),
			}
			if raw, ok := obj["select_options"].([]any); ok {
				for _, opt := range raw {
					if s, ok := opt.(string); ok {
						def.SelectOptions = append(def.SelectOptions, s)
					}
				}
			}
			spec.Fields = append(spec.Fields, def)
		}
	}

	rawRules, ok := payload["assignment_rules"]
	if ok {
		list, ok := rawRules.([]any)
		if !ok {
			return nil, &PayloadError{Field: "assignment_rules", Message: "must be an array of rule objects"}
		}
		for i, raw := range list {
			obj, ok := raw.(map[string]any)
			if !ok {
				return nil, &PayloadError{Field: fmt.Sprintf("assignment_rules[%d]", i), Message: "must be an object"}
			}
			rule := registry.Rule{
				EntityType:         payloadString(obj, "entity_type"),
				EntitySubtype:      payloadString(obj, "entity_subtype"),
				TargetTemplateCode: spec.TemplateCode,
				Priority:           payloadInt(obj, "priority"),
			}
			spec.Rules = append(spec.Rules, rule)
		}
	}

	return spec, nil
}

func payloadString(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return strings.TrimSpace(s)
}

func payloadBool(obj map[string]any, key string) bool {
	b, _ := obj[key].(bool)
	return b
}

func payloadInt(obj map[string]any, key string) int {
	f, _ := obj[key].(float64)
	return int(f)
}
