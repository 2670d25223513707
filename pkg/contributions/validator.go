package contributions

import (
	"fmt"
	"sort"
	"strings"

	"github.com/domika-dev/template-registry/pkg/render"
)

// Finding is one validation problem in a submitted payload.
type Finding struct {
	Layer   string `json:"layer"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// ValidationLayer is one stage of payload validation. Critical layers stop
// the pipeline when they produce findings.
type ValidationLayer interface {
	Name() string
	Critical() bool
	Validate(category *CategoryRecord, payload JSONMap) []Finding
}

// PayloadValidator runs payload validation layers in order. Later layers
// only run when every earlier critical layer passed, so type checks never
// see a payload that failed the shape check.
type PayloadValidator struct {
	layers []ValidationLayer
}

// NewPayloadValidator builds the standard pipeline: JSON shape, required
// fields, field types, then the category's custom rule.
func NewPayloadValidator() *PayloadValidator {
	return &PayloadValidator{
		layers: []ValidationLayer{
			jsonShapeLayer{},
			requiredFieldsLayer{},
			fieldTypesLayer{},
			customRuleLayer{},
		},
	}
}

// Validate runs the pipeline and returns every finding gathered before the
// first critical failure. An empty result means the payload is acceptable.
func (v *PayloadValidator) Validate(category *CategoryRecord, payload JSONMap) []Finding {
	var findings []Finding
	for _, layer := range v.layers {
		got := layer.Validate(category, payload)
		findings = append(findings, got...)
		if len(got) > 0 && layer.Critical() {
			break
		}
	}
	return findings
}

type jsonShapeLayer struct{}

func (jsonShapeLayer) Name() string   { return "json_shape" }
func (jsonShapeLayer) Critical() bool { return true }

func (jsonShapeLayer) Validate(category *CategoryRecord, payload JSONMap) []Finding {
	if len(payload) == 0 {
		return []Finding{{Layer: "json_shape", Message: "payload must be a non-empty JSON object"}}
	}
	var findings []Finding
	for name := range payload {
		if strings.TrimSpace(name) == "" {
			findings = append(findings, Finding{Layer: "json_shape", Message: "payload contains an empty field name"})
		}
	}
	return findings
}

type requiredFieldsLayer struct{}

func (requiredFieldsLayer) Name() string   { return "required_fields" }
func (requiredFieldsLayer) Critical() bool { return false }

func (requiredFieldsLayer) Validate(category *CategoryRecord, payload JSONMap) []Finding {
	var findings []Finding
	for _, name := range category.RequiredFields {
		value, ok := payload[name]
		if !ok || isEmptyValue(value) {
			findings = append(findings, Finding{
				Layer:   "required_fields",
				Field:   name,
				Message: fmt.Sprintf("required field %s is missing or empty", name),
			})
		}
	}
	return findings
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

type fieldTypesLayer struct{}

func (fieldTypesLayer) Name() string   { return "field_types" }
func (fieldTypesLayer) Critical() bool { return false }

func (fieldTypesLayer) Validate(category *CategoryRecord, payload JSONMap) []Finding {
	if len(category.FieldSchema) == 0 {
		return nil
	}
	names := make([]string, 0, len(category.FieldSchema))
	for name := range category.FieldSchema {
		names = append(names, name)
	}
	sort.Strings(names)

	var findings []Finding
	for _, name := range names {
		value, ok := payload[name]
		if !ok || value == nil {
			continue
		}
		if f := checkType(name, category.FieldSchema[name], value); f != nil {
			findings = append(findings, *f)
		}
	}
	return findings
}

func checkType(name string, expected, value any) *Finding {
	mismatch := func(want string) *Finding {
		return &Finding{
			Layer:   "field_types",
			Field:   name,
			Message: fmt.Sprintf("field %s must be of type %s, got %T", name, want, value),
		}
	}
	switch want := expected.(type) {
	case string:
		switch want {
		case "string":
			if _, ok := value.(string); !ok {
				return mismatch("string")
			}
		case "int":
			// JSON numbers decode as float64; an int is a float with no
			// fractional part.
			f, ok := value.(float64)
			if !ok || f != float64(int64(f)) {
				return mismatch("int")
			}
		case "float":
			if _, ok := value.(float64); !ok {
				return mismatch("float")
			}
		case "bool":
			if _, ok := value.(bool); !ok {
				return mismatch("bool")
			}
		case "array":
			if _, ok := value.([]any); !ok {
				return mismatch("array")
			}
		case "object":
			if _, ok := value.(map[string]any); !ok {
				return mismatch("object")
			}
		default:
			return &Finding{
				Layer:   "field_types",
				Field:   name,
				Message: fmt.Sprintf("field %s has unknown schema type %q", name, want),
			}
		}
	case []any:
		for _, allowed := range want {
			if value == allowed {
				return nil
			}
		}
		return &Finding{
			Layer:   "field_types",
			Field:   name,
			Message: fmt.Sprintf("field %s value %v is not among the allowed values", name, value),
		}
	default:
		return &Finding{
			Layer:   "field_types",
			Field:   name,
			Message: fmt.Sprintf("field %s has an invalid schema declaration", name),
		}
	}
	return nil
}

type customRuleLayer struct{}

func (customRuleLayer) Name() string   { return "custom_rule" }
func (customRuleLayer) Critical() bool { return false }

// Validate evaluates the category's rule expression in the template sandbox
// with the payload fields bound by name. A rule that fails to compile, fails
// to evaluate, or evaluates to false produces a finding.
func (customRuleLayer) Validate(category *CategoryRecord, payload JSONMap) []Finding {
	rule := strings.TrimSpace(category.ValidationRule)
	if rule == "" {
		return nil
	}
	expr, err := render.CompileExpr(rule)
	if err != nil {
		return []Finding{{
			Layer:   "custom_rule",
			Message: fmt.Sprintf("category validation rule does not compile: %v", err),
		}}
	}
	bindings := make(map[string]any, len(payload))
	for name, value := range payload {
		bindings[name] = value
	}
	ok, err := expr.EvalBool(bindings)
	if err != nil {
		return []Finding{{
			Layer:   "custom_rule",
			Message: fmt.Sprintf("category validation rule failed to evaluate: %v", err),
		}}
	}
	if !ok {
		return []Finding{{
			Layer:   "custom_rule",
			Message: "payload does not satisfy the category validation rule",
		}}
	}
	return nil
}
