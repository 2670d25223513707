// Package fields implements the template field model: the typed value table
// shared by template field definitions and per-entity configuration fields,
// and the materialization of configuration values from a template's schema.
package fields

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FieldType enumerates the value types a template field may declare.
type FieldType string

const (
	TypeText     FieldType = "Text"
	TypeInt      FieldType = "Int"
	TypeFloat    FieldType = "Float"
	TypeDate     FieldType = "Date"
	TypeDatetime FieldType = "Datetime"
	TypeCheck    FieldType = "Check"
	TypeSelect   FieldType = "Select"
	TypeLink     FieldType = "Link"
)

// AllTypes lists every valid field type.
var AllTypes = []FieldType{
	TypeText, TypeInt, TypeFloat, TypeDate, TypeDatetime,
	TypeCheck, TypeSelect, TypeLink,
}

// Valid reports whether t is a declared field type.
func (t FieldType) Valid() bool {
	for _, k := range AllTypes {
		if t == k {
			return true
		}
	}
	return false
}

const (
	dateLayout     = "2006-01-02"
	datetimeLayout = time.RFC3339
)

// TypeError is a structured error for values that do not parse under their
// declared field type.
type TypeError struct {
	Code      string    `json:"code"`
	FieldType FieldType `json:"fieldType"`
	Value     string    `json:"value"`
	Message   string    `json:"message"`
}

func (e *TypeError) Error() string {
	return e.Message
}

func typeErr(t FieldType, value, msg string) *TypeError {
	return &TypeError{
		Code:      "FIELD_TYPE_MISMATCH",
		FieldType: t,
		Value:     value,
		Message:   msg,
	}
}

// Parse converts a stringified field value into its canonical Go value:
// string for Text/Select/Link, int64, float64, time.Time (UTC) for
// Date/Datetime, bool for Check. selectOptions is consulted only for Select.
func Parse(t FieldType, raw string, selectOptions []string) (any, error) {
	switch t {
	case TypeText:
		return raw, nil
	case TypeInt:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, typeErr(t, raw, fmt.Sprintf("%q is not a base-10 integer", raw))
		}
		return n, nil
	case TypeFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, typeErr(t, raw, fmt.Sprintf("%q is not a decimal number", raw))
		}
		return f, nil
	case TypeDate:
		d, err := time.ParseInLocation(dateLayout, strings.TrimSpace(raw), time.UTC)
		if err != nil {
			return nil, typeErr(t, raw, fmt.Sprintf("%q is not an ISO-8601 date", raw))
		}
		return d, nil
	case TypeDatetime:
		d, err := time.Parse(datetimeLayout, strings.TrimSpace(raw))
		if err != nil {
			return nil, typeErr(t, raw, fmt.Sprintf("%q is not an ISO-8601 datetime", raw))
		}
		return d.UTC(), nil
	case TypeCheck:
		switch strings.TrimSpace(raw) {
		case "1", "true":
			return true, nil
		case "0", "false":
			return false, nil
		}
		return nil, typeErr(t, raw, fmt.Sprintf("%q is not one of 0, 1, true, false", raw))
	case TypeSelect:
		for _, opt := range selectOptions {
			if raw == opt {
				return raw, nil
			}
		}
		return nil, typeErr(t, raw, fmt.Sprintf("%q is not a declared select option", raw))
	case TypeLink:
		if strings.TrimSpace(raw) == "" {
			return nil, typeErr(t, raw, "link value must be a non-empty entity id")
		}
		return raw, nil
	}
	return nil, typeErr(t, raw, fmt.Sprintf("unknown field type %q", t))
}

// Serialize converts a canonical value back into its stored string form.
// For every value accepted by Parse, Parse(Serialize(v)) returns v.
func Serialize(t FieldType, v any) (string, error) {
	switch t {
	case TypeText, TypeSelect, TypeLink:
		s, ok := v.(string)
		if !ok {
			return "", typeErr(t, fmt.Sprint(v), fmt.Sprintf("expected string, got %T", v))
		}
		return s, nil
	case TypeInt:
		n, ok := v.(int64)
		if !ok {
			return "", typeErr(t, fmt.Sprint(v), fmt.Sprintf("expected int64, got %T", v))
		}
		return strconv.FormatInt(n, 10), nil
	case TypeFloat:
		f, ok := v.(float64)
		if !ok {
			return "", typeErr(t, fmt.Sprint(v), fmt.Sprintf("expected float64, got %T", v))
		}
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	case TypeDate:
		d, ok := v.(time.Time)
		if !ok {
			return "", typeErr(t, fmt.Sprint(v), fmt.Sprintf("expected time.Time, got %T", v))
		}
		return d.Format(dateLayout), nil
	case TypeDatetime:
		d, ok := v.(time.Time)
		if !ok {
			return "", typeErr(t, fmt.Sprint(v), fmt.Sprintf("expected time.Time, got %T", v))
		}
		return d.UTC().Format(datetimeLayout), nil
	case TypeCheck:
		b, ok := v.(bool)
		if !ok {
			return "", typeErr(t, fmt.Sprint(v), fmt.Sprintf("expected bool, got %T", v))
		}
		if b {
			return "1", nil
		}
		return "0", nil
	}
	return "", typeErr(t, fmt.Sprint(v), fmt.Sprintf("unknown field type %q", t))
}

// Resolver resolves a Link field value to its display name. It reports false
// when the referenced entity does not exist.
type Resolver func(ref string) (string, bool)

// Locale controls the rendered form of Check, Date, Datetime and Float values.
type Locale struct {
	Yes            string
	No             string
	DateLayout     string
	DatetimeLayout string
	DecimalSep     rune
	ThousandsSep   rune
}

// EN is the default rendering locale.
var EN = Locale{
	Yes:            "Yes",
	No:             "No",
	DateLayout:     "2006-01-02",
	DatetimeLayout: "2006-01-02 15:04",
	DecimalSep:     '.',
	ThousandsSep:   ',',
}

// ES renders for the Spanish-language deployments the registry originated in.
var ES = Locale{
	Yes:            "Sí",
	No:             "No",
	DateLayout:     "02/01/2006",
	DatetimeLayout: "02/01/2006 15:04",
	DecimalSep:     ',',
	ThousandsSep:   '.',
}

// Format renders a canonical value for document output. Link values are
// resolved through resolve when non-nil; an unresolvable link renders as the
// raw reference.
func Format(t FieldType, v any, loc Locale, resolve Resolver) (string, error) {
	switch t {
	case TypeText, TypeSelect:
		s, ok := v.(string)
		if !ok {
			return "", typeErr(t, fmt.Sprint(v), fmt.Sprintf("expected string, got %T", v))
		}
		return s, nil
	case TypeInt:
		n, ok := v.(int64)
		if !ok {
			return "", typeErr(t, fmt.Sprint(v), fmt.Sprintf("expected int64, got %T", v))
		}
		return strconv.FormatInt(n, 10), nil
	case TypeFloat:
		f, ok := v.(float64)
		if !ok {
			return "", typeErr(t, fmt.Sprint(v), fmt.Sprintf("expected float64, got %T", v))
		}
		return formatMoney(f, loc), nil
	case TypeDate:
		d, ok := v.(time.Time)
		if !ok {
			return "", typeErr(t, fmt.Sprint(v), fmt.Sprintf("expected time.Time, got %T", v))
		}
		return d.Format(loc.DateLayout), nil
	case TypeDatetime:
		d, ok := v.(time.Time)
		if !ok {
			return "", typeErr(t, fmt.Sprint(v), fmt.Sprintf("expected time.Time, got %T", v))
		}
		return d.Format(loc.DatetimeLayout), nil
	case TypeCheck:
		b, ok := v.(bool)
		if !ok {
			return "", typeErr(t, fmt.Sprint(v), fmt.Sprintf("expected bool, got %T", v))
		}
		if b {
			return loc.Yes, nil
		}
		return loc.No, nil
	case TypeLink:
		ref, ok := v.(string)
		if !ok {
			return "", typeErr(t, fmt.Sprint(v), fmt.Sprintf("expected string, got %T", v))
		}
		if resolve != nil {
			if name, found := resolve(ref); found {
				return name, nil
			}
		}
		return ref, nil
	}
	return "", typeErr(t, fmt.Sprint(v), fmt.Sprintf("unknown field type %q", t))
}

// formatMoney renders a float with two decimals and grouped thousands.
func formatMoney(f float64, loc Locale) string {
	s := strconv.FormatFloat(f, 'f', 2, 64)

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	intPart, fracPart, _ := strings.Cut(s, ".")

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	for i, digit := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteRune(loc.ThousandsSep)
		}
		b.WriteRune(digit)
	}
	b.WriteRune(loc.DecimalSep)
	b.WriteString(fracPart)
	return b.String()
}
