// Package conflicts implements conflict detection over configured field
// sets: duplication, scheduling overlap, capacity, location occupancy,
// resource assignment, and custom rules evaluated in the rendering sandbox.
//
// Detection is a pure function over an entity snapshot. Findings carry a
// severity but never halt processing; the caller decides whether a write is
// blocked.
package conflicts

import (
	"fmt"
	"strings"
	"time"

	"github.com/domika-dev/template-registry/pkg/render"
)

// Kind enumerates the conflict policies.
type Kind string

const (
	KindDuplication Kind = "Duplication"
	KindSchedule    Kind = "Schedule"
	KindCapacity    Kind = "Capacity"
	KindLocation    Kind = "Location"
	KindResource    Kind = "Resource"
	KindCustom      Kind = "Custom"
)

// Severity grades a finding.
type Severity string

const (
	SeverityLow    Severity = "Low"
	SeverityMedium Severity = "Medium"
	SeverityHigh   Severity = "High"
)

// Field is one configured conflict-detection field.
type Field struct {
	FieldName      string   `json:"fieldName"`
	FieldLabel     string   `json:"fieldLabel"`
	Kind           Kind     `json:"conflictType"`
	Severity       Severity `json:"severity"`
	ValidationRule string   `json:"validationRule,omitempty"` // required when Kind is Custom
	IsActive       bool     `json:"isActive"`
}

// Validate checks the field configuration.
func (f *Field) Validate() error {
	if f.FieldName == "" {
		return fmt.Errorf("conflict field has empty field_name")
	}
	if f.Kind == KindCustom && strings.TrimSpace(f.ValidationRule) == "" {
		return fmt.Errorf("conflict field %s: Custom kind requires a validation_rule", f.FieldName)
	}
	if f.Kind == KindCustom {
		if _, err := render.CompileExpr(f.ValidationRule); err != nil {
			return fmt.Errorf("conflict field %s: %w", f.FieldName, err)
		}
	}
	return nil
}

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether two half-open windows intersect.
func (w Window) Overlaps(other Window) bool {
	return w.Start.Before(other.End) && other.Start.Before(w.End)
}

// Sibling is another entity in the snapshot's comparison group.
type Sibling struct {
	Ref      string            `json:"ref"`
	Values   map[string]any    `json:"values"`
	Windows  map[string]Window `json:"windows"`
	SpaceRef string            `json:"spaceRef"`
	IsActive bool              `json:"isActive"`
}

// Snapshot is the detector's read-only view of the entity under validation
// and its comparison group.
type Snapshot struct {
	EntityRef string            `json:"entityRef"`
	Values    map[string]any    `json:"values"`
	Windows   map[string]Window `json:"windows,omitempty"`
	SpaceRef  string            `json:"spaceRef,omitempty"`
	Siblings  []Sibling         `json:"siblings"`

	// CapacityCeilings maps a Capacity field name to the declared ceiling
	// for the entity's sibling group.
	CapacityCeilings map[string]float64 `json:"capacityCeilings,omitempty"`
}

// Finding is one detected conflict.
type Finding struct {
	Field           string   `json:"field"`
	Kind            Kind     `json:"kind"`
	Severity        Severity `json:"severity"`
	Message         string   `json:"message"`
	ConflictingRefs []string `json:"conflictingRefs,omitempty"`
}

// Detect applies every active conflict field's policy to the snapshot.
// Findings accumulate across fields; severities never short-circuit.
func Detect(snap Snapshot, cfgFields []Field) ([]Finding, error) {
	var findings []Finding
	for i := range cfgFields {
		f := &cfgFields[i]
		if !f.IsActive {
			continue
		}
		if err := f.Validate(); err != nil {
			return nil, err
		}

		var (
			found *Finding
			err   error
		)
		switch f.Kind {
		case KindDuplication:
			found = detectDuplication(snap, f)
		case KindSchedule:
			found = detectSchedule(snap, f)
		case KindCapacity:
			found = detectCapacity(snap, f)
		case KindLocation:
			found = detectLocation(snap, f)
		case KindResource:
			found = detectResource(snap, f)
		case KindCustom:
			found, err = detectCustom(snap, f)
		default:
			return nil, fmt.Errorf("conflict field %s: unknown kind %q", f.FieldName, f.Kind)
		}
		if err != nil {
			return nil, err
		}
		if found != nil {
			findings = append(findings, *found)
		}
	}
	return findings, nil
}

// detectDuplication flags a non-empty value repeated among siblings.
// Comparison is case-insensitive for strings, exact for everything else.
func detectDuplication(snap Snapshot, f *Field) *Finding {
	own, ok := snap.Values[f.FieldName]
	if !ok || isEmpty(own) {
		return nil
	}
	var refs []string
	for i := range snap.Siblings {
		sib := &snap.Siblings[i]
		other, ok := sib.Values[f.FieldName]
		if !ok || isEmpty(other) {
			continue
		}
		if valuesEqual(own, other) {
			refs = append(refs, sib.Ref)
		}
	}
	if len(refs) == 0 {
		return nil
	}
	return &Finding{
		Field:           f.FieldName,
		Kind:            KindDuplication,
		Severity:        f.Severity,
		Message:         fmt.Sprintf("value of %s is already used by %d sibling(s)", f.FieldName, len(refs)),
		ConflictingRefs: refs,
	}
}

func detectSchedule(snap Snapshot, f *Field) *Finding {
	own, ok := snap.Windows[f.FieldName]
	if !ok {
		return nil
	}
	var refs []string
	for i := range snap.Siblings {
		sib := &snap.Siblings[i]
		w, ok := sib.Windows[f.FieldName]
		if ok && own.Overlaps(w) {
			refs = append(refs, sib.Ref)
		}
	}
	if len(refs) == 0 {
		return nil
	}
	return &Finding{
		Field:           f.FieldName,
		Kind:            KindSchedule,
		Severity:        f.Severity,
		Message:         fmt.Sprintf("schedule %s overlaps %d sibling(s)", f.FieldName, len(refs)),
		ConflictingRefs: refs,
	}
}

// detectCapacity sums the field over the sibling group plus the entity
// itself and flags the total exceeding the declared ceiling.
func detectCapacity(snap Snapshot, f *Field) *Finding {
	ceiling, ok := snap.CapacityCeilings[f.FieldName]
	if !ok {
		return nil
	}
	total, ok := asNumber(snap.Values[f.FieldName])
	if !ok {
		return nil
	}
	var refs []string
	for i := range snap.Siblings {
		sib := &snap.Siblings[i]
		if n, ok := asNumber(sib.Values[f.FieldName]); ok {
			total += n
			refs = append(refs, sib.Ref)
		}
	}
	if total <= ceiling {
		return nil
	}
	return &Finding{
		Field:           f.FieldName,
		Kind:            KindCapacity,
		Severity:        f.Severity,
		Message:         fmt.Sprintf("group total %.2f for %s exceeds ceiling %.2f", total, f.FieldName, ceiling),
		ConflictingRefs: refs,
	}
}

// detectLocation flags two entities occupying the same (space, window)
// tuple: space equality by id, window equality by the schedule rule.
func detectLocation(snap Snapshot, f *Field) *Finding {
	if snap.SpaceRef == "" {
		return nil
	}
	own, ok := snap.Windows[f.FieldName]
	if !ok {
		return nil
	}
	var refs []string
	for i := range snap.Siblings {
		sib := &snap.Siblings[i]
		if sib.SpaceRef != snap.SpaceRef {
			continue
		}
		w, ok := sib.Windows[f.FieldName]
		if ok && own.Overlaps(w) {
			refs = append(refs, sib.Ref)
		}
	}
	if len(refs) == 0 {
		return nil
	}
	return &Finding{
		Field:           f.FieldName,
		Kind:            KindLocation,
		Severity:        f.Severity,
		Message:         fmt.Sprintf("space %s is already occupied in the %s window", snap.SpaceRef, f.FieldName),
		ConflictingRefs: refs,
	}
}

// detectResource flags a second active holder of a singleton resource.
func detectResource(snap Snapshot, f *Field) *Finding {
	own, ok := snap.Values[f.FieldName]
	if !ok || isEmpty(own) {
		return nil
	}
	var refs []string
	for i := range snap.Siblings {
		sib := &snap.Siblings[i]
		if !sib.IsActive {
			continue
		}
		other, ok := sib.Values[f.FieldName]
		if ok && valuesEqual(own, other) {
			refs = append(refs, sib.Ref)
		}
	}
	if len(refs) == 0 {
		return nil
	}
	return &Finding{
		Field:           f.FieldName,
		Kind:            KindResource,
		Severity:        f.Severity,
		Message:         fmt.Sprintf("resource %v already has an active holder", own),
		ConflictingRefs: refs,
	}
}

// detectCustom evaluates the field's rule in the rendering sandbox. The rule
// sees the entity's values plus sibling_count; a false result is a finding.
func detectCustom(snap Snapshot, f *Field) (*Finding, error) {
	expr, err := render.CompileExpr(f.ValidationRule)
	if err != nil {
		return nil, fmt.Errorf("conflict field %s: %w", f.FieldName, err)
	}

	bindings := make(map[string]any, len(snap.Values)+2)
	for k, v := range snap.Values {
		bindings[k] = v
	}
	bindings["entity_ref"] = snap.EntityRef
	bindings["sibling_count"] = int64(len(snap.Siblings))

	ok, err := expr.EvalBool(bindings)
	if err != nil {
		return nil, fmt.Errorf("conflict field %s: %w", f.FieldName, err)
	}
	if ok {
		return nil, nil
	}
	label := f.FieldLabel
	if label == "" {
		label = f.FieldName
	}
	return &Finding{
		Field:    f.FieldName,
		Kind:     KindCustom,
		Severity: f.Severity,
		Message:  fmt.Sprintf("custom rule for %s failed", label),
	}, nil
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

// valuesEqual compares two field values: case-insensitive for strings,
// exact otherwise (with int/float widening).
func valuesEqual(a, b any) bool {
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		return ok && strings.EqualFold(as, bs)
	}
	if af, ok := asNumber(a); ok {
		bf, ok := asNumber(b)
		return ok && af == bf
	}
	return a == b
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
