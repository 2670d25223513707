package fields

import "fmt"

// Definition is the schema for one variable a template declares. Registry
// entries carry an ordered list of these; configuration fields are
// materialized from them per entity.
type Definition struct {
	FieldName     string    `json:"fieldName"`
	FieldLabel    string    `json:"fieldLabel"`
	FieldType     FieldType `json:"fieldType"`
	IsRequired    bool      `json:"isRequired"`
	Default       string    `json:"default,omitempty"`
	SourceField   string    `json:"sourceField,omitempty"`
	SelectOptions []string  `json:"selectOptions,omitempty"`
}

// Validate checks the definition in isolation: known type, non-empty name,
// Select declares options, default parses under the declared type.
func (d *Definition) Validate() error {
	if d.FieldName == "" {
		return fmt.Errorf("field definition has empty field_name")
	}
	if !d.FieldType.Valid() {
		return fmt.Errorf("field %s: unknown field type %q", d.FieldName, d.FieldType)
	}
	if d.FieldType == TypeSelect && len(d.SelectOptions) == 0 {
		return fmt.Errorf("field %s: Select type requires select_options", d.FieldName)
	}
	if d.Default != "" {
		if _, err := Parse(d.FieldType, d.Default, d.SelectOptions); err != nil {
			return fmt.Errorf("field %s: default does not parse: %w", d.FieldName, err)
		}
	}
	return nil
}

// ValidateSet checks a template's full field list: each definition valid,
// names unique within the template.
func ValidateSet(defs []Definition) error {
	seen := make(map[string]bool, len(defs))
	for i := range defs {
		if err := defs[i].Validate(); err != nil {
			return err
		}
		if seen[defs[i].FieldName] {
			return fmt.Errorf("duplicate field name %q in template field set", defs[i].FieldName)
		}
		seen[defs[i].FieldName] = true
	}
	return nil
}

// RequiredNames returns the names of the required fields in defs.
func RequiredNames(defs []Definition) []string {
	var names []string
	for i := range defs {
		if defs[i].IsRequired {
			names = append(names, defs[i].FieldName)
		}
	}
	return names
}
