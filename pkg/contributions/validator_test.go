package contributions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func templateCategory() *CategoryRecord {
	return &CategoryRecord{
		ID:               "cat-1",
		ModuleName:       "Companies",
		ContributionType: "Master Template",
		RequiredFields:   JSONStringSlice{"template_code", "template_name"},
		FieldSchema: JSONMap{
			"template_code": "string",
			"template_name": "string",
			"fields":        "array",
			"max_capacity":  "int",
		},
		IsActive: true,
	}
}

func TestValidateEmptyPayloadStopsPipeline(t *testing.T) {
	v := NewPayloadValidator()

	findings := v.Validate(templateCategory(), nil)
	require.Len(t, findings, 1)
	assert.Equal(t, "json_shape", findings[0].Layer)
}

func TestValidateMissingRequiredFields(t *testing.T) {
	v := NewPayloadValidator()

	findings := v.Validate(templateCategory(), JSONMap{"template_code": "EVENT_HALL"})
	require.Len(t, findings, 1)
	assert.Equal(t, "required_fields", findings[0].Layer)
	assert.Equal(t, "template_name", findings[0].Field)
}

func TestValidateBlankRequiredFieldCounts(t *testing.T) {
	v := NewPayloadValidator()

	findings := v.Validate(templateCategory(), JSONMap{
		"template_code": "EVENT_HALL",
		"template_name": "   ",
	})
	require.Len(t, findings, 1)
	assert.Equal(t, "template_name", findings[0].Field)
}

func TestValidateFieldTypes(t *testing.T) {
	v := NewPayloadValidator()

	findings := v.Validate(templateCategory(), JSONMap{
		"template_code": "EVENT_HALL",
		"template_name": "Salón de Eventos",
		"fields":        "not-an-array",
		"max_capacity":  12.5,
	})
	require.Len(t, findings, 2)
	byField := map[string]Finding{}
	for _, f := range findings {
		byField[f.Field] = f
	}
	assert.Equal(t, "field_types", byField["fields"].Layer)
	assert.Equal(t, "field_types", byField["max_capacity"].Layer)
}

func TestValidateIntAcceptsWholeJSONNumber(t *testing.T) {
	v := NewPayloadValidator()

	findings := v.Validate(templateCategory(), JSONMap{
		"template_code": "EVENT_HALL",
		"template_name": "Salón de Eventos",
		"max_capacity":  float64(150),
	})
	assert.Empty(t, findings)
}

func TestValidateEnumSchema(t *testing.T) {
	category := templateCategory()
	category.FieldSchema["infrastructure_type"] = []any{"Amenity", "Building", "Common Area"}
	v := NewPayloadValidator()

	ok := v.Validate(category, JSONMap{
		"template_code":       "EVENT_HALL",
		"template_name":       "Salón de Eventos",
		"infrastructure_type": "Amenity",
	})
	assert.Empty(t, ok)

	bad := v.Validate(category, JSONMap{
		"template_code":       "EVENT_HALL",
		"template_name":       "Salón de Eventos",
		"infrastructure_type": "Spaceship",
	})
	require.Len(t, bad, 1)
	assert.Equal(t, "infrastructure_type", bad[0].Field)
}

func TestValidateCustomRule(t *testing.T) {
	category := templateCategory()
	category.ValidationRule = "max_capacity > 0"
	v := NewPayloadValidator()

	findings := v.Validate(category, JSONMap{
		"template_code": "EVENT_HALL",
		"template_name": "Salón de Eventos",
		"max_capacity":  float64(0),
	})
	require.Len(t, findings, 1)
	assert.Equal(t, "custom_rule", findings[0].Layer)

	findings = v.Validate(category, JSONMap{
		"template_code": "EVENT_HALL",
		"template_name": "Salón de Eventos",
		"max_capacity":  float64(150),
	})
	assert.Empty(t, findings)
}

func TestPayloadHashIgnoresKeyOrder(t *testing.T) {
	a := JSONMap{"template_code": "EVENT_HALL", "fields": []any{map[string]any{"b": 1.0, "a": 2.0}}}
	b := JSONMap{"fields": []any{map[string]any{"a": 2.0, "b": 1.0}}, "template_code": "EVENT_HALL"}
	assert.Equal(t, PayloadHash(a), PayloadHash(b))

	c := JSONMap{"template_code": "POOL_AREA"}
	assert.NotEqual(t, PayloadHash(a), PayloadHash(c))
}
