package fields

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestStore creates an in-memory SQLite DB with the configuration table migrated.
func newTestStore(t *testing.T) *ConfigurationStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store := NewConfigurationStore(db)
	require.NoError(t, store.AutoMigrate())
	return store
}

func eventHallDefs() []Definition {
	return []Definition{
		{FieldName: "event_capacity", FieldLabel: "Capacidad", FieldType: TypeInt, IsRequired: true, SourceField: "capacity"},
		{FieldName: "rental_rate", FieldLabel: "Tarifa", FieldType: TypeFloat, IsRequired: true},
		{FieldName: "has_kitchen", FieldLabel: "Cocina", FieldType: TypeCheck, Default: "0"},
		{FieldName: "zone", FieldLabel: "Zona", FieldType: TypeSelect, SelectOptions: []string{"norte", "sur"}},
	}
}

func TestConfigurationStore_Materialize(t *testing.T) {
	store := newTestStore(t)

	attrs := func(name string) (string, bool) {
		if name == "capacity" {
			return "120", true
		}
		return "", false
	}

	records, err := store.Materialize("SPACE-0001", eventHallDefs(), attrs, "operator@test")
	require.NoError(t, err)
	require.Len(t, records, 4)

	// Source-field auto-fill.
	got, err := store.Get("SPACE-0001", "event_capacity")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "120", got.FieldValue)
	assert.True(t, got.IsRequired)

	// Default applied when no source field matches.
	got, err = store.Get("SPACE-0001", "has_kitchen")
	require.NoError(t, err)
	assert.Equal(t, "0", got.FieldValue)

	// Re-materializing on template re-assignment overwrites in place.
	_, err = store.Materialize("SPACE-0001", eventHallDefs(), nil, "operator@test")
	require.NoError(t, err)
	all, err := store.List("SPACE-0001")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestConfigurationStore_MaterializeRejectsBadSourceValue(t *testing.T) {
	store := newTestStore(t)

	attrs := func(name string) (string, bool) {
		return "not-a-number", name == "capacity"
	}

	_, err := store.Materialize("SPACE-0002", eventHallDefs(), attrs, "operator@test")
	require.Error(t, err)
}

func TestConfigurationStore_SetValue(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Materialize("SPACE-0003", eventHallDefs(), nil, "operator@test")
	require.NoError(t, err)

	require.NoError(t, store.SetValue("SPACE-0003", "rental_rate", "1500.50", "admin@test"))
	require.NoError(t, store.SetValue("SPACE-0003", "zone", "norte", "admin@test"))

	// Type mismatch surfaces as TypeError.
	err = store.SetValue("SPACE-0003", "rental_rate", "gratis", "admin@test")
	require.Error(t, err)
	assert.IsType(t, &TypeError{}, err)

	// Undeclared select option rejected.
	require.Error(t, store.SetValue("SPACE-0003", "zone", "oeste", "admin@test"))

	// Required field rejects empty.
	require.Error(t, store.SetValue("SPACE-0003", "rental_rate", "", "admin@test"))

	// Optional field accepts empty.
	require.NoError(t, store.SetValue("SPACE-0003", "zone", "", "admin@test"))

	// Unknown field is an error.
	require.Error(t, store.SetValue("SPACE-0003", "no_such_field", "1", "admin@test"))
}

func TestConfigurationStore_Bindings(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Materialize("SPACE-0004", eventHallDefs(), nil, "operator@test")
	require.NoError(t, err)
	require.NoError(t, store.SetValue("SPACE-0004", "event_capacity", "80", "admin@test"))
	require.NoError(t, store.SetValue("SPACE-0004", "rental_rate", "999.99", "admin@test"))

	bindings, err := store.Bindings("SPACE-0004")
	require.NoError(t, err)
	assert.Equal(t, int64(80), bindings["event_capacity"])
	assert.Equal(t, 999.99, bindings["rental_rate"])
	assert.Equal(t, false, bindings["has_kitchen"])
	// Empty optional value is absent from bindings.
	_, present := bindings["zone"]
	assert.False(t, present)
}
