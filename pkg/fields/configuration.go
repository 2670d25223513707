package fields

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConfigurationFieldRecord holds one materialized field value for a specific
// owning entity. The stored value is the stringified form; it must parse
// under the declared field type on every write.
type ConfigurationFieldRecord struct {
	ID              string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	OwningEntityRef string    `gorm:"column:owning_entity_ref;uniqueIndex:idx_config_entity_field,priority:1;not null"`
	FieldName       string    `gorm:"column:field_name;uniqueIndex:idx_config_entity_field,priority:2;not null"`
	FieldLabel      string    `gorm:"column:field_label"`
	FieldType       string    `gorm:"column:field_type;not null"`
	FieldValue      string    `gorm:"column:field_value"`
	IsRequired      bool      `gorm:"column:is_required"`
	SelectOptions   string    `gorm:"column:select_options"` // newline-separated, empty unless Select
	LastUpdated     time.Time `gorm:"column:last_updated;autoUpdateTime"`
	UpdatedBy       string    `gorm:"column:updated_by"`
}

// TableName returns the GORM table name.
func (ConfigurationFieldRecord) TableName() string { return "configuration_fields" }

// ConfigurationStore provides database operations for configuration fields.
type ConfigurationStore struct {
	db *gorm.DB
}

// NewConfigurationStore creates a new ConfigurationStore.
func NewConfigurationStore(db *gorm.DB) *ConfigurationStore {
	return &ConfigurationStore{db: db}
}

// AutoMigrate creates or updates the configuration_fields table.
func (s *ConfigurationStore) AutoMigrate() error {
	return s.db.AutoMigrate(&ConfigurationFieldRecord{})
}

// EntityAttributes exposes the owning entity's own attributes for
// source-field auto-fill during materialization.
type EntityAttributes func(name string) (string, bool)

// Materialize creates one configuration field per template field definition
// for the given entity. Values are auto-filled from the entity attribute
// named by source_field when present, falling back to the definition's
// default. Existing rows for the same (entity, field) are overwritten;
// fields from a previously assigned template that the new template does not
// declare are left in place.
func (s *ConfigurationStore) Materialize(entityRef string, defs []Definition, attrs EntityAttributes, updatedBy string) ([]ConfigurationFieldRecord, error) {
	if err := ValidateSet(defs); err != nil {
		return nil, err
	}

	records := make([]ConfigurationFieldRecord, 0, len(defs))
	for i := range defs {
		d := &defs[i]

		value := d.Default
		if d.SourceField != "" && attrs != nil {
			if v, ok := attrs(d.SourceField); ok {
				value = v
			}
		}
		if value != "" {
			if _, err := Parse(d.FieldType, value, d.SelectOptions); err != nil {
				return nil, fmt.Errorf("materialize %s.%s: %w", entityRef, d.FieldName, err)
			}
		}

		records = append(records, ConfigurationFieldRecord{
			ID:              uuid.New().String(),
			OwningEntityRef: entityRef,
			FieldName:       d.FieldName,
			FieldLabel:      d.FieldLabel,
			FieldType:       string(d.FieldType),
			FieldValue:      value,
			IsRequired:      d.IsRequired,
			SelectOptions:   joinOptions(d.SelectOptions),
			UpdatedBy:       updatedBy,
		})
	}

	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "owning_entity_ref"}, {Name: "field_name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"field_label", "field_type", "field_value", "is_required",
			"select_options", "last_updated", "updated_by",
		}),
	}).Create(&records).Error
	if err != nil {
		return nil, fmt.Errorf("materialize configuration fields: %w", err)
	}
	return records, nil
}

// SetValue writes a single field value after type-checking it. Required
// fields reject the empty string.
func (s *ConfigurationStore) SetValue(entityRef, fieldName, value, updatedBy string) error {
	var record ConfigurationFieldRecord
	err := s.db.Where("owning_entity_ref = ? AND field_name = ?", entityRef, fieldName).
		First(&record).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return fmt.Errorf("no configuration field %s on entity %s", fieldName, entityRef)
		}
		return fmt.Errorf("load configuration field: %w", err)
	}

	if value == "" {
		if record.IsRequired {
			return typeErr(FieldType(record.FieldType), value,
				fmt.Sprintf("field %s is required and cannot be empty", fieldName))
		}
	} else {
		if _, err := Parse(FieldType(record.FieldType), value, splitOptions(record.SelectOptions)); err != nil {
			return err
		}
	}

	return s.db.Model(&record).Updates(map[string]any{
		"field_value": value,
		"updated_by":  updatedBy,
	}).Error
}

// Get retrieves one configuration field. Returns nil, nil when absent.
func (s *ConfigurationStore) Get(entityRef, fieldName string) (*ConfigurationFieldRecord, error) {
	var record ConfigurationFieldRecord
	err := s.db.Where("owning_entity_ref = ? AND field_name = ?", entityRef, fieldName).
		First(&record).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get configuration field: %w", err)
	}
	return &record, nil
}

// List returns all configuration fields for an entity ordered by field name.
func (s *ConfigurationStore) List(entityRef string) ([]ConfigurationFieldRecord, error) {
	var records []ConfigurationFieldRecord
	err := s.db.Where("owning_entity_ref = ?", entityRef).
		Order("field_name ASC").Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list configuration fields: %w", err)
	}
	return records, nil
}

// Bindings parses every non-empty field value for an entity into its
// canonical form, keyed by field name. The result feeds the template
// renderer.
func (s *ConfigurationStore) Bindings(entityRef string) (map[string]any, error) {
	records, err := s.List(entityRef)
	if err != nil {
		return nil, err
	}
	bindings := make(map[string]any, len(records))
	for i := range records {
		r := &records[i]
		if r.FieldValue == "" {
			continue
		}
		v, err := Parse(FieldType(r.FieldType), r.FieldValue, splitOptions(r.SelectOptions))
		if err != nil {
			return nil, fmt.Errorf("field %s on %s: %w", r.FieldName, entityRef, err)
		}
		bindings[r.FieldName] = v
	}
	return bindings, nil
}

func joinOptions(opts []string) string {
	return strings.Join(opts, "\n")
}

func splitOptions(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
