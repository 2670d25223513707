package registry

import (
	"strings"
	"time"

	"github.com/domika-dev/template-registry/pkg/fields"
)

// EntryRecord is one immutable version of a template in the registry.
// (template_code, version) is globally unique; prior versions are never
// rewritten.
type EntryRecord struct {
	ID                    string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	TemplateCode          string    `gorm:"column:template_code;uniqueIndex:idx_entry_code_version,priority:1;not null"`
	Version               int       `gorm:"column:version;uniqueIndex:idx_entry_code_version,priority:2;not null"`
	SupersedesID          string    `gorm:"column:supersedes_id"` // entry id of version-1, empty for v1
	TemplateName          string    `gorm:"column:template_name;not null"`
	InfrastructureType    string    `gorm:"column:infrastructure_type"`
	InfrastructureSubtype string    `gorm:"column:infrastructure_subtype"`
	TargetDocument        string    `gorm:"column:target_document"`
	TemplateContent       string    `gorm:"column:template_content;type:text"`
	ContributedBySite     string    `gorm:"column:contributed_by_site"`
	ContributionRef       string    `gorm:"column:contribution_ref"`
	BusinessJustification string    `gorm:"column:business_justification"`
	CreatedAt             time.Time `gorm:"column:created_at;autoCreateTime"`
	CreatedBy             string    `gorm:"column:created_by"`
}

// TableName returns the GORM table name.
func (EntryRecord) TableName() string { return "registry_entries" }

// TemplateFieldRecord is one field definition owned by a registry entry.
type TemplateFieldRecord struct {
	ID            string `gorm:"primaryKey;column:id;type:varchar(36)"`
	EntryID       string `gorm:"column:entry_id;index:idx_field_entry;not null"`
	Position      int    `gorm:"column:position;not null"`
	FieldName     string `gorm:"column:field_name;not null"`
	FieldLabel    string `gorm:"column:field_label"`
	FieldType     string `gorm:"column:field_type;not null"`
	IsRequired    bool   `gorm:"column:is_required"`
	DefaultValue  string `gorm:"column:default_value"`
	SourceField   string `gorm:"column:source_field"`
	SelectOptions string `gorm:"column:select_options"` // newline-separated
}

// TableName returns the GORM table name.
func (TemplateFieldRecord) TableName() string { return "template_fields" }

// Definition converts the record to the field model's schema type.
func (r *TemplateFieldRecord) Definition() fields.Definition {
	var opts []string
	if r.SelectOptions != "" {
		opts = strings.Split(r.SelectOptions, "\n")
	}
	return fields.Definition{
		FieldName:     r.FieldName,
		FieldLabel:    r.FieldLabel,
		FieldType:     fields.FieldType(r.FieldType),
		IsRequired:    r.IsRequired,
		Default:       r.DefaultValue,
		SourceField:   r.SourceField,
		SelectOptions: opts,
	}
}

// AssignmentRuleRecord maps an entity type (and optional subtype) to the
// owning entry's template code. An empty EntitySubtype is the wildcard.
type AssignmentRuleRecord struct {
	ID                 string `gorm:"primaryKey;column:id;type:varchar(36)"`
	EntryID            string `gorm:"column:entry_id;index:idx_rule_entry;uniqueIndex:idx_rule_tuple,priority:1;not null"`
	EntityType         string `gorm:"column:entity_type;uniqueIndex:idx_rule_tuple,priority:2;not null"`
	EntitySubtype      string `gorm:"column:entity_subtype;uniqueIndex:idx_rule_tuple,priority:3"`
	TargetTemplateCode string `gorm:"column:target_template_code;uniqueIndex:idx_rule_tuple,priority:4;not null"`
	Priority           int    `gorm:"column:priority"`
}

// TableName returns the GORM table name.
func (AssignmentRuleRecord) TableName() string { return "assignment_rules" }

// Rule is the resolver's view of an assignment rule.
type Rule struct {
	EntityType         string `json:"entityType"`
	EntitySubtype      string `json:"entitySubtype,omitempty"`
	TargetTemplateCode string `json:"targetTemplateCode"`
	Priority           int    `json:"priority"`
}

// Entry is a fully loaded registry entry with its side tables.
type Entry struct {
	EntryRecord
	Fields []TemplateFieldRecord
	Rules  []AssignmentRuleRecord
}

// FieldDefinitions returns the entry's field schemas in declared order.
func (e *Entry) FieldDefinitions() []fields.Definition {
	defs := make([]fields.Definition, len(e.Fields))
	for i := range e.Fields {
		defs[i] = e.Fields[i].Definition()
	}
	return defs
}

// RequiredFieldNames returns the names of the entry's required fields.
func (e *Entry) RequiredFieldNames() []string {
	var names []string
	for i := range e.Fields {
		if e.Fields[i].IsRequired {
			names = append(names, e.Fields[i].FieldName)
		}
	}
	return names
}
