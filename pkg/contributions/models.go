package contributions

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JSONMap stores an arbitrary JSON object in a text column.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported type for JSONMap: %T", value)
	}
	if len(b) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(b, m)
}

// JSONStringSlice stores a list of strings in a text column.
type JSONStringSlice []string

// Value implements driver.Valuer.
func (s JSONStringSlice) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (s *JSONStringSlice) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported type for JSONStringSlice: %T", value)
	}
	if len(b) == 0 {
		*s = nil
		return nil
	}
	return json.Unmarshal(b, s)
}

// CategoryRecord defines a contribution category: which module and type of
// contribution it accepts, which payload fields are mandatory, the expected
// payload field types, and an optional business rule expression evaluated
// against the payload.
type CategoryRecord struct {
	ID               string          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ModuleName       string          `gorm:"uniqueIndex:idx_category_module_type;not null" json:"module_name"`
	ContributionType string          `gorm:"uniqueIndex:idx_category_module_type;not null" json:"contribution_type"`
	Description      string          `json:"description,omitempty"`
	// TargetRegistryDoctype names the registry document approved requests in
	// this category export into. Must name a registry this server hosts.
	TargetRegistryDoctype string          `gorm:"not null" json:"target_registry_doctype"`
	RequiredFields        JSONStringSlice `gorm:"type:text" json:"required_fields"`
	// FieldSchema maps payload field names to expected JSON types. A value
	// is one of "string", "int", "float", "bool", "array", "object", or a
	// list of allowed literal values.
	FieldSchema    JSONMap   `gorm:"type:text" json:"field_schema,omitempty"`
	ValidationRule string    `json:"validation_rule,omitempty"`
	IsActive       bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName implements gorm's Tabler interface.
func (CategoryRecord) TableName() string {
	return "contribution_categories"
}

// BeforeCreate assigns a UUID when none is set.
func (c *CategoryRecord) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

// RequestRecord is one contribution request moving through the lifecycle.
// Requests are never deleted once submitted; the transition log preserves
// the full history.
type RequestRecord struct {
	ID               string  `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Title            string  `gorm:"not null" json:"title"`
	CategoryID       string  `gorm:"index;not null" json:"category_id"`
	SubmitterSiteURL string  `gorm:"index" json:"submitter_site_url,omitempty"`
	Payload          JSONMap `gorm:"type:text;not null" json:"payload"`
	PayloadHash      string  `gorm:"type:varchar(64);not null" json:"-"`
	// IdempotencyKey is the digest of (submitter site, category, client key
	// or payload hash). Unique while the retention window lasts.
	IdempotencyKey        string `gorm:"uniqueIndex:idx_request_idempotency;type:varchar(64)" json:"-"`
	BusinessJustification string `json:"business_justification,omitempty"`
	State                 string `gorm:"index;not null" json:"state"`
	RejectionReason       string `json:"rejection_reason,omitempty"`
	// ExportedEntryID links the registry entry minted from this request.
	ExportedEntryID string     `gorm:"type:varchar(36)" json:"exported_entry_id,omitempty"`
	SubmittedBy     string     `json:"submitted_by,omitempty"`
	SubmissionDate  *time.Time `json:"submission_date,omitempty"`
	ReviewedBy      string     `json:"reviewed_by,omitempty"`
	ReviewDate      *time.Time `json:"review_date,omitempty"`
	ApprovedBy      string     `json:"approved_by,omitempty"`
	ApprovalDate    *time.Time `json:"approval_date,omitempty"`
	IntegrationDate *time.Time `json:"integration_date,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName implements gorm's Tabler interface.
func (RequestRecord) TableName() string {
	return "contribution_requests"
}

// BeforeCreate assigns a UUID when none is set.
func (r *RequestRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// TransitionRecord is one entry in the append-only lifecycle log.
type TransitionRecord struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	RequestID string    `gorm:"index;not null" json:"request_id"`
	FromState string    `gorm:"not null" json:"from_state"`
	ToState   string    `gorm:"not null" json:"to_state"`
	Action    string    `gorm:"not null" json:"action"`
	Actor     string    `json:"actor,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName implements gorm's Tabler interface.
func (TransitionRecord) TableName() string {
	return "contribution_transitions"
}
