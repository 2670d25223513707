// Package sites maintains the registry of contributor sites authorized to
// submit, and authenticates cross-site callers against their stored key
// digests. Plaintext keys are never persisted.
package sites

import "time"

// SiteRecord is one registered contributor or subscriber site.
type SiteRecord struct {
	ID           string    `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	SiteURL      string    `gorm:"column:site_url;uniqueIndex;not null" json:"site_url"`
	CompanyName  string    `gorm:"column:company_name" json:"company_name"`
	ContactEmail string    `gorm:"column:contact_email" json:"contact_email,omitempty"`
	APIKeyHash   string    `gorm:"column:api_key_hash;not null" json:"-"` // hex SHA-256, never the key itself
	KeyPrefix    string    `gorm:"column:key_prefix" json:"key_prefix"`   // first chars of the key, for operator display
	IsActive     bool      `gorm:"column:is_active;default:true;not null" json:"is_active"`
	IsSubscriber bool      `gorm:"column:is_subscriber;default:true;not null" json:"is_subscriber"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName returns the GORM table name.
func (SiteRecord) TableName() string { return "sites" }
