// Package propagation delivers approved registry versions to subscriber
// sites: a per-subscriber delivery queue with ordered, at-least-once
// semantics, a worker pool that drains it over HTTP, and the inbound
// endpoint a subscriber mounts to receive templates.
package propagation

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DeliveryStatus is the state of one delivery.
type DeliveryStatus string

const (
	// StatusPending means the delivery waits for a worker (possibly after
	// failed attempts; NextAttemptAt carries the backoff).
	StatusPending DeliveryStatus = "Pending"
	// StatusInFlight means a worker claimed the delivery.
	StatusInFlight DeliveryStatus = "InFlight"
	// StatusDelivered means the subscriber acknowledged the version.
	StatusDelivered DeliveryStatus = "Delivered"
	// StatusFailed means the attempt budget is spent. Terminal.
	StatusFailed DeliveryStatus = "Failed"
)

// Terminal reports whether the status can never change again.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// DeliveryRecord is one (registry entry, subscriber) delivery. A subscriber
// never sees version v of a template before versions below v are terminal.
type DeliveryRecord struct {
	ID                string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	EntryID           string `gorm:"uniqueIndex:idx_delivery_entry_subscriber,priority:1;not null" json:"entry_id"`
	SubscriberSiteURL string `gorm:"uniqueIndex:idx_delivery_entry_subscriber,priority:2;index:idx_delivery_subscriber_code,priority:1;not null" json:"subscriber_site_url"`
	TemplateCode      string `gorm:"index:idx_delivery_subscriber_code,priority:2;not null" json:"template_code"`
	Version           int    `gorm:"not null" json:"version"`
	Status            string `gorm:"index;not null" json:"status"`
	Attempts          int    `gorm:"not null;default:0" json:"attempts"`
	LastError         string `json:"last_error,omitempty"`
	NextAttemptAt     time.Time  `gorm:"index;not null" json:"next_attempt_at"`
	ClaimedAt         *time.Time `json:"claimed_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// TableName implements gorm's Tabler interface.
func (DeliveryRecord) TableName() string {
	return "template_deliveries"
}

// BeforeCreate assigns a UUID when none is set.
func (d *DeliveryRecord) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	return nil
}
