package propagation

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/domika-dev/template-registry/pkg/registry"
	"github.com/domika-dev/template-registry/pkg/sites"
)

// DeliveryStore provides database operations for the delivery queue.
type DeliveryStore struct {
	db *gorm.DB
}

// NewDeliveryStore creates a new DeliveryStore.
func NewDeliveryStore(db *gorm.DB) *DeliveryStore {
	return &DeliveryStore{db: db}
}

// AutoMigrate creates or updates the delivery table.
func (s *DeliveryStore) AutoMigrate() error {
	return s.db.AutoMigrate(&DeliveryRecord{})
}

// EnqueueEntry schedules one pending delivery per active subscriber for a
// freshly minted entry, inside the caller's transaction. Satisfies the
// contribution service's enqueuer interface.
func (s *DeliveryStore) EnqueueEntry(tx *gorm.DB, entry *registry.Entry) error {
	var subscribers []sites.SiteRecord
	err := tx.Where("is_active = ? AND is_subscriber = ?", true, true).
		Order("site_url").
		Find(&subscribers).Error
	if err != nil {
		return fmt.Errorf("list subscribers: %w", err)
	}

	now := time.Now().UTC()
	for i := range subscribers {
		delivery := DeliveryRecord{
			EntryID:           entry.ID,
			SubscriberSiteURL: subscribers[i].SiteURL,
			TemplateCode:      entry.TemplateCode,
			Version:           entry.Version,
			Status:            string(StatusPending),
			NextAttemptAt:     now,
		}
		if err := tx.Create(&delivery).Error; err != nil {
			return fmt.Errorf("enqueue delivery of %s v%d to %s: %w",
				entry.TemplateCode, entry.Version, subscribers[i].SiteURL, err)
		}
	}
	return nil
}

// Claim atomically picks a due pending delivery and flips it in flight.
// A delivery is due when its backoff expired and every lower version of the
// same template for the same subscriber is terminal, which keeps deliveries
// in version order per subscriber. Returns nil when nothing is due.
func (s *DeliveryStore) Claim() (*DeliveryRecord, error) {
	var delivery DeliveryRecord
	err := s.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		err := tx.Where(`status = ? AND next_attempt_at <= ?
			AND NOT EXISTS (
				SELECT 1 FROM template_deliveries p
				WHERE p.subscriber_site_url = template_deliveries.subscriber_site_url
				  AND p.template_code = template_deliveries.template_code
				  AND p.version < template_deliveries.version
				  AND p.status IN ?
			)`, string(StatusPending), now,
			[]string{string(StatusPending), string(StatusInFlight)}).
			Order("created_at ASC").
			Limit(1).
			First(&delivery).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			return fmt.Errorf("claim delivery: %w", err)
		}

		delivery.Status = string(StatusInFlight)
		delivery.Attempts++
		delivery.ClaimedAt = &now
		if err := tx.Save(&delivery).Error; err != nil {
			return fmt.Errorf("claim delivery %s: %w", delivery.ID, err)
		}
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &delivery, nil
}

// MarkDelivered finishes a delivery.
func (s *DeliveryStore) MarkDelivered(id string) error {
	now := time.Now().UTC()
	err := s.db.Model(&DeliveryRecord{}).Where("id = ?", id).Updates(map[string]any{
		"status":       string(StatusDelivered),
		"delivered_at": now,
		"last_error":   "",
	}).Error
	if err != nil {
		return fmt.Errorf("mark delivery %s delivered: %w", id, err)
	}
	return nil
}

// Fail records a failed attempt. Below the attempt budget the delivery goes
// back to pending with exponential backoff (base * 2^(attempts-1)); at the
// budget it turns Failed for good.
func (s *DeliveryStore) Fail(id, message string, maxAttempts int, backoffBase time.Duration) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var delivery DeliveryRecord
		if err := tx.First(&delivery, "id = ?", id).Error; err != nil {
			return fmt.Errorf("fail delivery %s: %w", id, err)
		}

		delivery.LastError = message
		delivery.ClaimedAt = nil
		if delivery.Attempts >= maxAttempts {
			delivery.Status = string(StatusFailed)
		} else {
			delivery.Status = string(StatusPending)
			delivery.NextAttemptAt = time.Now().UTC().Add(Backoff(backoffBase, delivery.Attempts))
		}
		if err := tx.Save(&delivery).Error; err != nil {
			return fmt.Errorf("fail delivery %s: %w", id, err)
		}
		return nil
	})
}

// Backoff returns the wait after the given number of attempts.
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d > 24*time.Hour {
			return 24 * time.Hour
		}
	}
	return d
}

// Requeue flips a delivery back to pending and schedules it immediately.
// Used to retry a Failed delivery by hand.
func (s *DeliveryStore) Requeue(id string) error {
	res := s.db.Model(&DeliveryRecord{}).Where("id = ?", id).Updates(map[string]any{
		"status":          string(StatusPending),
		"attempts":        0,
		"next_attempt_at": time.Now().UTC(),
		"claimed_at":      nil,
	})
	if res.Error != nil {
		return fmt.Errorf("requeue delivery %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("requeue delivery %s: not found", id)
	}
	return nil
}

// ReleaseStuck returns in-flight deliveries claimed before the timeout to
// pending so a crashed worker never wedges a subscriber's queue.
func (s *DeliveryStore) ReleaseStuck(claimTimeout time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-claimTimeout)
	res := s.db.Model(&DeliveryRecord{}).
		Where("status = ? AND claimed_at < ?", string(StatusInFlight), cutoff).
		Updates(map[string]any{
			"status":          string(StatusPending),
			"next_attempt_at": time.Now().UTC(),
			"claimed_at":      nil,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("release stuck deliveries: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Get retrieves one delivery. Returns nil when not found.
func (s *DeliveryStore) Get(id string) (*DeliveryRecord, error) {
	var delivery DeliveryRecord
	if err := s.db.First(&delivery, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get delivery %s: %w", id, err)
	}
	return &delivery, nil
}

// DeliveryFilter narrows List.
type DeliveryFilter struct {
	SubscriberSiteURL string
	TemplateCode      string
	Status            DeliveryStatus
}

// List returns deliveries matching the filter, oldest first.
func (s *DeliveryStore) List(filter DeliveryFilter) ([]DeliveryRecord, error) {
	q := s.db.Order("created_at ASC, version ASC")
	if filter.SubscriberSiteURL != "" {
		q = q.Where("subscriber_site_url = ?", filter.SubscriberSiteURL)
	}
	if filter.TemplateCode != "" {
		q = q.Where("template_code = ?", filter.TemplateCode)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	var deliveries []DeliveryRecord
	if err := q.Find(&deliveries).Error; err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	return deliveries, nil
}

// CountByStatus returns how many deliveries sit in each status.
func (s *DeliveryStore) CountByStatus() (map[DeliveryStatus]int64, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	err := s.db.Model(&DeliveryRecord{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count deliveries: %w", err)
	}
	counts := make(map[DeliveryStatus]int64, len(rows))
	for _, r := range rows {
		counts[DeliveryStatus(r.Status)] = r.N
	}
	return counts, nil
}
