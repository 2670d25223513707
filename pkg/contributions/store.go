package contributions

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/domika-dev/template-registry/pkg/render"
)

// CategoryStore provides database operations for contribution categories.
type CategoryStore struct {
	db *gorm.DB
}

// NewCategoryStore creates a new CategoryStore.
func NewCategoryStore(db *gorm.DB) *CategoryStore {
	return &CategoryStore{db: db}
}

// AutoMigrate creates or updates the category table.
func (s *CategoryStore) AutoMigrate() error {
	return s.db.AutoMigrate(&CategoryRecord{})
}

// DefaultRegistryTarget is the registry doctype categories export into when
// none is named. It is the only registry this server hosts; the original
// multi-registry deployment routed categories to per-module registries.
const DefaultRegistryTarget = "Master Template Registry"

var supportedRegistryTargets = map[string]bool{
	DefaultRegistryTarget: true,
}

// Create persists a new category after checking its validation rule
// compiles in the sandbox and its target registry exists.
func (s *CategoryStore) Create(category *CategoryRecord) error {
	if category.ModuleName == "" || category.ContributionType == "" {
		return fmt.Errorf("category needs both a module name and a contribution type")
	}
	if category.TargetRegistryDoctype == "" {
		category.TargetRegistryDoctype = DefaultRegistryTarget
	}
	if !supportedRegistryTargets[category.TargetRegistryDoctype] {
		return fmt.Errorf("category target registry %q does not exist", category.TargetRegistryDoctype)
	}
	if rule := strings.TrimSpace(category.ValidationRule); rule != "" {
		if _, err := render.CompileExpr(rule); err != nil {
			return fmt.Errorf("category validation rule: %w", err)
		}
	}
	if err := s.db.Create(category).Error; err != nil {
		return fmt.Errorf("create category %s/%s: %w", category.ModuleName, category.ContributionType, err)
	}
	return nil
}

// Get retrieves a category by ID. Returns nil when not found.
func (s *CategoryStore) Get(id string) (*CategoryRecord, error) {
	var category CategoryRecord
	if err := s.db.First(&category, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get category %s: %w", id, err)
	}
	return &category, nil
}

// Lookup retrieves an active category by its (module, type) pair. Returns
// nil when not found.
func (s *CategoryStore) Lookup(moduleName, contributionType string) (*CategoryRecord, error) {
	var category CategoryRecord
	err := s.db.
		Where("module_name = ? AND contribution_type = ? AND is_active = ?", moduleName, contributionType, true).
		First(&category).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup category %s/%s: %w", moduleName, contributionType, err)
	}
	return &category, nil
}

// List returns every category ordered by module and type.
func (s *CategoryStore) List() ([]CategoryRecord, error) {
	var categories []CategoryRecord
	if err := s.db.Order("module_name, contribution_type").Find(&categories).Error; err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	return categories, nil
}

// RequestStore provides database operations for contribution requests and
// their transition log.
type RequestStore struct {
	db *gorm.DB
}

// NewRequestStore creates a new RequestStore.
func NewRequestStore(db *gorm.DB) *RequestStore {
	return &RequestStore{db: db}
}

// AutoMigrate creates or updates the request tables.
func (s *RequestStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&RequestRecord{}); err != nil {
		return fmt.Errorf("auto-migrate contribution_requests: %w", err)
	}
	if err := s.db.AutoMigrate(&TransitionRecord{}); err != nil {
		return fmt.Errorf("auto-migrate contribution_transitions: %w", err)
	}
	return nil
}

// IdempotencyKey derives the stored dedup key for a submission. clientKey is
// the caller-supplied key when present; otherwise the payload hash stands in,
// so resubmitting identical content collapses onto the first request either
// way.
func IdempotencyKey(siteURL, categoryID, clientKey, payloadHash string) string {
	if clientKey == "" {
		clientKey = payloadHash
	}
	sum := sha256.Sum256([]byte(siteURL + "|" + categoryID + "|" + clientKey))
	return hex.EncodeToString(sum[:])
}

// FindByIdempotencyKey returns the existing request for a dedup key when one
// was created within the retention window. Returns nil when there is none.
func (s *RequestStore) FindByIdempotencyKey(key string, retention time.Duration) (*RequestRecord, error) {
	var record RequestRecord
	q := s.db.Where("idempotency_key = ?", key)
	if retention > 0 {
		q = q.Where("created_at > ?", time.Now().UTC().Add(-retention))
	}
	if err := q.First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find request by idempotency key: %w", err)
	}
	return &record, nil
}

// Get retrieves a request by ID. Returns nil when not found.
func (s *RequestStore) Get(id string) (*RequestRecord, error) {
	var record RequestRecord
	if err := s.db.First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get request %s: %w", id, err)
	}
	return &record, nil
}

// List returns requests filtered by state (empty means all), newest first.
func (s *RequestStore) List(state State, limit int) ([]RequestRecord, error) {
	q := s.db.Order("created_at DESC, id")
	if state != "" {
		q = q.Where("state = ?", string(state))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var records []RequestRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return records, nil
}

// Transitions returns the lifecycle log for a request, oldest first.
func (s *RequestStore) Transitions(requestID string) ([]TransitionRecord, error) {
	var records []TransitionRecord
	if err := s.db.Where("request_id = ?", requestID).Order("id").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list transitions for %s: %w", requestID, err)
	}
	return records, nil
}

// PruneIdempotencyKeys retires dedup keys older than the retention window so
// the unique index stops shadowing resubmissions. The key is rewritten to a
// digest of the request id, which stays unique. Returns how many rows moved.
func (s *RequestStore) PruneIdempotencyKeys(retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	var records []RequestRecord
	if err := s.db.Select("id").Where("created_at <= ?", cutoff).Find(&records).Error; err != nil {
		return 0, fmt.Errorf("prune idempotency keys: %w", err)
	}
	var pruned int64
	for i := range records {
		retired := sha256.Sum256([]byte("expired:" + records[i].ID))
		res := s.db.Model(&RequestRecord{}).
			Where("id = ? AND created_at <= ?", records[i].ID, cutoff).
			Update("idempotency_key", hex.EncodeToString(retired[:]))
		if res.Error != nil {
			return pruned, fmt.Errorf("prune idempotency keys: %w", res.Error)
		}
		pruned += res.RowsAffected
	}
	return pruned, nil
}

// DeleteDraft removes a request that never left Draft. Any other state
// fails; submitted history is never destroyed.
func (s *RequestStore) DeleteDraft(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var record RequestRecord
		if err := tx.First(&record, "id = ?", id).Error; err != nil {
			return fmt.Errorf("delete draft %s: %w", id, err)
		}
		if State(record.State) != StateDraft {
			return fmt.Errorf("request %s is %s, only drafts can be deleted", id, record.State)
		}
		if err := tx.Delete(&RequestRecord{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("delete draft %s: %w", id, err)
		}
		return nil
	})
}
