package sites

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SiteStore provides database operations for registered sites.
type SiteStore struct {
	db *gorm.DB
}

// NewSiteStore creates a new SiteStore.
func NewSiteStore(db *gorm.DB) *SiteStore {
	return &SiteStore{db: db}
}

// AutoMigrate creates or updates the sites table.
func (s *SiteStore) AutoMigrate() error {
	return s.db.AutoMigrate(&SiteRecord{})
}

// HashKey returns the hex SHA-256 digest of an API key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// GenerateKey produces a new random API key. Only the digest is ever stored;
// the plaintext is shown to the operator exactly once.
func GenerateKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return "dmk_" + base64.RawURLEncoding.EncodeToString(raw), nil
}

// Register creates a new site with the given key. The site URL is
// normalized by stripping a trailing slash.
func (s *SiteStore) Register(siteURL, companyName, contactEmail, apiKey string) (*SiteRecord, error) {
	record := &SiteRecord{
		ID:           uuid.New().String(),
		SiteURL:      strings.TrimSuffix(siteURL, "/"),
		CompanyName:  companyName,
		ContactEmail: contactEmail,
		APIKeyHash:   HashKey(apiKey),
		KeyPrefix:    keyPrefix(apiKey),
		IsActive:     true,
		IsSubscriber: true,
	}
	if err := s.db.Create(record).Error; err != nil {
		return nil, fmt.Errorf("register site: %w", err)
	}
	return record, nil
}

// GetByURL retrieves a site by its URL. Returns nil, nil when absent.
func (s *SiteStore) GetByURL(siteURL string) (*SiteRecord, error) {
	var record SiteRecord
	err := s.db.Where("site_url = ?", strings.TrimSuffix(siteURL, "/")).First(&record).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get site: %w", err)
	}
	return &record, nil
}

// Deactivate marks a site inactive. Sites are never deleted.
func (s *SiteStore) Deactivate(siteURL string) error {
	result := s.db.Model(&SiteRecord{}).
		Where("site_url = ?", strings.TrimSuffix(siteURL, "/")).
		Update("is_active", false)
	if result.Error != nil {
		return fmt.Errorf("deactivate site: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("deactivate site: no site registered for %s", siteURL)
	}
	return nil
}

// SetSubscriber toggles whether a site receives registry propagation.
func (s *SiteStore) SetSubscriber(siteURL string, subscribe bool) error {
	return s.db.Model(&SiteRecord{}).
		Where("site_url = ?", strings.TrimSuffix(siteURL, "/")).
		Update("is_subscriber", subscribe).Error
}

// List returns paginated sites ordered by URL. pageToken is the site_url of
// the last record from the previous page; pass "" for the first page.
func (s *SiteStore) List(pageSize int, pageToken string) ([]SiteRecord, string, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	query := s.db.Order("site_url ASC").Limit(pageSize + 1)
	if pageToken != "" {
		query = query.Where("site_url > ?", pageToken)
	}

	var records []SiteRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, "", fmt.Errorf("list sites: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = records[pageSize-1].SiteURL
		records = records[:pageSize]
	}
	return records, nextToken, nil
}

// ActiveSubscribers returns every active site that subscribes to propagation.
func (s *SiteStore) ActiveSubscribers() ([]SiteRecord, error) {
	var records []SiteRecord
	err := s.db.Where("is_active = ? AND is_subscriber = ?", true, true).
		Order("site_url ASC").Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	return records, nil
}

func keyPrefix(key string) string {
	if len(key) <= 10 {
		return key
	}
	return key[:10]
}
