package registry

import (
	"errors"
	"fmt"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/domika-dev/template-registry/pkg/fields"
	"github.com/domika-dev/template-registry/pkg/render"
)

// MintSpec describes the entry a mint call wants to append.
type MintSpec struct {
	TemplateCode          string
	TemplateName          string
	InfrastructureType    string
	InfrastructureSubtype string
	TargetDocument        string
	TemplateContent       string
	Fields                []fields.Definition
	Rules                 []Rule
	ContributedBySite     string
	ContributionRef       string
	BusinessJustification string
	Actor                 string
}

// Store provides database operations for the template registry.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new registry Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the registry tables.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&EntryRecord{}); err != nil {
		return fmt.Errorf("auto-migrate registry_entries: %w", err)
	}
	if err := s.db.AutoMigrate(&TemplateFieldRecord{}); err != nil {
		return fmt.Errorf("auto-migrate template_fields: %w", err)
	}
	if err := s.db.AutoMigrate(&AssignmentRuleRecord{}); err != nil {
		return fmt.Errorf("auto-migrate assignment_rules: %w", err)
	}
	return nil
}

// Mint appends a new version for spec.TemplateCode in its own transaction.
func (s *Store) Mint(spec MintSpec) (*Entry, error) {
	var entry *Entry
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = MintTx(tx, spec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// MintTx appends a new version inside the caller's transaction. The approve
// path uses this so the mint commits or rolls back atomically with the
// request's state transition.
//
// Version serialization: the unique (template_code, version) index is the
// arbiter. We read max(version), try to insert max+1, and on a duplicate-key
// failure roll back to a savepoint, re-read, and retry. The savepoint keeps
// the enclosing transaction usable after the failed INSERT: postgres aborts
// the whole transaction otherwise. This serializes writers per template_code
// on every supported driver without advisory locks.
func MintTx(tx *gorm.DB, spec MintSpec) (*Entry, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	const maxAttempts = 3
	var record EntryRecord
	for attempt := 0; ; attempt++ {
		prior, err := latestTx(tx, spec.TemplateCode)
		if err != nil {
			return nil, err
		}

		if prior != nil {
			if err := checkCompatibility(spec, prior); err != nil {
				return nil, err
			}
		}

		record = EntryRecord{
			ID:                    uuid.New().String(),
			TemplateCode:          spec.TemplateCode,
			Version:               1,
			TemplateName:          spec.TemplateName,
			InfrastructureType:    spec.InfrastructureType,
			InfrastructureSubtype: spec.InfrastructureSubtype,
			TargetDocument:        spec.TargetDocument,
			TemplateContent:       spec.TemplateContent,
			ContributedBySite:     spec.ContributedBySite,
			ContributionRef:       spec.ContributionRef,
			BusinessJustification: spec.BusinessJustification,
			CreatedBy:             spec.Actor,
		}
		if prior != nil {
			record.Version = prior.Version + 1
			record.SupersedesID = prior.ID
		}

		if err := tx.SavePoint("mint_retry").Error; err != nil {
			return nil, fmt.Errorf("mint %s: savepoint: %w", spec.TemplateCode, err)
		}
		if err := tx.Create(&record).Error; err != nil {
			if !isDuplicateKey(err) {
				return nil, fmt.Errorf("mint %s v%d: %w", spec.TemplateCode, record.Version, err)
			}
			if rbErr := tx.RollbackTo("mint_retry").Error; rbErr != nil {
				return nil, fmt.Errorf("mint %s: rollback to savepoint: %w", spec.TemplateCode, rbErr)
			}
			if attempt < maxAttempts-1 {
				continue // lost the race on (template_code, version); re-read and retry
			}
			return nil, fmt.Errorf("mint %s v%d: %w", spec.TemplateCode, record.Version, err)
		}
		break
	}

	entry := &Entry{EntryRecord: record}
	for i := range spec.Fields {
		d := &spec.Fields[i]
		entry.Fields = append(entry.Fields, TemplateFieldRecord{
			ID:            uuid.New().String(),
			EntryID:       record.ID,
			Position:      i,
			FieldName:     d.FieldName,
			FieldLabel:    d.FieldLabel,
			FieldType:     string(d.FieldType),
			IsRequired:    d.IsRequired,
			DefaultValue:  d.Default,
			SourceField:   d.SourceField,
			SelectOptions: strings.Join(d.SelectOptions, "\n"),
		})
	}
	if len(entry.Fields) > 0 {
		if err := tx.Create(&entry.Fields).Error; err != nil {
			return nil, fmt.Errorf("mint %s: create fields: %w", spec.TemplateCode, err)
		}
	}

	for _, r := range spec.Rules {
		entry.Rules = append(entry.Rules, AssignmentRuleRecord{
			ID:                 uuid.New().String(),
			EntryID:            record.ID,
			EntityType:         r.EntityType,
			EntitySubtype:      r.EntitySubtype,
			TargetTemplateCode: r.TargetTemplateCode,
			Priority:           r.Priority,
		})
	}
	if len(entry.Rules) > 0 {
		if err := tx.Create(&entry.Rules).Error; err != nil {
			return nil, fmt.Errorf("mint %s: create rules: %w", spec.TemplateCode, err)
		}
	}

	return entry, nil
}

// isDuplicateKey classifies an INSERT failure as a unique-index violation.
// gorm translates driver errors when TranslateError is on; the string checks
// cover the raw sqlite and postgres messages when it is not.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

func validateSpec(spec MintSpec) error {
	if spec.TemplateCode == "" {
		return fmt.Errorf("mint: template_code is required")
	}
	if spec.TemplateName == "" {
		return fmt.Errorf("mint %s: template_name is required", spec.TemplateCode)
	}
	if err := fields.ValidateSet(spec.Fields); err != nil {
		return fmt.Errorf("mint %s: %w", spec.TemplateCode, err)
	}
	// Content must parse under the renderer's grammar.
	if _, err := render.Parse(spec.TemplateContent); err != nil {
		return fmt.Errorf("mint %s: template content: %w", spec.TemplateCode, err)
	}
	// Rules may only target the entry's own code (the original registry
	// rejected rules referencing templates that do not exist).
	seen := map[string]bool{}
	for _, r := range spec.Rules {
		if r.TargetTemplateCode != spec.TemplateCode {
			return fmt.Errorf("mint %s: assignment rule targets foreign template %s",
				spec.TemplateCode, r.TargetTemplateCode)
		}
		if r.EntityType == "" {
			return fmt.Errorf("mint %s: assignment rule has empty entity_type", spec.TemplateCode)
		}
		key := r.EntityType + "\x00" + r.EntitySubtype + "\x00" + r.TargetTemplateCode
		if seen[key] {
			return fmt.Errorf("mint %s: duplicate assignment rule (%s, %s)",
				spec.TemplateCode, r.EntityType, r.EntitySubtype)
		}
		seen[key] = true
	}
	return nil
}

// checkCompatibility enforces the field-set evolution policy: the new
// version's required set must be a subset of the prior version's.
func checkCompatibility(spec MintSpec, prior *Entry) error {
	newRequired := mapset.NewSet(fields.RequiredNames(spec.Fields)...)
	oldRequired := mapset.NewSet(prior.RequiredFieldNames()...)

	added := newRequired.Difference(oldRequired)
	if added.Cardinality() > 0 {
		return incompatible(spec.TemplateCode, added.ToSlice())
	}
	return nil
}

// Latest returns the highest version entry for a template code, fully
// loaded. Returns nil, nil when the code has no entries.
func (s *Store) Latest(templateCode string) (*Entry, error) {
	return latestTx(s.db, templateCode)
}

func latestTx(tx *gorm.DB, templateCode string) (*Entry, error) {
	var record EntryRecord
	err := tx.Where("template_code = ?", templateCode).
		Order("version DESC").First(&record).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("latest %s: %w", templateCode, err)
	}
	return loadEntry(tx, &record)
}

// GetVersion returns one specific version, fully loaded. Returns nil, nil
// when absent.
func (s *Store) GetVersion(templateCode string, version int) (*Entry, error) {
	var record EntryRecord
	err := s.db.Where("template_code = ? AND version = ?", templateCode, version).
		First(&record).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s v%d: %w", templateCode, version, err)
	}
	return loadEntry(s.db, &record)
}

// GetByID returns the entry with the given id, fully loaded. Returns
// nil, nil when absent.
func (s *Store) GetByID(id string) (*Entry, error) {
	var record EntryRecord
	err := s.db.Where("id = ?", id).First(&record).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get entry %s: %w", id, err)
	}
	return loadEntry(s.db, &record)
}

func loadEntry(tx *gorm.DB, record *EntryRecord) (*Entry, error) {
	entry := &Entry{EntryRecord: *record}
	err := tx.Where("entry_id = ?", record.ID).Order("position ASC").Find(&entry.Fields).Error
	if err != nil {
		return nil, fmt.Errorf("load fields for %s: %w", record.ID, err)
	}
	err = tx.Where("entry_id = ?", record.ID).Order("priority DESC").Find(&entry.Rules).Error
	if err != nil {
		return nil, fmt.Errorf("load rules for %s: %w", record.ID, err)
	}
	return entry, nil
}

// Versions lists every version record for a code, ascending. Side tables are
// not loaded.
func (s *Store) Versions(templateCode string) ([]EntryRecord, error) {
	var records []EntryRecord
	err := s.db.Where("template_code = ?", templateCode).
		Order("version ASC").Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("versions %s: %w", templateCode, err)
	}
	return records, nil
}

// Codes lists every distinct template code in the registry.
func (s *Store) Codes() ([]string, error) {
	var codes []string
	err := s.db.Model(&EntryRecord{}).Distinct("template_code").
		Order("template_code ASC").Pluck("template_code", &codes).Error
	if err != nil {
		return nil, fmt.Errorf("list template codes: %w", err)
	}
	return codes, nil
}

// VerifyChain checks the internal registry invariants for a template code:
// versions are exactly 1..n with no gaps, and each version's supersedes
// pointer names the immediately prior version. A violation is fatal for the
// deployment and must be alerted.
func (s *Store) VerifyChain(templateCode string) error {
	records, err := s.Versions(templateCode)
	if err != nil {
		return err
	}
	byID := make(map[string]*EntryRecord, len(records))
	for i := range records {
		byID[records[i].ID] = &records[i]
	}
	for i := range records {
		r := &records[i]
		if r.Version != i+1 {
			return chainErr(templateCode, "expected version %d at position %d, found %d", i+1, i, r.Version)
		}
		if i == 0 {
			if r.SupersedesID != "" {
				return chainErr(templateCode, "version 1 must not supersede anything")
			}
			continue
		}
		prior, ok := byID[r.SupersedesID]
		if !ok || prior.Version != r.Version-1 {
			return chainErr(templateCode, "version %d does not supersede version %d", r.Version, r.Version-1)
		}
	}
	return nil
}
