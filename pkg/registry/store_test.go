package registry

import (
	"errors"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"pgregory.net/rapid"

	"github.com/domika-dev/template-registry/pkg/fields"
)

func newTestRegistry(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store := NewStore(db)
	require.NoError(t, store.AutoMigrate())
	return store
}

func eventHallSpec() MintSpec {
	return MintSpec{
		TemplateCode:       "EVENT_HALL",
		TemplateName:       "Salón de Eventos",
		InfrastructureType: "Amenity",
		TargetDocument:     "Entity Configuration",
		TemplateContent:    "Capacidad: {{ event_capacity }} personas",
		Fields: []fields.Definition{
			{FieldName: "event_capacity", FieldType: fields.TypeInt, IsRequired: true},
			{FieldName: "rental_rate", FieldType: fields.TypeFloat, IsRequired: true},
		},
		Rules: []Rule{
			{EntityType: "Amenity", TargetTemplateCode: "EVENT_HALL", Priority: 1},
		},
		ContributedBySite: "https://admin1.test.com",
		Actor:             "reviewer@domika.dev",
	}
}

func TestMintFirstVersion(t *testing.T) {
	store := newTestRegistry(t)

	entry, err := store.Mint(eventHallSpec())
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Version)
	assert.Empty(t, entry.SupersedesID)
	assert.Len(t, entry.Fields, 2)
	assert.Len(t, entry.Rules, 1)

	got, err := store.Latest("EVENT_HALL")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry.ID, got.ID)
	assert.Equal(t, []string{"event_capacity", "rental_rate"}, got.RequiredFieldNames())
}

func TestMintVersionBump(t *testing.T) {
	store := newTestRegistry(t)

	v1, err := store.Mint(eventHallSpec())
	require.NoError(t, err)

	// New optional field, required set unchanged.
	spec := eventHallSpec()
	spec.Fields = append(spec.Fields, fields.Definition{
		FieldName: "booking_lead_hours", FieldType: fields.TypeInt,
	})
	v2, err := store.Mint(spec)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, v1.ID, v2.SupersedesID)

	// v1 is retained untouched.
	old, err := store.GetVersion("EVENT_HALL", 1)
	require.NoError(t, err)
	require.NotNil(t, old)
	assert.Len(t, old.Fields, 2)

	require.NoError(t, store.VerifyChain("EVENT_HALL"))
}

func TestMintIncompatibleRequiredSet(t *testing.T) {
	store := newTestRegistry(t)
	_, err := store.Mint(eventHallSpec())
	require.NoError(t, err)

	// Removing event_capacity from required is fine (shrink)...
	spec := eventHallSpec()
	spec.Fields[0].IsRequired = false
	_, err = store.Mint(spec)
	require.NoError(t, err)

	// ...but introducing a new required field is rejected.
	spec = eventHallSpec()
	spec.Fields = append(spec.Fields, fields.Definition{
		FieldName: "seats", FieldType: fields.TypeInt, IsRequired: true,
	})
	_, err = store.Mint(spec)
	var inc *IncompatibleFieldSetError
	require.ErrorAs(t, err, &inc)
	assert.Contains(t, inc.NewRequired, "seats")

	// No v3 was created.
	versions, err := store.Versions("EVENT_HALL")
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestMintValidatesContentAndRules(t *testing.T) {
	store := newTestRegistry(t)

	spec := eventHallSpec()
	spec.TemplateContent = "{% if x %}sin cierre"
	_, err := store.Mint(spec)
	require.Error(t, err)

	spec = eventHallSpec()
	spec.Rules[0].TargetTemplateCode = "OTRO_TEMPLATE"
	_, err = store.Mint(spec)
	require.Error(t, err)

	spec = eventHallSpec()
	spec.Rules = append(spec.Rules, Rule{EntityType: "Amenity", TargetTemplateCode: "EVENT_HALL", Priority: 5})
	_, err = store.Mint(spec)
	require.Error(t, err, "duplicate (type, subtype, target) tuple")
}

// A competing mint can land between reading the latest version and the
// INSERT. The loser must classify the unique violation, roll back to its
// savepoint so the surrounding transaction stays usable, and retry.
func TestMintRetriesWhenVersionRaceLost(t *testing.T) {
	store := newTestRegistry(t)
	v1, err := store.Mint(eventHallSpec())
	require.NoError(t, err)

	stolen := false
	err = store.db.Callback().Create().Before("gorm:create").Register("steal_version", func(cdb *gorm.DB) {
		if stolen || cdb.Statement.Table != (EntryRecord{}).TableName() {
			return
		}
		stolen = true
		competitor := EntryRecord{
			ID:           uuid.New().String(),
			TemplateCode: "EVENT_HALL",
			Version:      2,
			SupersedesID: v1.ID,
			TemplateName: "Salón de Eventos",
		}
		if err := cdb.Session(&gorm.Session{NewDB: true}).Create(&competitor).Error; err != nil {
			cdb.AddError(err)
		}
	})
	require.NoError(t, err)

	entry, err := store.Mint(eventHallSpec())
	require.NoError(t, err)
	require.True(t, stolen)
	assert.Equal(t, 2, entry.Version)
	require.NoError(t, store.VerifyChain("EVENT_HALL"))
}

// Only unique-index violations are worth retrying; anything else surfaces
// after the first attempt.
func TestMintDoesNotRetryNonVersionErrors(t *testing.T) {
	store := newTestRegistry(t)

	attempts := 0
	err := store.db.Callback().Create().Before("gorm:create").Register("fail_create", func(cdb *gorm.DB) {
		if cdb.Statement.Table != (EntryRecord{}).TableName() {
			return
		}
		attempts++
		cdb.AddError(errors.New("disk I/O error"))
	})
	require.NoError(t, err)

	_, err = store.Mint(eventHallSpec())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.Equal(t, 1, attempts)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	store := newTestRegistry(t)
	_, err := store.Mint(eventHallSpec())
	require.NoError(t, err)
	_, err = store.Mint(eventHallSpec())
	require.NoError(t, err)

	// Simulate a gap by deleting v1 out from under the chain.
	require.NoError(t, store.db.Where("template_code = ? AND version = ?", "EVENT_HALL", 1).
		Delete(&EntryRecord{}).Error)

	err = store.VerifyChain("EVENT_HALL")
	var ce *ChainError
	require.ErrorAs(t, err, &ce)
}

// Property: any sequence of compatible mints yields versions {1..n} with no
// gaps and supersedes(v) = v-1.
func TestMintChainProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			t.Fatalf("open db: %v", err)
		}
		s := NewStore(db)
		if err := s.AutoMigrate(); err != nil {
			t.Fatalf("migrate: %v", err)
		}

		n := rapid.IntRange(1, 8).Draw(t, "mints")
		for i := 0; i < n; i++ {
			spec := eventHallSpec()
			// Optional fields may accumulate freely.
			extra := rapid.IntRange(0, 3).Draw(t, fmt.Sprintf("extra%d", i))
			for j := 0; j < extra; j++ {
				spec.Fields = append(spec.Fields, fields.Definition{
					FieldName: fmt.Sprintf("opt_%d_%d", i, j), FieldType: fields.TypeText,
				})
			}
			if _, err := s.Mint(spec); err != nil {
				t.Fatalf("mint %d: %v", i, err)
			}
		}

		records, err := s.Versions("EVENT_HALL")
		if err != nil {
			t.Fatalf("versions: %v", err)
		}
		if len(records) != n {
			t.Fatalf("expected %d versions, got %d", n, len(records))
		}
		if err := s.VerifyChain("EVENT_HALL"); err != nil {
			t.Fatalf("chain: %v", err)
		}
	})
}
