package contributions

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/domika-dev/template-registry/pkg/registry"
)

// DeliveryEnqueuer schedules propagation deliveries for a freshly minted
// registry entry. The propagation package provides the real implementation;
// the indirection keeps this package free of a dependency on it.
type DeliveryEnqueuer interface {
	EnqueueEntry(tx *gorm.DB, entry *registry.Entry) error
}

// SubmissionRequest is a cross-site contribution submission.
type SubmissionRequest struct {
	Title                 string  `json:"title"`
	ModuleName            string  `json:"module_name"`
	ContributionType      string  `json:"contribution_type"`
	BusinessJustification string  `json:"business_justification,omitempty"`
	Payload               JSONMap `json:"payload"`
	SubmittedBy           string  `json:"submitted_by,omitempty"`
}

// SubmissionResult reports what a submission produced.
type SubmissionResult struct {
	Request  *RequestRecord
	Created  bool
	Findings []Finding
}

// ServiceConfig carries the tunables for the contribution service.
type ServiceConfig struct {
	// IdempotencyRetention bounds how long a dedup key shadows resubmissions.
	IdempotencyRetention time.Duration
}

// DefaultServiceConfig returns the service defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{IdempotencyRetention: 7 * 24 * time.Hour}
}

// Service drives contribution requests through the lifecycle and exports
// approved payloads to the registry.
type Service struct {
	db         *gorm.DB
	requests   *RequestStore
	categories *CategoryStore
	machine    *Machine
	validator  *PayloadValidator
	enqueuer   DeliveryEnqueuer
	retention  time.Duration
	logger     *slog.Logger
}

// NewService creates a Service. enqueuer may be nil when propagation is
// disabled. logger may be nil.
func NewService(db *gorm.DB, cfg ServiceConfig, enqueuer DeliveryEnqueuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:         db,
		requests:   NewRequestStore(db),
		categories: NewCategoryStore(db),
		machine:    NewMachine(),
		validator:  NewPayloadValidator(),
		enqueuer:   enqueuer,
		retention:  cfg.IdempotencyRetention,
		logger:     logger,
	}
}

// Requests exposes the request store for read paths.
func (s *Service) Requests() *RequestStore { return s.requests }

// Categories exposes the category store.
func (s *Service) Categories() *CategoryStore { return s.categories }

// Submit accepts a cross-site submission. The payload is validated against
// the category before anything is persisted; a failing payload returns
// findings and leaves no trace. A duplicate within the idempotency window
// returns the original request with Created=false.
func (s *Service) Submit(siteURL, clientKey string, req SubmissionRequest) (*SubmissionResult, error) {
	if strings.TrimSpace(req.Title) == "" {
		return &SubmissionResult{Findings: []Finding{{Layer: "json_shape", Field: "title", Message: "title is required"}}}, nil
	}
	category, err := s.categories.Lookup(req.ModuleName, req.ContributionType)
	if err != nil {
		return nil, err
	}
	if category == nil {
		return nil, fmt.Errorf("no active category for %s/%s", req.ModuleName, req.ContributionType)
	}

	if findings := s.validator.Validate(category, req.Payload); len(findings) > 0 {
		return &SubmissionResult{Findings: findings}, nil
	}
	// The payload must also be exportable, or approval would fail later.
	if _, err := payloadToMintSpec(req.Payload); err != nil {
		return &SubmissionResult{Findings: []Finding{{Layer: "json_shape", Message: err.Error()}}}, nil
	}

	hash := PayloadHash(req.Payload)
	key := IdempotencyKey(siteURL, category.ID, clientKey, hash)
	if existing, err := s.requests.FindByIdempotencyKey(key, s.retention); err != nil {
		return nil, err
	} else if existing != nil {
		s.logger.Info("duplicate submission", "site", siteURL, "request_id", existing.ID)
		return &SubmissionResult{Request: existing, Created: false}, nil
	}

	now := time.Now().UTC()
	record := &RequestRecord{
		Title:                 req.Title,
		CategoryID:            category.ID,
		SubmitterSiteURL:      siteURL,
		Payload:               req.Payload,
		PayloadHash:           hash,
		IdempotencyKey:        key,
		BusinessJustification: req.BusinessJustification,
		State:                 string(StateSubmitted),
		SubmittedBy:           req.SubmittedBy,
		SubmissionDate:        &now,
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(record).Error; err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		return logTransition(tx, record.ID, StateDraft, StateSubmitted, ActionSubmit, req.SubmittedBy, "")
	})
	if err != nil {
		// A concurrent duplicate loses the race on the idempotency index.
		// Look without the window: the unique index outlives it until the
		// prune job clears expired keys.
		if existing, findErr := s.requests.FindByIdempotencyKey(key, 0); findErr == nil && existing != nil {
			return &SubmissionResult{Request: existing, Created: false}, nil
		}
		return nil, err
	}
	s.logger.Info("contribution submitted",
		"request_id", record.ID, "site", siteURL,
		"category", category.ModuleName+"/"+category.ContributionType)
	return &SubmissionResult{Request: record, Created: true}, nil
}

// CreateDraft persists a local draft without validating the payload. Drafts
// validate on submit.
func (s *Service) CreateDraft(req SubmissionRequest) (*RequestRecord, error) {
	category, err := s.categories.Lookup(req.ModuleName, req.ContributionType)
	if err != nil {
		return nil, err
	}
	if category == nil {
		return nil, fmt.Errorf("no active category for %s/%s", req.ModuleName, req.ContributionType)
	}
	hash := PayloadHash(req.Payload)
	// Drafts are not deduplicated; key on the draft's own id so the unique
	// index never collides two drafts with the same payload.
	id := uuid.New().String()
	record := &RequestRecord{
		ID:                    id,
		Title:                 req.Title,
		CategoryID:            category.ID,
		Payload:               req.Payload,
		PayloadHash:           hash,
		IdempotencyKey:        IdempotencyKey("draft:"+id, category.ID, "", hash),
		BusinessJustification: req.BusinessJustification,
		State:                 string(StateDraft),
		SubmittedBy:           req.SubmittedBy,
	}
	if err := s.db.Create(record).Error; err != nil {
		return nil, fmt.Errorf("create draft: %w", err)
	}
	return record, nil
}

// SubmitDraft validates a draft's payload and advances it to Submitted. On
// validation failure the draft stays put and the findings come back.
func (s *Service) SubmitDraft(id, actor string) (*RequestRecord, []Finding, error) {
	record, err := s.requests.Get(id)
	if err != nil {
		return nil, nil, err
	}
	if record == nil {
		return nil, nil, fmt.Errorf("request %s not found", id)
	}
	category, err := s.categories.Get(record.CategoryID)
	if err != nil {
		return nil, nil, err
	}
	if category == nil {
		return nil, nil, fmt.Errorf("category %s not found", record.CategoryID)
	}
	if findings := s.validator.Validate(category, record.Payload); len(findings) > 0 {
		return record, findings, nil
	}
	record, err = s.transition(id, ActionSubmit, actor, "", func(tx *gorm.DB, r *RequestRecord) error {
		now := time.Now().UTC()
		r.SubmittedBy = actor
		r.SubmissionDate = &now
		return nil
	})
	return record, nil, err
}

// Review moves a submitted request under review and stamps the reviewer.
func (s *Service) Review(id, actor string) (*RequestRecord, error) {
	return s.transition(id, ActionReview, actor, "", func(tx *gorm.DB, r *RequestRecord) error {
		now := time.Now().UTC()
		r.ReviewedBy = actor
		r.ReviewDate = &now
		return nil
	})
}

// Reject moves a request under review to Rejected. A reason is mandatory.
func (s *Service) Reject(id, actor, reason string) (*RequestRecord, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("a rejection reason is required")
	}
	return s.transition(id, ActionReject, actor, reason, func(tx *gorm.DB, r *RequestRecord) error {
		r.RejectionReason = reason
		return nil
	})
}

// Approve exports the request's payload as a new registry version and moves
// the request to Approved in one transaction. When a delivery enqueuer is
// configured, deliveries for the new entry are scheduled in the same
// transaction. If the mint fails nothing moves.
func (s *Service) Approve(id, actor string) (*RequestRecord, *registry.Entry, error) {
	var entry *registry.Entry
	record, err := s.transition(id, ActionApprove, actor, "", func(tx *gorm.DB, r *RequestRecord) error {
		spec, err := payloadToMintSpec(r.Payload)
		if err != nil {
			return err
		}
		spec.ContributedBySite = r.SubmitterSiteURL
		spec.ContributionRef = r.ID
		spec.BusinessJustification = r.BusinessJustification
		spec.Actor = actor

		entry, err = registry.MintTx(tx, *spec)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		r.ApprovedBy = actor
		r.ApprovalDate = &now
		r.ExportedEntryID = entry.ID

		if s.enqueuer != nil {
			if err := s.enqueuer.EnqueueEntry(tx, entry); err != nil {
				return fmt.Errorf("enqueue deliveries: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("contribution approved",
		"request_id", record.ID, "entry_id", entry.ID,
		"template_code", entry.TemplateCode, "version", entry.Version)
	return record, entry, nil
}

// Integrate marks an approved request as live on the network. Integrating a
// request that is already Integrated is a no-op.
func (s *Service) Integrate(id, actor string) (*RequestRecord, error) {
	record, err := s.requests.Get(id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("request %s not found", id)
	}
	if State(record.State) == StateIntegrated {
		return record, nil
	}
	return s.transition(id, ActionIntegrate, actor, "", func(tx *gorm.DB, r *RequestRecord) error {
		now := time.Now().UTC()
		r.IntegrationDate = &now
		return nil
	})
}

// Preview summarizes the payload of a request that reached at least
// Submitted. Drafts have no preview.
func (s *Service) Preview(id string) (*Preview, error) {
	record, err := s.requests.Get(id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("request %s not found", id)
	}
	if State(record.State) == StateDraft {
		return nil, fmt.Errorf("request %s is still a draft", id)
	}
	return PreviewPayload(record.Payload)
}

// transition applies one lifecycle action inside a transaction: re-reads the
// request, asks the machine for the target state, runs mutate, saves, and
// appends to the transition log.
func (s *Service) transition(id string, action Action, actor, reason string, mutate func(tx *gorm.DB, r *RequestRecord) error) (*RequestRecord, error) {
	var record RequestRecord
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&record, "id = ?", id).Error; err != nil {
			return fmt.Errorf("get request %s: %w", id, err)
		}
		from := State(record.State)
		to, err := s.machine.Apply(from, action)
		if err != nil {
			return err
		}
		if mutate != nil {
			if err := mutate(tx, &record); err != nil {
				return err
			}
		}
		record.State = string(to)
		if err := tx.Save(&record).Error; err != nil {
			return fmt.Errorf("save request %s: %w", id, err)
		}
		return logTransition(tx, record.ID, from, to, action, actor, reason)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func logTransition(tx *gorm.DB, requestID string, from, to State, action Action, actor, reason string) error {
	entry := TransitionRecord{
		RequestID: requestID,
		FromState: string(from),
		ToState:   string(to),
		Action:    string(action),
		Actor:     actor,
		Reason:    reason,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("log transition %s -> %s: %w", from, to, err)
	}
	return nil
}
