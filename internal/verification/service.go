// Package verification owns a project's path from submitted to approved or
// rejected. Approval is what makes a project eligible for issuance.
package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"carbon-scribe/credit-lifecycle/internal/documents"
	"carbon-scribe/credit-lifecycle/internal/notifications"
	"carbon-scribe/credit-lifecycle/internal/registry"
	"carbon-scribe/credit-lifecycle/pkg/geospatial"
	"carbon-scribe/credit-lifecycle/pkg/lifecycle"
)

// IssuanceQueue receives approved projects
type IssuanceQueue interface {
	Enqueue(ctx context.Context, projectID uuid.UUID)
}

// SubmitRequest is a new project from its owner
type SubmitRequest struct {
	Name                     string         `json:"name"`
	Description              string         `json:"description"`
	Metadata                 map[string]any `json:"metadata"`
	EstimatedAnnualReduction int64          `json:"estimated_annual_reduction"`
	MethodologyTag           string         `json:"methodology_tag"`
	// Marketplace facets. When empty they are taken from the "location" and
	// "project_type" metadata keys.
	Location    string `json:"location"`
	ProjectType string `json:"project_type"`
	// GeoJSON Polygon or MultiPolygon, as a Feature or bare geometry
	Boundary json.RawMessage `json:"boundary,omitempty"`

	// Either an address already returned by the document store or raw bytes to store
	DocumentAddress     string     `json:"document_address"`
	Document            []byte     `json:"-"`
	DocumentContentType string     `json:"-"`
	SupersedesID        *uuid.UUID `json:"supersedes_id"`
}

// Service implements the verification workflow
type Service struct {
	store     registry.Store
	docs      documents.Store
	queue     IssuanceQueue
	publisher notifications.Publisher
	logger    *zap.Logger
	clock     func() time.Time
}

func NewService(store registry.Store, docs documents.Store, queue IssuanceQueue, publisher notifications.Publisher, logger *zap.Logger) *Service {
	if publisher == nil {
		publisher = notifications.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		docs:      docs,
		queue:     queue,
		publisher: publisher,
		logger:    logger,
		clock:     time.Now,
	}
}

// SubmitProject records a new project in the submitted state
func (s *Service) SubmitProject(ctx context.Context, owner lifecycle.Caller, req SubmitRequest) (*registry.Project, error) {
	if owner.ID == "" {
		return nil, lifecycle.InvalidArgument("owner identity is required")
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, lifecycle.InvalidArgument("name is required")
	}
	if req.EstimatedAnnualReduction <= 0 {
		return nil, lifecycle.InvalidArgument("estimated annual reduction must be positive")
	}
	if strings.TrimSpace(req.MethodologyTag) == "" {
		return nil, lifecycle.InvalidArgument("methodology tag is required")
	}

	metadata := datatypes.JSON([]byte("{}"))
	if len(req.Metadata) > 0 {
		raw, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, lifecycle.InvalidArgument("metadata is not valid JSON: %v", err)
		}
		metadata = datatypes.JSON(raw)
	}

	location := firstNonEmpty(req.Location, metadataString(req.Metadata, "location"))
	projectType := firstNonEmpty(req.ProjectType, metadataString(req.Metadata, "project_type"))

	var boundary datatypes.JSON
	var area float64
	if len(req.Boundary) > 0 {
		b, err := geospatial.ParseBoundary(req.Boundary)
		if err != nil {
			return nil, lifecycle.InvalidArgument("invalid boundary: %v", err)
		}
		boundary = datatypes.JSON(req.Boundary)
		area = b.AreaHectares
	}

	address := req.DocumentAddress
	if len(req.Document) > 0 {
		if s.docs == nil {
			return nil, lifecycle.InvalidArgument("document storage is not configured")
		}
		stored, err := s.docs.Put(ctx, req.Document, req.DocumentContentType)
		if err != nil {
			return nil, fmt.Errorf("failed to store supporting document: %w", err)
		}
		address = stored
	}

	project := &registry.Project{
		ID:                       uuid.New(),
		OwnerID:                  owner.ID,
		Name:                     strings.TrimSpace(req.Name),
		Description:              req.Description,
		Metadata:                 metadata,
		EstimatedAnnualReduction: req.EstimatedAnnualReduction,
		MethodologyTag:           strings.TrimSpace(req.MethodologyTag),
		DocumentAddress:          address,
		Boundary:                 boundary,
		AreaHectares:             area,
		Location:                 location,
		ProjectType:              projectType,
		Status:                   registry.ProjectStatusSubmitted,
		SupersedesID:             req.SupersedesID,
	}

	err := s.store.RunInTx(ctx, func(tx registry.Tx) error {
		if req.SupersedesID != nil {
			prev, err := tx.GetProject(ctx, *req.SupersedesID)
			if errors.Is(err, registry.ErrNotFound) {
				return lifecycle.NotFound("superseded project %s not found", *req.SupersedesID)
			}
			if err != nil {
				return err
			}
			if prev.OwnerID != owner.ID {
				return lifecycle.Forbidden("project %s belongs to another owner", prev.ID)
			}
			if prev.Status != registry.ProjectStatusRejected {
				return lifecycle.InvalidArgument("only a rejected project can be superseded")
			}
		}
		return tx.CreateProject(ctx, project)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Project submitted",
		zap.String("project_id", project.ID.String()),
		zap.String("owner_id", owner.ID),
		zap.Int64("estimated_annual_reduction", project.EstimatedAnnualReduction))
	return project, nil
}

// Approve moves a submitted project to approved and queues it for issuance
func (s *Service) Approve(ctx context.Context, verifier lifecycle.Caller, projectID uuid.UUID) (*registry.Project, error) {
	project, err := s.decide(ctx, verifier, projectID, registry.ProjectStatusApproved, "")
	if err != nil {
		return nil, err
	}
	if s.queue != nil {
		s.queue.Enqueue(ctx, project.ID)
	}
	return project, nil
}

// Reject moves a submitted project to rejected. reason is required.
func (s *Service) Reject(ctx context.Context, verifier lifecycle.Caller, projectID uuid.UUID, reason string) (*registry.Project, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, lifecycle.InvalidArgument("a rejection reason is required")
	}
	return s.decide(ctx, verifier, projectID, registry.ProjectStatusRejected, strings.TrimSpace(reason))
}

func (s *Service) decide(ctx context.Context, verifier lifecycle.Caller, projectID uuid.UUID, decision registry.ProjectStatus, reason string) (*registry.Project, error) {
	if verifier.ID == "" {
		return nil, lifecycle.InvalidArgument("verifier identity is required")
	}
	if !verifier.Is(lifecycle.RoleVerifier) {
		return nil, lifecycle.Forbidden("only verifiers may decide on projects")
	}

	var decided *registry.Project
	err := s.store.RunInTx(ctx, func(tx registry.Tx) error {
		project, err := tx.GetProject(ctx, projectID)
		if errors.Is(err, registry.ErrNotFound) {
			return lifecycle.NotFound("project %s not found", projectID)
		}
		if err != nil {
			return err
		}
		if project.OwnerID == verifier.ID {
			return lifecycle.Forbidden("verifiers cannot decide on their own projects")
		}
		if !registry.ProjectTransitions.CanTransition(project.Status, decision) {
			return lifecycle.InvalidTransition("project %s is %s", projectID, project.Status)
		}

		ok, err := tx.SetProjectStatus(ctx, projectID, project.Status, decision)
		if err != nil {
			return err
		}
		if !ok {
			return lifecycle.InvalidTransition("project %s was decided concurrently", projectID)
		}

		err = tx.CreateVerification(ctx, &registry.VerificationRecord{
			ID:         uuid.New(),
			ProjectID:  projectID,
			VerifierID: verifier.ID,
			Decision:   decision,
			Reason:     reason,
			DecidedAt:  s.clock().UTC(),
		})
		if errors.Is(err, registry.ErrConflict) {
			return lifecycle.InvalidTransition("project %s already has a decision", projectID)
		}
		if err != nil {
			return err
		}

		decided, err = tx.GetProject(ctx, projectID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Project decided",
		zap.String("project_id", projectID.String()),
		zap.String("verifier_id", verifier.ID),
		zap.String("decision", string(decision)))
	s.publisher.Publish(ctx, notifications.Event{
		Type:     notifications.EventProjectDecided,
		EntityID: projectID.String(),
		Status:   string(decision),
		OwnerIDs: []string{decided.OwnerID},
		Detail:   reason,
		At:       s.clock().UTC(),
	})
	return decided, nil
}

// GetProject returns a project by id
func (s *Service) GetProject(ctx context.Context, projectID uuid.UUID) (*registry.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, lifecycle.NotFound("project %s not found", projectID)
	}
	return project, err
}

// Queue lists projects for the verification queue, oldest first
func (s *Service) Queue(ctx context.Context, status *registry.ProjectStatus, ownerID string, limit int) ([]registry.Project, error) {
	return s.store.ListProjects(ctx, registry.ProjectFilter{Status: status, OwnerID: ownerID, Limit: limit})
}

// Counts returns the number of projects per status
func (s *Service) Counts(ctx context.Context) (map[registry.ProjectStatus]int64, error) {
	return s.store.CountProjects(ctx)
}

// GetVerification returns the decision rendered on a project
func (s *Service) GetVerification(ctx context.Context, projectID uuid.UUID) (*registry.VerificationRecord, error) {
	record, err := s.store.GetVerification(ctx, projectID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, lifecycle.NotFound("project %s has no decision", projectID)
	}
	return record, err
}

func metadataString(metadata map[string]any, key string) string {
	v, _ := metadata[key].(string)
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
