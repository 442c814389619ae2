package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codeready-toolchain/dispatch/pkg/events"
	"github.com/codeready-toolchain/dispatch/pkg/models"
	"github.com/codeready-toolchain/dispatch/pkg/store"
)

// ClaimService arbitrates exclusive ownership of work units. The
// primary key on (project_number, issue_number) is the arbiter: the
// insert that lands first wins, everyone else reads the winner back.
type ClaimService struct {
	store *store.Store
	bus   *events.Bus
	now   func() time.Time
}

// NewClaimService creates the claim arbiter. now == nil selects the
// real clock.
func NewClaimService(st *store.Store, bus *events.Bus, now func() time.Time) *ClaimService {
	if now == nil {
		now = time.Now
	}
	return &ClaimService{store: st, bus: bus, now: now}
}

// Claim asserts ownership of a work unit for an agent. Idempotent for
// the holding agent; a different agent gets a DuplicateClaim conflict
// carrying the holder's identity.
func (s *ClaimService) Claim(ctx context.Context, req models.ClaimRequest) (*models.ProjectClaim, error) {
	if req.AgentID == "" {
		return nil, NewValidationError("agent_id", "is required")
	}
	if req.ProjectNumber <= 0 {
		return nil, NewValidationError("project_number", "must be positive")
	}
	if req.IssueNumber <= 0 {
		return nil, NewValidationError("issue_number", "must be positive")
	}

	claim := &models.ProjectClaim{
		ProjectNumber:    req.ProjectNumber,
		IssueNumber:      req.IssueNumber,
		ClaimedByAgentID: req.AgentID,
		ClaimedAt:        s.now().UTC(),
	}
	err := s.store.InsertClaim(ctx, claim)
	if err == nil {
		s.bus.Publish(events.Event{
			Type:          "claim.created",
			ProjectNumber: req.ProjectNumber,
			Payload:       claim,
		})
		return claim, nil
	}
	if _, ok := store.AsUniqueViolation(err); !ok {
		return nil, err
	}

	// Lost the insert race or the claim already existed: read the
	// winner and decide.
	existing, getErr := s.store.GetClaim(ctx, req.ProjectNumber, req.IssueNumber)
	if getErr != nil {
		if errors.Is(getErr, store.ErrNotFound) {
			// Deleted between insert and read; the caller can retry.
			return nil, ErrConcurrentModification
		}
		return nil, getErr
	}
	if existing.ClaimedByAgentID == req.AgentID {
		return existing, nil
	}
	return nil, &ConflictError{
		Kind:    ConflictDuplicateClaim,
		Message: fmt.Sprintf("work unit %d/%d is claimed by %s", req.ProjectNumber, req.IssueNumber, existing.ClaimedByAgentID),
	}
}

// Get fetches one claim.
func (s *ClaimService) Get(ctx context.Context, projectNumber, issueNumber int) (*models.ProjectClaim, error) {
	c, err := s.store.GetClaim(ctx, projectNumber, issueNumber)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return c, err
}

// Release drops a claim, returning the work unit to pending. Idempotent:
// releasing an absent claim succeeds.
func (s *ClaimService) Release(ctx context.Context, projectNumber, issueNumber int) error {
	if err := s.store.DeleteClaim(ctx, projectNumber, issueNumber); err != nil {
		return err
	}
	s.bus.Publish(events.Event{
		Type:          "claim.released",
		ProjectNumber: projectNumber,
		Payload: map[string]int{
			"project_number": projectNumber,
			"issue_number":   issueNumber,
		},
	})
	return nil
}

// List returns claims matching the filters.
func (s *ClaimService) List(ctx context.Context, f models.ClaimFilters) ([]*models.ProjectClaim, error) {
	claims, err := s.store.ListClaims(ctx, f)
	if err != nil {
		return nil, err
	}
	if claims == nil {
		claims = []*models.ProjectClaim{}
	}
	return claims, nil
}
