package hipaa

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rookx88/emdr-platform-sub000/internal/platform/metrics"
)

// Roles understood by the access policy.
const (
	RoleAdmin        = "admin"
	RolePractitioner = "practitioner"
	RoleClient       = "client"
)

// Actor is the subset of a user record the policy needs.
type Actor struct {
	ID                    string
	Role                  string
	PractitionerProfileID string
}

// ClientAssignment links a client user to the practitioner profile treating
// them.
type ClientAssignment struct {
	UserID                        string
	AssignedPractitionerProfileID string
}

// ActorDirectory resolves actors by id. Absence is ErrActorNotFound.
type ActorDirectory interface {
	GetActor(ctx context.Context, id string) (*Actor, error)
}

// ClientDirectory resolves the client record of an owner. Absence is
// ErrClientNotFound.
type ClientDirectory interface {
	GetClient(ctx context.Context, ownerID string) (*ClientAssignment, error)
}

// AccessRequest describes one attempt to reveal PHI.
type AccessRequest struct {
	ActorID    string
	OwnerID    string
	Category   Category
	ContextKey string
	Purpose    string
}

// AccessDecision is the outcome of a policy evaluation.
type AccessDecision struct {
	Allowed bool   `json:"allowed"`
	Rule    string `json:"rule"`
	Reason  string `json:"reason"`
}

// AccessChecker is the policy as seen by the detokenizer.
type AccessChecker interface {
	CanAccess(ctx context.Context, req AccessRequest) bool
}

// Decision rules, also used as metric labels.
const (
	ruleSelf            = "self"
	ruleMissingIdentity = "missing_identity"
	ruleUnknownActor    = "unknown_actor"
	ruleAdmin           = "admin"
	ruleAssigned        = "assigned_practitioner"
	ruleDefaultDeny     = "default_deny"
	ruleLookupError     = "lookup_error"
)

// AccessPolicy decides whether an actor may see an owner's PHI. Every call
// records exactly one access attempt and one audit entry, and any failure
// denies.
type AccessPolicy struct {
	actors  ActorDirectory
	clients ClientDirectory
	auditor *Auditor
	metrics *metrics.PHIMetrics
	logger  zerolog.Logger
}

func NewAccessPolicy(actors ActorDirectory, clients ClientDirectory, auditor *Auditor, m *metrics.PHIMetrics, logger zerolog.Logger) *AccessPolicy {
	return &AccessPolicy{
		actors:  actors,
		clients: clients,
		auditor: auditor,
		metrics: m,
		logger:  logger.With().Str("component", "phi-access-policy").Logger(),
	}
}

// CanAccess evaluates req and reports whether disclosure is permitted.
func (p *AccessPolicy) CanAccess(ctx context.Context, req AccessRequest) bool {
	return p.Decide(ctx, req).Allowed
}

// Decide evaluates req and returns the decision with the rule that made it.
func (p *AccessPolicy) Decide(ctx context.Context, req AccessRequest) (decision AccessDecision) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Str("actor_id", req.ActorID).Msg("access policy panicked, denying")
			decision = AccessDecision{Allowed: false, Rule: ruleLookupError, Reason: fmt.Sprintf("panic: %v", r)}
		}
		p.record(ctx, req, decision)
	}()

	decision, err := p.evaluate(ctx, req)
	if err != nil {
		p.logger.Error().Err(err).Str("actor_id", req.ActorID).Msg("access policy lookup failed, denying")
		return AccessDecision{Allowed: false, Rule: ruleLookupError, Reason: err.Error()}
	}
	return decision
}

func (p *AccessPolicy) evaluate(ctx context.Context, req AccessRequest) (AccessDecision, error) {
	if req.ActorID != "" && req.ActorID == req.OwnerID {
		return AccessDecision{Allowed: true, Rule: ruleSelf, Reason: "actor is the data owner"}, nil
	}
	if req.ActorID == "" || req.OwnerID == "" {
		return AccessDecision{Allowed: false, Rule: ruleMissingIdentity, Reason: "actor or owner id missing"}, nil
	}

	actor, err := p.actors.GetActor(ctx, req.ActorID)
	if errors.Is(err, ErrActorNotFound) || (err == nil && actor == nil) {
		return AccessDecision{Allowed: false, Rule: ruleUnknownActor, Reason: "actor not found"}, nil
	}
	if err != nil {
		return AccessDecision{}, fmt.Errorf("get actor %s: %w", req.ActorID, err)
	}

	switch actor.Role {
	case RoleAdmin:
		return AccessDecision{Allowed: true, Rule: ruleAdmin, Reason: "admin role"}, nil
	case RolePractitioner:
		if actor.PractitionerProfileID == "" {
			break
		}
		client, err := p.clients.GetClient(ctx, req.OwnerID)
		if errors.Is(err, ErrClientNotFound) || (err == nil && client == nil) {
			break
		}
		if err != nil {
			return AccessDecision{}, fmt.Errorf("get client %s: %w", req.OwnerID, err)
		}
		if client.AssignedPractitionerProfileID == actor.PractitionerProfileID {
			return AccessDecision{Allowed: true, Rule: ruleAssigned, Reason: "practitioner assigned to client"}, nil
		}
	}
	return AccessDecision{Allowed: false, Rule: ruleDefaultDeny, Reason: "no relationship grants access"}, nil
}

func (p *AccessPolicy) record(ctx context.Context, req AccessRequest, d AccessDecision) {
	info := RequestInfoFromContext(ctx)
	p.metrics.IncAccessDecision(d.Allowed, d.Rule)

	p.auditor.RecordAccessAttempt(ctx, AccessAttempt{
		ActorID:       req.ActorID,
		ContextKey:    req.ContextKey,
		WasAuthorized: d.Allowed,
		Purpose:       req.Purpose,
		Reason:        d.Reason,
		IPAddress:     info.IPAddress,
		UserAgent:     info.UserAgent,
	})

	action := ActionAccessDenied
	if d.Allowed {
		action = ActionAccessGranted
	}
	p.auditor.Record(ctx, AuditEntry{
		ActorID:      req.ActorID,
		Action:       action,
		ResourceType: ResourcePHIRecord,
		ResourceID:   req.ContextKey,
		Details: map[string]any{
			"owner_id": req.OwnerID,
			"category": string(req.Category),
			"purpose":  req.Purpose,
			"rule":     d.Rule,
		},
	})
}
