package hipaa

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rookx88/emdr-platform-sub000/internal/platform/auth"
)

// PHIHandler exposes the vault operations over HTTP. The acting user is
// always the authenticated subject, never a body field.
type PHIHandler struct {
	tokenizer *Tokenizer
	validator *Validator
	policy    *AccessPolicy
	scanner   *Scanner
}

func NewPHIHandler(tokenizer *Tokenizer, validator *Validator, policy *AccessPolicy, scanner *Scanner) *PHIHandler {
	return &PHIHandler{tokenizer: tokenizer, validator: validator, policy: policy, scanner: scanner}
}

// RegisterRoutes registers the PHI routes on the /api/v1 group.
func (h *PHIHandler) RegisterRoutes(g *echo.Group) {
	phi := g.Group("/phi")
	phi.POST("/tokenize", h.HandleTokenize)
	phi.POST("/detokenize", h.HandleDetokenize)
	phi.POST("/validate", h.HandleValidate)
	phi.POST("/access-decisions", h.HandleAccessDecision)

	admin := g.Group("/admin/security-scans", auth.RequireRole(RoleAdmin))
	admin.POST("", h.HandleRunScan)
	admin.GET("/:id", h.HandleGetScan)
	admin.POST("/:id/remediate", h.HandleRemediate)
}

const purposeTokenize = "tokenize"

type tokenizeRequest struct {
	OwnerID string  `json:"owner_id"`
	Text    *string `json:"text,omitempty"`
	Value   any     `json:"value,omitempty"`
}

// HandleTokenize handles POST /api/v1/phi/tokenize.
func (h *PHIHandler) HandleTokenize(c echo.Context) error {
	var req tokenizeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.OwnerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "owner_id is required")
	}
	ctx := c.Request().Context()
	actorID := auth.UserIDFromContext(ctx)

	// Minting is deterministic, so writing under another owner would let a
	// caller confirm guesses against that owner's markers.
	if req.OwnerID != actorID {
		d := h.policy.Decide(ctx, AccessRequest{ActorID: actorID, OwnerID: req.OwnerID, Purpose: purposeTokenize})
		if !d.Allowed {
			return echo.NewHTTPError(http.StatusForbidden, "not permitted to tokenize for this owner")
		}
	}

	if req.Text != nil {
		out, err := h.tokenizer.TokenizeText(ctx, *req.Text, req.OwnerID, actorID)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "tokenization failed")
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"text": out})
	}

	out, err := h.tokenizer.TokenizeObject(ctx, req.Value, req.OwnerID, actorID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "tokenization failed")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"value": out})
}

type detokenizeRequest struct {
	Text    *string `json:"text,omitempty"`
	Value   any     `json:"value,omitempty"`
	Purpose string  `json:"purpose"`
	// Redact renders markers that stay hidden as [REDACTED].
	Redact bool `json:"redact"`
}

// HandleDetokenize handles POST /api/v1/phi/detokenize.
func (h *PHIHandler) HandleDetokenize(c echo.Context) error {
	var req detokenizeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Purpose == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "purpose is required")
	}
	ctx := c.Request().Context()
	actorID := auth.UserIDFromContext(ctx)

	if req.Text != nil {
		out := h.tokenizer.DetokenizeText(ctx, *req.Text, actorID, req.Purpose)
		if req.Redact {
			out = RedactMarkers(out)
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"text": out})
	}

	out := h.tokenizer.DetokenizeObject(ctx, req.Value, actorID, req.Purpose)
	if req.Redact {
		out = redactObject(out)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"value": out})
}

func redactObject(value any) any {
	switch v := value.(type) {
	case string:
		return RedactMarkers(v)
	case map[string]any:
		for k, child := range v {
			v[k] = redactObject(child)
		}
		return v
	case []any:
		for i, child := range v {
			v[i] = redactObject(child)
		}
		return v
	default:
		return value
	}
}

type validateRequest struct {
	OwnerID   string  `json:"owner_id"`
	FieldName string  `json:"field_name,omitempty"`
	Value     *string `json:"value,omitempty"`
	Object    any     `json:"object,omitempty"`
}

// HandleValidate handles POST /api/v1/phi/validate. A single value is
// checked when value is set, otherwise object is walked.
func (h *PHIHandler) HandleValidate(c echo.Context) error {
	var req validateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	actorID := auth.UserIDFromContext(ctx)

	if req.Value != nil {
		return c.JSON(http.StatusOK, h.validator.ValidateField(ctx, *req.Value, req.FieldName, req.OwnerID, actorID))
	}
	if req.Object == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "value or object is required")
	}
	return c.JSON(http.StatusOK, h.validator.ValidateObject(ctx, req.Object, req.OwnerID, actorID))
}

type accessDecisionRequest struct {
	OwnerID    string   `json:"owner_id"`
	Category   Category `json:"category"`
	ContextKey string   `json:"context_key"`
	Purpose    string   `json:"purpose"`
}

// HandleAccessDecision handles POST /api/v1/phi/access-decisions. It tells
// the caller whether they may see an owner's PHI; the decision is audited
// like any other.
func (h *PHIHandler) HandleAccessDecision(c echo.Context) error {
	var req accessDecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Category != "" && !req.Category.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown category: "+string(req.Category))
	}
	ctx := c.Request().Context()

	d := h.policy.Decide(ctx, AccessRequest{
		ActorID:    auth.UserIDFromContext(ctx),
		OwnerID:    req.OwnerID,
		Category:   req.Category,
		ContextKey: req.ContextKey,
		Purpose:    req.Purpose,
	})
	return c.JSON(http.StatusOK, map[string]interface{}{"allowed": d.Allowed})
}

// HandleRunScan handles POST /api/v1/admin/security-scans.
func (h *PHIHandler) HandleRunScan(c echo.Context) error {
	ctx := c.Request().Context()
	report, err := h.scanner.Scan(ctx, auth.UserIDFromContext(ctx))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "security scan failed")
	}
	return c.JSON(http.StatusCreated, report)
}

// HandleGetScan handles GET /api/v1/admin/security-scans/:id.
func (h *PHIHandler) HandleGetScan(c echo.Context) error {
	rec, err := h.scanner.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, ErrScanNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "security scan not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load security scan")
	}
	return c.JSON(http.StatusOK, rec)
}

// HandleRemediate handles POST /api/v1/admin/security-scans/:id/remediate.
func (h *PHIHandler) HandleRemediate(c echo.Context) error {
	ctx := c.Request().Context()
	report, err := h.scanner.Remediate(ctx, c.Param("id"), auth.UserIDFromContext(ctx))
	switch {
	case errors.Is(err, ErrScanNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "security scan not found")
	case IsInvalidScanState(err):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, "remediation failed")
	}
	return c.JSON(http.StatusOK, report)
}
