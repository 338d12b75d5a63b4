package hipaa

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/rookx88/emdr-platform-sub000/internal/platform/metrics"
)

// FieldResult is the verdict for one value.
type FieldResult struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

// ValidationIssue locates an invalid value inside a structured record.
type ValidationIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ObjectResult aggregates every issue found in a record.
type ObjectResult struct {
	Valid  bool              `json:"valid"`
	Issues []ValidationIssue `json:"issues"`
}

// tokenChecker is the part of the Token Mint validation needs.
type tokenChecker interface {
	Exists(ctx context.Context, token string) (bool, error)
}

// Validator flags PHI that reached a record without being tokenized or
// encrypted.
type Validator struct {
	tokens  tokenChecker
	auditor *Auditor
	metrics *metrics.PHIMetrics
	logger  zerolog.Logger
}

func NewValidator(tokens tokenChecker, auditor *Auditor, m *metrics.PHIMetrics, logger zerolog.Logger) *Validator {
	return &Validator{
		tokens:  tokens,
		auditor: auditor,
		metrics: m,
		logger:  logger.With().Str("component", "phi-validation").Logger(),
	}
}

// ValidateField checks a single value stored under fieldName. A value that
// carries markers is valid when every referenced token exists and no PHI
// pattern matches the text around them. The sensitive field name rule only
// applies to values without markers.
func (v *Validator) ValidateField(ctx context.Context, value, fieldName, ownerID, actorID string) FieldResult {
	if value == "" || LooksEncrypted(value) {
		return FieldResult{Valid: true}
	}

	markers := markerPattern.FindAllStringSubmatch(value, -1)
	if len(markers) > 0 {
		seen := make(map[string]bool, len(markers))
		for _, m := range markers {
			token := m[1]
			if seen[token] {
				continue
			}
			seen[token] = true
			exists, err := v.tokens.Exists(ctx, token)
			if err != nil {
				v.logger.Error().Err(err).Str("field", fieldName).Msg("token existence check failed")
				return FieldResult{Valid: false, Message: "token could not be verified"}
			}
			if !exists {
				v.flag(ctx, ActionInvalidToken, fieldName, ownerID, actorID, map[string]any{"token": token})
				return FieldResult{Valid: false, Message: fmt.Sprintf("field %q references an unknown PHI token", fieldName)}
			}
		}
		rest := markerPattern.ReplaceAllLiteralString(value, " ")
		return v.checkPlaintext(ctx, rest, fieldName, ownerID, actorID, false)
	}

	return v.checkPlaintext(ctx, value, fieldName, ownerID, actorID, IsSensitiveField(fieldName))
}

func (v *Validator) checkPlaintext(ctx context.Context, value, fieldName, ownerID, actorID string, sensitiveName bool) FieldResult {
	var categories []string
	for _, m := range FindAll(value) {
		categories = appendUnique(categories, string(m.Category))
	}
	if !sensitiveName && len(categories) == 0 {
		return FieldResult{Valid: true}
	}

	v.flag(ctx, ActionUntokenizedPHI, fieldName, ownerID, actorID, map[string]any{
		"sensitive_field_name": sensitiveName,
		"categories":           categories,
	})
	return FieldResult{Valid: false, Message: fmt.Sprintf("field %q contains PHI that is neither tokenized nor encrypted", fieldName)}
}

// ValidateObject walks a JSON-like value and validates every string leaf.
// Numeric leaves are validated too when they sit under a sensitive field
// name. Array elements are validated against the enclosing field name. It
// never stops at the first issue.
func (v *Validator) ValidateObject(ctx context.Context, value any, ownerID, actorID string) ObjectResult {
	res := ObjectResult{Issues: []ValidationIssue{}}
	v.walk(ctx, value, "", "", ownerID, actorID, &res)
	res.Valid = len(res.Issues) == 0
	return res
}

func (v *Validator) walk(ctx context.Context, value any, path, fieldName, ownerID, actorID string, res *ObjectResult) {
	switch val := value.(type) {
	case string:
		if r := v.ValidateField(ctx, val, fieldName, ownerID, actorID); !r.Valid {
			res.Issues = append(res.Issues, ValidationIssue{Path: path, Message: r.Message})
		}
	case float64:
		v.walkNumber(ctx, strconv.FormatFloat(val, 'f', -1, 64), path, fieldName, ownerID, actorID, res)
	case json.Number:
		v.walkNumber(ctx, val.String(), path, fieldName, ownerID, actorID, res)
	case int:
		v.walkNumber(ctx, strconv.Itoa(val), path, fieldName, ownerID, actorID, res)
	case int64:
		v.walkNumber(ctx, strconv.FormatInt(val, 10), path, fieldName, ownerID, actorID, res)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			child := k
			if path != "" {
				child = path + "." + k
			}
			v.walk(ctx, val[k], child, k, ownerID, actorID, res)
		}
	case []any:
		for i, elem := range val {
			v.walk(ctx, elem, fmt.Sprintf("%s[%d]", path, i), fieldName, ownerID, actorID, res)
		}
	}
}

func (v *Validator) walkNumber(ctx context.Context, digits, path, fieldName, ownerID, actorID string, res *ObjectResult) {
	if !IsSensitiveField(fieldName) {
		return
	}
	if r := v.ValidateField(ctx, digits, fieldName, ownerID, actorID); !r.Valid {
		res.Issues = append(res.Issues, ValidationIssue{Path: path, Message: r.Message})
	}
}

func (v *Validator) flag(ctx context.Context, action, fieldName, ownerID, actorID string, details map[string]any) {
	v.metrics.IncValidationIssue()
	details["field"] = fieldName
	details["owner_id"] = ownerID
	v.auditor.Record(ctx, AuditEntry{
		ActorID:      actorID,
		Action:       action,
		ResourceType: ResourceField,
		ResourceID:   fieldName,
		Details:      details,
	})
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}
