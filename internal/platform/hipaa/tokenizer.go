package hipaa

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	markerPrefix = "[PHI:"
	markerSuffix = "]"

	// RedactedPlaceholder replaces markers the viewer may not see.
	RedactedPlaceholder = "[REDACTED]"
)

var (
	markerPattern      = regexp.MustCompile(`\[PHI:([a-f0-9]{64})\]`)
	exactMarkerPattern = regexp.MustCompile(`^\[PHI:([a-f0-9]{64})\]$`)
)

// Marker renders the token marker for token.
func Marker(token string) string {
	return markerPrefix + token + markerSuffix
}

// ParseMarker returns the token when s is exactly one marker.
func ParseMarker(s string) (string, bool) {
	m := exactMarkerPattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// RedactMarkers replaces every remaining marker with RedactedPlaceholder.
func RedactMarkers(text string) string {
	return markerPattern.ReplaceAllLiteralString(text, RedactedPlaceholder)
}

// Tokenizer swaps detected PHI in free text for vault markers and reverses
// the swap for authorized viewers.
type Tokenizer struct {
	mint   *TokenMint
	policy AccessChecker
	logger zerolog.Logger
	tracer trace.Tracer
}

func NewTokenizer(mint *TokenMint, policy AccessChecker, logger zerolog.Logger) *Tokenizer {
	return &Tokenizer{
		mint:   mint,
		policy: policy,
		logger: logger.With().Str("component", "phi-tokenizer").Logger(),
		tracer: otel.Tracer("github.com/rookx88/emdr-platform-sub000/internal/platform/hipaa"),
	}
}

type span struct{ start, end int }

func overlapsAny(s span, existing []span) bool {
	for _, e := range existing {
		if s.start < e.end && e.start < s.end {
			return true
		}
	}
	return false
}

func markerSpans(text string) []span {
	locs := markerPattern.FindAllStringIndex(text, -1)
	out := make([]span, len(locs))
	for i, loc := range locs {
		out[i] = span{loc[0], loc[1]}
	}
	return out
}

// TokenizeText stores every detected PHI span of text in the vault and
// replaces it with its marker. Categories are processed in pattern order and
// each pass works on the output of the previous one; spans inside an existing
// marker are never revisited.
func (t *Tokenizer) TokenizeText(ctx context.Context, text, ownerID, actorID string) (string, error) {
	ctx, sp := t.tracer.Start(ctx, "phi.TokenizeText")
	defer sp.End()

	replaced := 0
	for _, p := range phiPatterns {
		matches := p.find(text)
		if len(matches) == 0 {
			continue
		}
		markers := markerSpans(text)

		var b strings.Builder
		b.Grow(len(text))
		tail := len(text)
		parts := make([]string, 0, 2*len(matches)+1)
		for i := len(matches) - 1; i >= 0; i-- {
			m := matches[i]
			if overlapsAny(span{m.Start, m.End}, markers) {
				continue
			}
			token, err := t.mint.Store(ctx, ownerID, m.Text, m.Category, actorID)
			if err != nil {
				sp.RecordError(err)
				sp.SetStatus(codes.Error, "store failed")
				return "", fmt.Errorf("tokenize %s: %w", m.Category, err)
			}
			parts = append(parts, text[m.End:tail], Marker(token))
			tail = m.Start
			replaced++
		}
		parts = append(parts, text[:tail])
		for i := len(parts) - 1; i >= 0; i-- {
			b.WriteString(parts[i])
		}
		text = b.String()
	}

	sp.SetAttributes(attribute.Int("phi.replaced", replaced))
	return text, nil
}

// TokenizeObject applies TokenizeText to every string leaf of a JSON-like
// value. Maps and slices are copied; other scalars pass through.
func (t *Tokenizer) TokenizeObject(ctx context.Context, value any, ownerID, actorID string) (any, error) {
	switch v := value.(type) {
	case string:
		return t.TokenizeText(ctx, v, ownerID, actorID)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			tc, err := t.TokenizeObject(ctx, child, ownerID, actorID)
			if err != nil {
				return nil, err
			}
			out[k] = tc
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			tc, err := t.TokenizeObject(ctx, child, ownerID, actorID)
			if err != nil {
				return nil, err
			}
			out[i] = tc
		}
		return out, nil
	default:
		return value, nil
	}
}

// detokenizeCall memoises per-token outcomes within one detokenize call so a
// repeated marker costs one policy decision.
type detokenizeCall struct {
	t        *Tokenizer
	actorID  string
	purpose  string
	resolved map[string]string
	denied   map[string]bool
}

func (t *Tokenizer) newCall(actorID, purpose string) *detokenizeCall {
	return &detokenizeCall{
		t:        t,
		actorID:  actorID,
		purpose:  purpose,
		resolved: make(map[string]string),
		denied:   make(map[string]bool),
	}
}

// DetokenizeText replaces each marker the actor may see with its plaintext.
// Markers that are unknown, denied or undecryptable are left intact.
func (t *Tokenizer) DetokenizeText(ctx context.Context, text, actorID, purpose string) string {
	ctx, sp := t.tracer.Start(ctx, "phi.DetokenizeText")
	defer sp.End()
	return t.newCall(actorID, purpose).text(ctx, text)
}

// DetokenizeObject applies DetokenizeText to every string leaf of a JSON-like
// value.
func (t *Tokenizer) DetokenizeObject(ctx context.Context, value any, actorID, purpose string) any {
	ctx, sp := t.tracer.Start(ctx, "phi.DetokenizeObject")
	defer sp.End()
	return t.newCall(actorID, purpose).object(ctx, value)
}

func (c *detokenizeCall) object(ctx context.Context, value any) any {
	switch v := value.(type) {
	case string:
		return c.text(ctx, v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = c.object(ctx, child)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = c.object(ctx, child)
		}
		return out
	default:
		return value
	}
}

func (c *detokenizeCall) text(ctx context.Context, text string) string {
	if !strings.Contains(text, markerPrefix) {
		return text
	}
	return markerPattern.ReplaceAllStringFunc(text, func(marker string) string {
		token := marker[len(markerPrefix) : len(marker)-len(markerSuffix)]
		if plaintext, ok := c.resolve(ctx, token); ok {
			return plaintext
		}
		return marker
	})
}

func (c *detokenizeCall) resolve(ctx context.Context, token string) (string, bool) {
	if plaintext, ok := c.resolved[token]; ok {
		return plaintext, true
	}
	if c.denied[token] {
		return "", false
	}

	plaintext, ok := c.reveal(ctx, token)
	if ok {
		c.resolved[token] = plaintext
	} else {
		c.denied[token] = true
	}
	return plaintext, ok
}

func (c *detokenizeCall) reveal(ctx context.Context, token string) (string, bool) {
	log := c.t.logger

	rec, err := c.t.mint.Lookup(ctx, token)
	if err != nil {
		if !errors.Is(err, ErrUnknownToken) {
			log.Error().Err(err).Str("token", token).Msg("lookup failed, leaving marker")
		}
		return "", false
	}

	allowed := c.t.policy.CanAccess(ctx, AccessRequest{
		ActorID:    c.actorID,
		OwnerID:    rec.OwnerID,
		Category:   rec.Category,
		ContextKey: token,
		Purpose:    c.purpose,
	})
	if !allowed {
		return "", false
	}

	plaintext, found, err := c.t.mint.Retrieve(ctx, token, c.actorID, c.purpose)
	if err != nil {
		log.Warn().Err(err).Str("token", token).Msg("cannot reveal token, leaving marker")
		return "", false
	}
	return plaintext, found
}
