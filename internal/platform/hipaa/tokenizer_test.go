package hipaa

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// countingChecker records every policy call and answers from allow.
type countingChecker struct {
	allow func(AccessRequest) bool
	calls []AccessRequest
}

func (c *countingChecker) CanAccess(_ context.Context, req AccessRequest) bool {
	c.calls = append(c.calls, req)
	return c.allow(req)
}

type tokenizerFixture struct {
	*mintFixture
	tokenizer *Tokenizer
	policy    *AccessPolicy
}

func newTokenizerFixture(t *testing.T) *tokenizerFixture {
	t.Helper()
	f := newMintFixture(t)
	dir := practiceDirectory()
	policy := NewAccessPolicy(dir, dir, NewAuditor(f.sink, zerolog.Nop(), nil), nil, zerolog.Nop())
	return &tokenizerFixture{
		mintFixture: f,
		tokenizer:   NewTokenizer(f.mint, policy, zerolog.Nop()),
		policy:      policy,
	}
}

func TestTokenizeText_PhoneScenario(t *testing.T) {
	f := newTokenizerFixture(t)
	ctx := context.Background()

	out, err := f.tokenizer.TokenizeText(ctx, "Call me at 555-123-4567", "client-1", "client-1")
	if err != nil {
		t.Fatalf("tokenize: %v", err)
	}

	token := f.mint.Mint("client-1", "555-123-4567")
	if want := "Call me at " + Marker(token); out != want {
		t.Errorf("expected %q, got %q", want, out)
	}

	rec, err := f.store.Get(ctx, token)
	if err != nil {
		t.Fatalf("expected a stored record: %v", err)
	}
	if rec.Category != CategoryPhone {
		t.Errorf("expected PHONE, got %s", rec.Category)
	}
	if rec.OwnerID != "client-1" {
		t.Errorf("expected owner client-1, got %s", rec.OwnerID)
	}
}

func TestTokenizeText_NoPHI(t *testing.T) {
	f := newTokenizerFixture(t)
	in := "Client processed the target memory; SUD dropped from 7 to 2."

	out, err := f.tokenizer.TokenizeText(context.Background(), in, "client-1", "prac-1")
	if err != nil {
		t.Fatalf("tokenize: %v", err)
	}
	if out != in {
		t.Errorf("expected text unchanged, got %q", out)
	}
	if f.store.Len() != 0 {
		t.Errorf("expected nothing stored, got %d records", f.store.Len())
	}
}

func TestTokenizeText_MixedCategories(t *testing.T) {
	f := newTokenizerFixture(t)
	in := "Phone 555-123-4567 or 555-987-6543, SSN 123-45-6789, mail jane@example.com, born 04/12/1985."

	out, err := f.tokenizer.TokenizeText(context.Background(), in, "client-1", "prac-1")
	if err != nil {
		t.Fatalf("tokenize: %v", err)
	}
	if ContainsPHI(out) {
		t.Errorf("expected no detectable PHI left, got %q", out)
	}
	if n := len(markerPattern.FindAllString(out, -1)); n != 5 {
		t.Errorf("expected 5 markers, got %d in %q", n, out)
	}
	if !strings.HasPrefix(out, "Phone [PHI:") || !strings.HasSuffix(out, "].") {
		t.Errorf("expected surrounding text preserved, got %q", out)
	}
	if f.store.Len() != 5 {
		t.Errorf("expected 5 records, got %d", f.store.Len())
	}
}

func TestTokenizeText_Idempotent(t *testing.T) {
	f := newTokenizerFixture(t)
	ctx := context.Background()

	once, _ := f.tokenizer.TokenizeText(ctx, "SSN 123-45-6789", "client-1", "prac-1")
	twice, err := f.tokenizer.TokenizeText(ctx, once, "client-1", "prac-1")
	if err != nil {
		t.Fatalf("tokenize: %v", err)
	}
	if once != twice {
		t.Errorf("expected tokenized text to be stable, got %q then %q", once, twice)
	}
}

type failingStore struct{ *MemoryPHIStore }

func (failingStore) Upsert(context.Context, *PHIRecord) error { return errors.New("disk full") }

func TestTokenizeText_StoreFailure(t *testing.T) {
	c := newTestCipher(t)
	mint, _ := NewTokenMint(c, failingStore{NewMemoryPHIStore()}, NewAuditor(NewMemoryAuditSink(), zerolog.Nop(), nil), nil)
	tk := NewTokenizer(mint, &countingChecker{allow: func(AccessRequest) bool { return true }}, zerolog.Nop())

	if _, err := tk.TokenizeText(context.Background(), "Call me at 555-123-4567", "o", "a"); err == nil {
		t.Error("expected store failure to surface")
	}
}

func TestDetokenizeText_AuthorizedInverse(t *testing.T) {
	f := newTokenizerFixture(t)
	ctx := context.Background()
	in := "Call me at 555-123-4567 or write jane@example.com"

	tokenized, _ := f.tokenizer.TokenizeText(ctx, in, "client-1", "client-1")

	for _, actor := range []string{"client-1", "prac-1", "admin-1"} {
		if got := f.tokenizer.DetokenizeText(ctx, tokenized, actor, "treatment"); got != in {
			t.Errorf("%s: expected %q, got %q", actor, in, got)
		}
	}
}

func TestDetokenizeText_UnauthorizedInverse(t *testing.T) {
	f := newTokenizerFixture(t)
	ctx := context.Background()

	tokenized, _ := f.tokenizer.TokenizeText(ctx, "Call me at 555-123-4567", "client-1", "client-1")

	for _, actor := range []string{"prac-2", "client-2", "ghost", ""} {
		if got := f.tokenizer.DetokenizeText(ctx, tokenized, actor, "treatment"); got != tokenized {
			t.Errorf("%q: expected markers intact, got %q", actor, got)
		}
	}
	if n := len(f.sink.EntriesWithAction(ActionAccessPHI)); n != 0 {
		t.Errorf("expected no ACCESS_PHI entries for denied actors, got %d", n)
	}
}

func TestDetokenizeText_RepeatedMarkerDecidedOnce(t *testing.T) {
	f := newMintFixture(t)
	checker := &countingChecker{allow: func(AccessRequest) bool { return true }}
	tk := NewTokenizer(f.mint, checker, zerolog.Nop())
	ctx := context.Background()

	token, _ := f.mint.Store(ctx, "client-1", "555-123-4567", CategoryPhone, "client-1")
	text := Marker(token) + " and again " + Marker(token)

	got := tk.DetokenizeText(ctx, text, "prac-1", "treatment")
	if got != "555-123-4567 and again 555-123-4567" {
		t.Errorf("expected both markers resolved, got %q", got)
	}
	if len(checker.calls) != 1 {
		t.Errorf("expected 1 policy check, got %d", len(checker.calls))
	}
	req := checker.calls[0]
	if req.OwnerID != "client-1" || req.ContextKey != token || req.Category != CategoryPhone || req.Purpose != "treatment" {
		t.Errorf("unexpected access request %+v", req)
	}
}

func TestDetokenizeText_DeniedMarkerDecidedOnce(t *testing.T) {
	f := newMintFixture(t)
	checker := &countingChecker{allow: func(AccessRequest) bool { return false }}
	tk := NewTokenizer(f.mint, checker, zerolog.Nop())
	ctx := context.Background()

	token, _ := f.mint.Store(ctx, "client-1", "555-123-4567", CategoryPhone, "client-1")
	text := strings.Repeat(Marker(token)+" ", 3)

	if got := tk.DetokenizeText(ctx, text, "prac-2", "p"); got != text {
		t.Errorf("expected markers intact, got %q", got)
	}
	if len(checker.calls) != 1 {
		t.Errorf("expected 1 policy check, got %d", len(checker.calls))
	}
}

func TestDetokenizeText_UnknownTokenLeftIntact(t *testing.T) {
	f := newMintFixture(t)
	checker := &countingChecker{allow: func(AccessRequest) bool { return true }}
	tk := NewTokenizer(f.mint, checker, zerolog.Nop())

	text := "see " + Marker(strings.Repeat("ab", 32))
	if got := tk.DetokenizeText(context.Background(), text, "admin-1", "p"); got != text {
		t.Errorf("expected unknown marker intact, got %q", got)
	}
	if len(checker.calls) != 0 {
		t.Errorf("expected no policy checks for an unknown token, got %d", len(checker.calls))
	}
}

func TestDetokenizeText_UndecryptableLeftIntact(t *testing.T) {
	f := newMintFixture(t)
	tk := NewTokenizer(f.mint, &countingChecker{allow: func(AccessRequest) bool { return true }}, zerolog.Nop())
	ctx := context.Background()

	token := f.mint.Mint("client-1", "v")
	other, _ := NewCipher(DevelopmentKey())
	blob, _ := other.Encrypt("v")
	_ = f.store.Upsert(ctx, &PHIRecord{Token: token, OwnerID: "client-1", Category: CategoryFreeText, Ciphertext: blob, LastAccessedAt: time.Now()})

	text := "x " + Marker(token)
	if got := tk.DetokenizeText(ctx, text, "admin-1", "p"); got != text {
		t.Errorf("expected undecryptable marker intact, got %q", got)
	}
}

func TestDetokenizeText_UppercaseMarkerIgnored(t *testing.T) {
	f := newTokenizerFixture(t)
	text := "[PHI:" + strings.Repeat("AB", 32) + "]"
	if got := f.tokenizer.DetokenizeText(context.Background(), text, "admin-1", "p"); got != text {
		t.Errorf("expected non-canonical marker untouched, got %q", got)
	}
}

func TestTokenizeObject_RoundTrip(t *testing.T) {
	f := newTokenizerFixture(t)
	ctx := context.Background()

	in := map[string]any{
		"note":    "Call me at 555-123-4567",
		"count":   float64(3),
		"contact": []any{"jane@example.com", true, nil},
		"nested":  map[string]any{"dob": "born 04/12/1985"},
	}

	out, err := f.tokenizer.TokenizeObject(ctx, in, "client-1", "client-1")
	if err != nil {
		t.Fatalf("tokenize object: %v", err)
	}
	obj := out.(map[string]any)
	if ContainsPHI(obj["note"].(string)) {
		t.Errorf("expected note tokenized, got %q", obj["note"])
	}
	if obj["count"] != float64(3) {
		t.Errorf("expected scalar passed through, got %v", obj["count"])
	}
	if in["note"] != "Call me at 555-123-4567" {
		t.Error("expected input to be left unmodified")
	}

	back := f.tokenizer.DetokenizeObject(ctx, out, "prac-1", "treatment").(map[string]any)
	if back["note"] != in["note"] {
		t.Errorf("expected %q, got %q", in["note"], back["note"])
	}
	contact := back["contact"].([]any)
	if contact[0] != "jane@example.com" || contact[1] != true || contact[2] != nil {
		t.Errorf("unexpected contact %v", contact)
	}
	if back["nested"].(map[string]any)["dob"] != "born 04/12/1985" {
		t.Errorf("unexpected nested %v", back["nested"])
	}
}

func TestMarkerHelpers(t *testing.T) {
	token := strings.Repeat("0f", 32)

	got, ok := ParseMarker(Marker(token))
	if !ok || got != token {
		t.Errorf("expected %s, got %q (%v)", token, got, ok)
	}
	if _, ok := ParseMarker(" " + Marker(token)); ok {
		t.Error("expected surrounding text to fail exact parse")
	}
	if _, ok := ParseMarker("[PHI:abc]"); ok {
		t.Error("expected short token to fail parse")
	}

	if got := RedactMarkers("a " + Marker(token) + " b"); got != "a [REDACTED] b" {
		t.Errorf("expected redacted text, got %q", got)
	}
}
