package hipaa

import "regexp"

// Pattern pairs a detection expression with the category it tags.
type Pattern struct {
	Category Category
	re       *regexp.Regexp
}

// Match is one detected PHI span. Start and End are byte offsets into the
// scanned text.
type Match struct {
	Text     string
	Start    int
	End      int
	Category Category
}

// Detection is pattern based and conservative: patterns are applied
// independently and may overlap. Order matters for the tokenizer, which
// processes categories in this order.
var phiPatterns = []Pattern{
	{
		Category: CategoryPhone,
		re:       regexp.MustCompile(`\(\d{3}\)\s*\d{3}[-.\s]?\d{4}\b|\b\d{3}[-.\s]?\d{3}[-.\s]?\d{4}\b`),
	},
	{
		Category: CategoryNationalID,
		re:       regexp.MustCompile(`\b\d{3}-?\d{2}-?\d{4}\b`),
	},
	{
		Category: CategoryEmail,
		re:       regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
	},
	{
		Category: CategoryDateOfBirth,
		re:       regexp.MustCompile(`\b(?:0?[1-9]|1[0-2])/(?:0?[1-9]|[12]\d|3[01])/(?:19|20)\d{2}\b`),
	},
	{
		Category: CategoryAddress,
		re: regexp.MustCompile(`\b\d{1,6}\s+(?:[A-Za-z0-9.]+\s+){1,4}` +
			`(?i:street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|court|ct|way|place|pl|terrace|circle|cir)\b\.?`),
	},
}

// Patterns returns the detection patterns in processing order.
func Patterns() []Pattern {
	out := make([]Pattern, len(phiPatterns))
	copy(out, phiPatterns)
	return out
}

// FindAll returns every match in text, grouped by pattern in processing
// order and by position within a pattern. Overlaps across categories are
// kept.
func FindAll(text string) []Match {
	var matches []Match
	for _, p := range phiPatterns {
		matches = append(matches, p.find(text)...)
	}
	return matches
}

// ContainsPHI reports whether any pattern matches text.
func ContainsPHI(text string) bool {
	for _, p := range phiPatterns {
		if p.re.MatchString(text) {
			return true
		}
	}
	return false
}

func (p Pattern) find(text string) []Match {
	locs := p.re.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}
	out := make([]Match, 0, len(locs))
	for _, loc := range locs {
		out = append(out, Match{Text: text[loc[0]:loc[1]], Start: loc[0], End: loc[1], Category: p.Category})
	}
	return out
}
