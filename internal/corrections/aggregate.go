package corrections

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	DefaultMinFrequency = 2
	maxRuleExamples     = 3
	exampleRadius       = 20
	longTokenLength     = 6
)

var (
	clinicalSuffix = regexp.MustCompile(`(?i)(itis|osis|ectomy|otomy|ostomy|plasty|graphy|gram|emia|aemia|pathy|algia|megaly|stenosis|sclerosis|olol|pril|sartan|statin|parin|mab|nib|azole|mycin|cillin)$`)
	dosagePattern  = regexp.MustCompile(`(?i)^\d+(\.\d+)?(mg|mcg|ug|g|ml|l|units?|iu|mmhg|mmol|%)$`)
)

type AggregateOptions struct {
	Since        time.Time
	AgentType    string
	MinFrequency int
}

type GlossaryTerm struct {
	Term  string `json:"term"`
	Count int    `json:"count"`
}

type CorrectionRule struct {
	Raw      string   `json:"raw"`
	Fix      string   `json:"fix"`
	Count    int      `json:"count"`
	Examples []string `json:"examples"`
}

type AggregateResult struct {
	GlossaryTerms   []GlossaryTerm   `json:"glossaryTerms"`
	CorrectionRules []CorrectionRule `json:"correctionRules"`
}

// Aggregate mines the log for recurring terminology and raw to fix rules.
func (l *Log) Aggregate(ctx context.Context, opts AggregateOptions) AggregateResult {
	entries := l.Query(ctx, Filter{Since: opts.Since, AgentType: opts.AgentType})
	return Aggregate(entries, opts.MinFrequency)
}

// Aggregate is the pure form over a slice of entries. Word pairs are
// compared by position only, so an inserted or dropped word shifts every
// later pair.
func Aggregate(entries []Entry, minFrequency int) AggregateResult {
	if minFrequency <= 0 {
		minFrequency = DefaultMinFrequency
	}
	terms := map[string]int{}
	rules := map[string]*CorrectionRule{}

	for _, e := range entries {
		corrected := norm.NFC.String(e.CorrectedText)
		raw := norm.NFC.String(e.RawText)

		for _, token := range tokenize(corrected) {
			if isTerminology(token) {
				terms[token]++
			}
		}

		rawTokens := tokenize(raw)
		fixTokens := tokenize(corrected)
		n := len(rawTokens)
		if len(fixTokens) < n {
			n = len(fixTokens)
		}
		for i := 0; i < n; i++ {
			from, to := rawTokens[i], fixTokens[i]
			if from == to {
				continue
			}
			key := from + "\x00" + to
			rule, ok := rules[key]
			if !ok {
				rule = &CorrectionRule{Raw: from, Fix: to, Examples: []string{}}
				rules[key] = rule
			}
			rule.Count++
			if len(rule.Examples) < maxRuleExamples {
				if snippet := contextSnippet(raw, from); snippet != "" {
					rule.Examples = append(rule.Examples, snippet)
				}
			}
		}
	}

	result := AggregateResult{
		GlossaryTerms:   []GlossaryTerm{},
		CorrectionRules: []CorrectionRule{},
	}
	for term, count := range terms {
		if count >= minFrequency {
			result.GlossaryTerms = append(result.GlossaryTerms, GlossaryTerm{Term: term, Count: count})
		}
	}
	sort.Slice(result.GlossaryTerms, func(i, j int) bool {
		a, b := result.GlossaryTerms[i], result.GlossaryTerms[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Term < b.Term
	})
	for _, rule := range rules {
		if rule.Count >= minFrequency {
			result.CorrectionRules = append(result.CorrectionRules, *rule)
		}
	}
	sort.Slice(result.CorrectionRules, func(i, j int) bool {
		a, b := result.CorrectionRules[i], result.CorrectionRules[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if a.Raw != b.Raw {
			return a.Raw < b.Raw
		}
		return a.Fix < b.Fix
	})
	return result
}

// tokenize splits on whitespace and trims surrounding punctuation. Inner
// hyphens, slashes and dots survive.
func tokenize(text string) []string {
	fields := strings.Fields(text)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		t := strings.TrimFunc(f, func(r rune) bool {
			return unicode.IsPunct(r) && r != '%'
		})
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func isTerminology(token string) bool {
	if dosagePattern.MatchString(token) {
		return true
	}
	letters := 0
	upper := 0
	for _, r := range token {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters == 0 {
		return false
	}
	if letters >= 2 && upper == letters {
		return true
	}
	first, _ := utf8.DecodeRuneInString(token)
	if unicode.IsUpper(first) {
		return true
	}
	if strings.Contains(token, "-") {
		return true
	}
	if clinicalSuffix.MatchString(token) {
		return true
	}
	return utf8.RuneCountInString(token) > longTokenLength
}

// contextSnippet returns up to exampleRadius runes either side of the first
// case-insensitive occurrence of term in text.
func contextSnippet(text, term string) string {
	if term == "" {
		return ""
	}
	runes := []rune(text)
	lower := []rune(strings.ToLower(text))
	needle := []rune(strings.ToLower(term))
	idx := indexRunes(lower, needle)
	if idx < 0 || len(lower) != len(runes) {
		return ""
	}
	start := idx - exampleRadius
	if start < 0 {
		start = 0
	}
	end := idx + len(needle) + exampleRadius
	if end > len(runes) {
		end = len(runes)
	}
	return strings.TrimSpace(string(runes[start:end]))
}

func indexRunes(haystack, needle []rune) int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return -1
	}
outer:
	for i := 0; i+len(needle) <= len(haystack); i++ {
		for j := range needle {
			if haystack[i+j] != needle[j] {
				continue outer
			}
		}
		return i
	}
	return -1
}
