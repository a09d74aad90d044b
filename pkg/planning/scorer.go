package planning

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/odvcencio/foreman/pkg/tool"
)

// Scorer rates how well a tool matches a goal, in [0, 1].
type Scorer interface {
	Similarity(goal string, d tool.Descriptor) float64
}

// LexicalScorer compares token sets with the Ochiai coefficient.
type LexicalScorer struct {
	StopWords map[string]struct{}
}

var defaultStopWords = []string{
	"a", "an", "and", "are", "as", "at", "be", "by", "do", "for", "from",
	"in", "into", "is", "it", "its", "me", "my", "of", "on", "or", "our",
	"please", "the", "then", "this", "to", "up", "us", "we", "with",
}

// NewLexicalScorer returns a scorer with the built-in stop words.
func NewLexicalScorer() *LexicalScorer {
	sw := make(map[string]struct{}, len(defaultStopWords))
	for _, w := range defaultStopWords {
		sw[w] = struct{}{}
	}
	return &LexicalScorer{StopWords: sw}
}

// Similarity is |G ∩ T| / sqrt(|G|·|T|) over goal tokens G and the tokens of
// the tool's name, description and capabilities T.
func (s *LexicalScorer) Similarity(goal string, d tool.Descriptor) float64 {
	g := s.tokens(goal)
	t := s.tokens(d.Name + " " + d.Description + " " + strings.Join(d.Capabilities, " "))
	if len(g) == 0 || len(t) == 0 {
		return 0
	}
	shared := 0
	for tok := range g {
		if _, ok := t[tok]; ok {
			shared++
		}
	}
	return float64(shared) / math.Sqrt(float64(len(g))*float64(len(t)))
}

// Matched returns the goal tokens that also describe d, sorted.
func (s *LexicalScorer) Matched(goal string, d tool.Descriptor) []string {
	g := s.tokens(goal)
	t := s.tokens(d.Name + " " + d.Description + " " + strings.Join(d.Capabilities, " "))
	var out []string
	for tok := range g {
		if _, ok := t[tok]; ok {
			out = append(out, tok)
		}
	}
	sort.Strings(out)
	return out
}

func (s *LexicalScorer) tokens(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, stop := s.StopWords[f]; stop {
			continue
		}
		out[stem(f)] = struct{}{}
	}
	return out
}

// stem folds simple plurals so "services" matches "service".
func stem(w string) string {
	switch {
	case len(w) > 4 && strings.HasSuffix(w, "ies"):
		return w[:len(w)-3] + "y"
	case len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss"):
		return w[:len(w)-1]
	}
	return w
}
