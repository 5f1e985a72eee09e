package knowledge

import (
	"context"
	"sort"
	"strings"
	"unicode"
)

const (
	DefaultTopK     = 2
	DefaultMinScore = 1
)

// stopwords are ignored when scoring.
var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`i me my myself we our ours ourselves you your
		he him his she her it its they them their what which who whom this that
		these those am is are was were be been a an the and but if or because as
		until while of at by for with about to from in out on off how do`) {
		stopwords[w] = struct{}{}
	}
}

// Candidate is an entry paired with its relevance score. Higher ranks first.
type Candidate struct {
	Entry Entry
	Score float64
}

// Options tune ranking.
type Options struct {
	// TopK caps the number of candidates returned (<=0 selects DefaultTopK).
	TopK int

	// MinScore drops candidates scoring below it (<=0 selects DefaultMinScore).
	MinScore float64
}

// Index ranks a fixed entry set. It is immutable after construction and safe
// for concurrent use.
type Index struct {
	entries []indexed
	topK    int
	min     float64
}

type indexed struct {
	entry  Entry
	tokens map[string]struct{}
}

// NewIndex tokenizes entries once up front.
func NewIndex(entries []Entry, opts Options) *Index {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.MinScore <= 0 {
		opts.MinScore = DefaultMinScore
	}

	idx := &Index{
		entries: make([]indexed, 0, len(entries)),
		topK:    opts.TopK,
		min:     opts.MinScore,
	}
	for _, e := range entries {
		toks := Tokenize(e.Question)
		for _, tag := range e.Tags {
			for t := range Tokenize(tag) {
				toks[t] = struct{}{}
			}
		}
		idx.entries = append(idx.entries, indexed{entry: e, tokens: toks})
	}
	return idx
}

// Len returns the number of indexed entries.
func (x *Index) Len() int {
	return len(x.entries)
}

// Retrieve scores every entry against query and returns the ranked survivors.
// The score is the number of distinct query tokens found in the entry's
// question and tags. Equal scores keep load order, so results are stable.
func (x *Index) Retrieve(_ context.Context, query string) ([]Candidate, error) {
	q := Tokenize(query)
	if len(q) == 0 || len(x.entries) == 0 {
		return nil, nil
	}

	var out []Candidate
	for _, e := range x.entries {
		var score float64
		for t := range q {
			if _, ok := e.tokens[t]; ok {
				score++
			}
		}
		if score >= x.min {
			out = append(out, Candidate{Entry: e.entry, Score: score})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })

	if len(out) > x.topK {
		out = out[:x.topK]
	}
	return out, nil
}

// Tokenize lowercases text, strips punctuation and returns the set of
// non-stopword tokens.
func Tokenize(text string) map[string]struct{} {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '_':
			return unicode.ToLower(r)
		case unicode.IsSpace(r):
			return ' '
		default:
			return -1
		}
	}, text)

	out := make(map[string]struct{})
	for _, w := range strings.Fields(cleaned) {
		if _, stop := stopwords[w]; stop {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}
