package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/JakeFAU/osint-watchtower/internal/osint"
)

// excerptRadius is how many bytes of text surround a match in its excerpt.
const excerptRadius = 80

type compiledTrigger struct {
	trigger osint.Trigger
	pattern *matcher
	include []*matcher
	exclude []*matcher
}

type compiledCategory struct {
	name  string
	terms []compiledTerm
}

type compiledTerm struct {
	term string
	re   *matcher
}

// matcher wraps a compiled pattern. When group is set the match proper is
// submatch 1 and the surrounding boundary characters are not part of it.
type matcher struct {
	re    *regexp.Regexp
	group bool
}

func (m *matcher) find(text string) []int {
	if !m.group {
		return m.re.FindStringIndex(text)
	}
	loc := m.re.FindStringSubmatchIndex(text)
	if loc == nil {
		return nil
	}
	return loc[2:4]
}

func (m *matcher) match(text string) bool {
	return m.re.MatchString(text)
}

// Snapshot is one immutable, fully compiled rule set. It is never mutated after build.
type Snapshot struct {
	Version  uint64
	LoadedAt time.Time

	triggers []compiledTrigger
	entities []compiledCategory
	lexicon  map[string]Polarity
	stamps   map[string]string
}

func build(triggers []osint.Trigger, pack osint.EntityPack, lexicon map[string]Polarity) (*Snapshot, error) {
	snap := &Snapshot{lexicon: lexicon}
	for _, t := range triggers {
		ct := compiledTrigger{trigger: t}
		if t.Regex {
			re, err := regexp.Compile("(?i)" + t.Pattern)
			if err != nil {
				return nil, fmt.Errorf("trigger %s: compile regex: %w", t.ID, err)
			}
			ct.pattern = &matcher{re: re}
		} else {
			ct.pattern = termPattern(t.Pattern)
		}
		for _, term := range t.Include {
			ct.include = append(ct.include, termPattern(term))
		}
		for _, term := range t.Exclude {
			ct.exclude = append(ct.exclude, termPattern(term))
		}
		snap.triggers = append(snap.triggers, ct)
	}

	names := make([]string, 0, len(pack))
	for name := range pack {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cat := compiledCategory{name: name}
		for _, term := range pack[name] {
			cat.terms = append(cat.terms, compiledTerm{term: term, re: termPattern(term)})
		}
		snap.entities = append(snap.entities, cat)
	}
	return snap, nil
}

// nonWord is any rune that cannot continue a word in any script.
const nonWord = `[^\p{L}\p{M}\p{N}_]`

// termPattern matches term case-insensitively on whole-term boundaries. Boundaries
// are only asserted next to word characters so terms like "c++" still match.
func termPattern(term string) *matcher {
	term = strings.TrimSpace(term)
	var b strings.Builder
	b.WriteString("(?i)")
	first, _ := utf8.DecodeRuneInString(term)
	if isWordRune(first) {
		b.WriteString("(?:^|" + nonWord + ")")
	}
	b.WriteString("(" + regexp.QuoteMeta(term) + ")")
	last, _ := utf8.DecodeLastRuneInString(term)
	if isWordRune(last) {
		b.WriteString("(?:" + nonWord + "|$)")
	}
	return &matcher{re: regexp.MustCompile(b.String()), group: true}
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsMark(r) || unicode.IsNumber(r)
}

// Triggers returns the snapshot's trigger definitions in file order.
func (s *Snapshot) Triggers() []osint.Trigger {
	out := make([]osint.Trigger, len(s.triggers))
	for i, ct := range s.triggers {
		out[i] = ct.trigger
	}
	return out
}

// EntityCategories reports how many entity categories are loaded.
func (s *Snapshot) EntityCategories() int { return len(s.entities) }

// Match evaluates every trigger against text. Exclude terms win over the pattern and includes.
func (s *Snapshot) Match(text string) []osint.Match {
	var out []osint.Match
	for _, ct := range s.triggers {
		loc := ct.pattern.find(text)
		if loc == nil {
			continue
		}
		if len(ct.include) > 0 && !anyMatch(ct.include, text) {
			continue
		}
		if anyMatch(ct.exclude, text) {
			continue
		}
		if p := ct.trigger.Proximity; p != nil && !withinProximity(text, p.Terms, p.Distance) {
			continue
		}
		out = append(out, osint.Match{Trigger: ct.trigger, Excerpt: excerpt(text, loc[0], loc[1])})
	}
	return out
}

func anyMatch(ms []*matcher, text string) bool {
	for _, m := range ms {
		if m.match(text) {
			return true
		}
	}
	return false
}

func excerpt(text string, start, end int) string {
	from := max(0, start-excerptRadius)
	for from > 0 && !utf8.RuneStart(text[from]) {
		from--
	}
	to := min(len(text), end+excerptRadius)
	for to < len(text) && !utf8.RuneStart(text[to]) {
		to++
	}
	return strings.TrimSpace(text[from:to])
}

func tokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' && r != '.' && r != '@'
	})
}

// withinProximity reports whether every term occurs inside one window spanning at most distance tokens.
func withinProximity(text string, terms []string, distance int) bool {
	want := make(map[string]int, len(terms))
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if _, ok := want[term]; !ok {
			want[term] = len(want)
		}
	}
	type hit struct{ pos, term int }
	var hits []hit
	for pos, tok := range tokens(text) {
		tok = strings.Trim(tok, ".-")
		if idx, ok := want[tok]; ok {
			hits = append(hits, hit{pos: pos, term: idx})
		}
	}
	counts := make([]int, len(want))
	covered, left := 0, 0
	for _, h := range hits {
		if counts[h.term] == 0 {
			covered++
		}
		counts[h.term]++
		for covered == len(want) {
			if h.pos-hits[left].pos <= distance {
				return true
			}
			counts[hits[left].term]--
			if counts[hits[left].term] == 0 {
				covered--
			}
			left++
		}
	}
	return false
}

// ExtractEntities returns, per category, the distinct sorted terms present in text.
func (s *Snapshot) ExtractEntities(text string) map[string][]string {
	out := make(map[string][]string)
	for _, cat := range s.entities {
		var found []string
		for _, t := range cat.terms {
			if t.re.match(text) {
				found = append(found, t.term)
			}
		}
		if len(found) > 0 {
			sort.Strings(found)
			out[cat.name] = found
		}
	}
	return out
}

// Sentiment labels text "pos", "neg" or "neu" by majority of lexicon hits.
func (s *Snapshot) Sentiment(text string) string {
	score := 0
	for _, tok := range tokens(text) {
		score += int(s.lexicon[strings.Trim(tok, ".-")])
	}
	switch {
	case score > 0:
		return "pos"
	case score < 0:
		return "neg"
	default:
		return "neu"
	}
}

// Evaluate runs every detector over item against this snapshot only.
func (s *Snapshot) Evaluate(item osint.NormalizedItem) osint.Detection {
	return osint.Detection{
		Matches:   s.Match(item.Text),
		Entities:  s.ExtractEntities(item.Text),
		Sentiment: s.Sentiment(item.Text),
		Version:   s.Version,
	}
}
