package rules

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/osint-watchtower/internal/osint"
)

const defaultClassification = "public"

type triggerDoc struct {
	TriggerID      string        `json:"trigger_id"`
	ID             string        `json:"id"`
	Pattern        string        `json:"pattern"`
	Regex          bool          `json:"regex"`
	Severity       string        `json:"severity"`
	Context        string        `json:"context"`
	Include        []string      `json:"include"`
	Exclude        []string      `json:"exclude"`
	Proximity      *proximityDoc `json:"proximity"`
	Tags           []string      `json:"tags"`
	Classification string        `json:"classification"`
}

type proximityDoc struct {
	Terms    []string `json:"terms"`
	Distance int      `json:"distance"`
}

// LoadTriggers reads a trigger file holding either a JSON array or {"rules": [...]}.
func LoadTriggers(path string) ([]osint.Trigger, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &osint.RuleLoadError{Path: path, Err: err}
	}
	triggers, err := parseTriggers(data)
	if err != nil {
		return nil, &osint.RuleLoadError{Path: path, Err: err}
	}
	return triggers, nil
}

func parseTriggers(data []byte) ([]osint.Trigger, error) {
	trimmed := bytes.TrimSpace(data)
	var docs []triggerDoc
	switch {
	case len(trimmed) == 0:
		return nil, errors.New("empty trigger file")
	case trimmed[0] == '[':
		if err := json.Unmarshal(trimmed, &docs); err != nil {
			return nil, fmt.Errorf("decode trigger array: %w", err)
		}
	default:
		var wrapper struct {
			Rules *[]triggerDoc `json:"rules"`
		}
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return nil, fmt.Errorf("decode trigger object: %w", err)
		}
		if wrapper.Rules == nil {
			return nil, errors.New(`trigger object has no "rules" key`)
		}
		docs = *wrapper.Rules
	}

	seen := make(map[string]struct{}, len(docs))
	out := make([]osint.Trigger, 0, len(docs))
	for i, doc := range docs {
		t, err := doc.toTrigger()
		if err != nil {
			return nil, fmt.Errorf("trigger %d: %w", i, err)
		}
		if _, dup := seen[t.ID]; dup {
			return nil, fmt.Errorf("trigger %d: duplicate trigger_id %q", i, t.ID)
		}
		seen[t.ID] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}

func (d triggerDoc) toTrigger() (osint.Trigger, error) {
	id := strings.TrimSpace(d.TriggerID)
	if id == "" {
		id = strings.TrimSpace(d.ID)
	}
	if id == "" {
		return osint.Trigger{}, errors.New("missing trigger_id")
	}
	if strings.TrimSpace(d.Pattern) == "" {
		return osint.Trigger{}, fmt.Errorf("%s: missing pattern", id)
	}
	sev, err := osint.ParseSeverity(d.Severity)
	if err != nil {
		return osint.Trigger{}, fmt.Errorf("%s: %w", id, err)
	}
	class := strings.TrimSpace(d.Classification)
	if class == "" {
		class = defaultClassification
	}
	t := osint.Trigger{
		ID:             id,
		Pattern:        d.Pattern,
		Regex:          d.Regex,
		Severity:       sev,
		Context:        d.Context,
		Include:        d.Include,
		Exclude:        d.Exclude,
		Tags:           d.Tags,
		Classification: class,
	}
	if d.Proximity != nil {
		terms := distinctTerms(d.Proximity.Terms)
		if len(terms) < 2 {
			return osint.Trigger{}, fmt.Errorf("%s: proximity needs at least two distinct terms", id)
		}
		dist := d.Proximity.Distance
		if dist <= 0 {
			dist = 10
		}
		t.Proximity = &osint.Proximity{Terms: terms, Distance: dist}
	}
	return t, nil
}

// distinctTerms lowercases and trims terms, dropping blanks and repeats.
func distinctTerms(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		out = append(out, term)
	}
	return out
}

// LoadEntities merges every *.yml and *.yaml file in dir. Nested maps and lists are
// flattened so each top-level key becomes one category of distinct terms.
// A missing directory yields an empty pack.
func LoadEntities(dir string) (osint.EntityPack, error) {
	pack := osint.EntityPack{}
	if dir == "" {
		return pack, nil
	}
	files, err := entityFiles(dir)
	if err != nil {
		return nil, &osint.RuleLoadError{Path: dir, Err: err}
	}
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &osint.RuleLoadError{Path: path, Err: err}
		}
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, &osint.RuleLoadError{Path: path, Err: err}
		}
		for category, values := range doc {
			for _, term := range flatten(values) {
				if !containsFold(pack[category], term) {
					pack[category] = append(pack[category], term)
				}
			}
		}
	}
	return pack, nil
}

func entityFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yml", ".yaml":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func flatten(v any) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		if s := strings.TrimSpace(val); s != "" {
			return []string{s}
		}
		return nil
	case []any:
		var out []string
		for _, item := range val {
			out = append(out, flatten(item)...)
		}
		return out
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out []string
		for _, k := range keys {
			out = append(out, flatten(val[k])...)
		}
		return out
	default:
		return []string{fmt.Sprint(val)}
	}
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// Polarity is a lexicon word's sentiment.
type Polarity int

// Lexicon polarities.
const (
	Negative Polarity = -1
	Positive Polarity = 1
)

// LoadLexicon reads "positive:word" / "negative:word" lines; '#' starts a comment.
// A missing file yields an empty lexicon.
func LoadLexicon(path string) (map[string]Polarity, error) {
	lex := map[string]Polarity{}
	if path == "" {
		return lex, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return lex, nil
	}
	if err != nil {
		return nil, &osint.RuleLoadError{Path: path, Err: err}
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		label, word, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		word = strings.ToLower(strings.TrimSpace(word))
		switch strings.ToLower(strings.TrimSpace(label)) {
		case "positive", "pos":
			lex[word] = Positive
		case "negative", "neg":
			lex[word] = Negative
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &osint.RuleLoadError{Path: path, Err: err}
	}
	return lex, nil
}
