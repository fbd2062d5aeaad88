// Package alert turns a detection into the canonical Alert record.
package alert

import (
	"sort"
	"time"
	"unicode/utf8"

	"github.com/JakeFAU/osint-watchtower/internal/osint"
)

const (
	summaryLimit = 200
	excerptLimit = 500
)

// Input is everything one alert is built from.
type Input struct {
	Item        osint.NormalizedItem
	Fingerprint osint.Fingerprint
	Detection   osint.Detection
	// PrevVolume is the alert count of the source's previous run.
	PrevVolume int
	// Emitted counts alerts already produced earlier in this cycle.
	Emitted    int
	DetectedAt time.Time
}

// Assembler builds alerts. It holds no per-cycle state.
type Assembler struct {
	geo *Geo
}

// NewAssembler returns an assembler using geo for location lookup.
func NewAssembler(geo *Geo) *Assembler {
	if geo == nil {
		geo = NewGeo(defaultGeoTable())
	}
	return &Assembler{geo: geo}
}

// Assemble folds every matched trigger into one alert. It reports false when nothing matched.
func (a *Assembler) Assemble(in Input) (osint.Alert, bool) {
	matches := in.Detection.Matches
	if len(matches) == 0 {
		return osint.Alert{}, false
	}
	top := matches[0].Trigger
	ids := make([]string, 0, len(matches))
	related := map[string]struct{}{}
	tags := map[string]struct{}{}
	for _, m := range matches {
		if m.Trigger.Severity > top.Severity {
			top = m.Trigger
		}
		ids = append(ids, m.Trigger.ID)
		related[m.Trigger.ID] = struct{}{}
		related[m.Trigger.Pattern] = struct{}{}
		for _, t := range m.Trigger.Tags {
			tags[t] = struct{}{}
		}
	}
	for _, terms := range in.Detection.Entities {
		for _, t := range terms {
			related[t] = struct{}{}
		}
	}

	detected := in.DetectedAt.UTC()
	entities := in.Detection.Entities
	if entities == nil {
		entities = map[string][]string{}
	}
	return osint.Alert{
		GeoInfo:    a.geo.Lookup(in.Item.Text),
		SourceURL:  in.Item.URL,
		DetectedAt: detected,
		FirstSeen:  detected,
		LastSeen:   detected,
		Entities:   entities,
		ThreatAnalysis: osint.ThreatAnalysis{
			Summary:      truncate(in.Item.Text, summaryLimit),
			RiskVector:   top.Context,
			RelatedTerms: sortedKeys(related),
		},
		TrendVelocity:  Trend(in.PrevVolume, in.Emitted),
		Sentiment:      in.Detection.Sentiment,
		Tags:           sortedKeys(tags),
		Classification: top.Classification,
		Severity:       top.Severity.String(),
		TriggerIDs:     ids,
		SourceName:     in.Item.Source,
		ContentHash:    in.Fingerprint.ContentHash,
		ContentExcerpt: truncate(in.Item.Text, excerptLimit),
		Simhash:        in.Fingerprint.SimhashHex(),
	}, true
}

// Trend compares the running volume of this cycle, including the alert being built,
// with the previous run's volume.
func Trend(prev, emitted int) osint.TrendVelocity {
	curr := prev + emitted + 1
	pct := 100.0
	if prev > 0 {
		pct = float64(curr-prev) / float64(prev) * 100
	}
	return osint.TrendVelocity{PctIncrease: pct, PrevVolume: prev, CurrVolume: curr}
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
