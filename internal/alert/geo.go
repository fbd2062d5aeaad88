package alert

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/osint-watchtower/internal/osint"
)

func defaultGeoTable() map[string]osint.GeoInfo {
	return map[string]osint.GeoInfo{
		"usa":    {Country: "United States"},
		"europe": {Country: "Europe"},
	}
}

// Geo resolves a location from keywords found in item text.
type Geo struct {
	table map[string]osint.GeoInfo
	keys  []string
}

// NewGeo builds a lookup over table; keys are matched case-insensitively in sorted order.
func NewGeo(table map[string]osint.GeoInfo) *Geo {
	g := &Geo{table: make(map[string]osint.GeoInfo, len(table))}
	for k, v := range table {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" {
			continue
		}
		g.table[key] = v
		g.keys = append(g.keys, key)
	}
	sort.Strings(g.keys)
	return g
}

// LoadGeo reads a JSON keyword → location map. An empty path or a missing file
// falls back to the built-in table.
func LoadGeo(path string, logger *zap.Logger) (*Geo, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		return NewGeo(defaultGeoTable()), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("geo lookup file missing, using defaults", zap.String("path", path))
		return NewGeo(defaultGeoTable()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read geo lookup: %w", err)
	}
	var table map[string]osint.GeoInfo
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("decode geo lookup %s: %w", path, err)
	}
	return NewGeo(table), nil
}

// Lookup returns the first location whose keyword appears in text.
func (g *Geo) Lookup(text string) osint.GeoInfo {
	lower := strings.ToLower(text)
	for _, k := range g.keys {
		if strings.Contains(lower, k) {
			return g.table[k]
		}
	}
	return osint.GeoInfo{}
}
