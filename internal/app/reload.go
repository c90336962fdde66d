package app

import (
	"bytes"
	"encoding/json"
	"slices"

	"chanfetch/internal/config"
)

// changedSections lists the top-level config keys whose content differs.
func changedSections(prev, next *config.Config) []string {
	a, b := sectionMap(prev), sectionMap(next)
	var out []string
	for k, v := range b {
		if !bytes.Equal(a[k], v) {
			out = append(out, k)
		}
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

func sectionMap(cfg *config.Config) map[string]json.RawMessage {
	m := map[string]json.RawMessage{}
	if cfg == nil {
		return m
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return m
	}
	_ = json.Unmarshal(raw, &m)
	return m
}
