package kiro

import "sort"

// DefaultModel is used for client model names missing from the model map.
const DefaultModel = "CLAUDE_SONNET_4_5_20250929_V1_0"

var modelMap = map[string]string{
	"claude-opus-4-5":            "claude-opus-4.5",
	"claude-opus-4-5-20251101":   "claude-opus-4.5",
	"claude-haiku-4-5":           "claude-haiku-4.5",
	"claude-haiku-4-5-20251001":  "claude-haiku-4.5",
	"claude-sonnet-4-5":          "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-5-20250929": "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-20250514":   "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",
	"claude-3-5-sonnet-20241022": "CLAUDE_3_7_SONNET_20250219_V1_0",
}

// ModelMap resolves client model names to backend model IDs. Overrides take
// precedence over the built-in table.
type ModelMap struct {
	overrides map[string]string
}

// NewModelMap returns a map with the given overrides applied.
func NewModelMap(overrides map[string]string) *ModelMap {
	return &ModelMap{overrides: overrides}
}

// Resolve returns the backend model ID for a client model name.
func (m *ModelMap) Resolve(model string) string {
	if m != nil {
		if id, ok := m.overrides[model]; ok {
			return id
		}
	}
	if id, ok := modelMap[model]; ok {
		return id
	}
	return DefaultModel
}

// Models returns the sorted client model names the map knows about.
func (m *ModelMap) Models() []string {
	seen := make(map[string]bool, len(modelMap))
	for name := range modelMap {
		seen[name] = true
	}
	if m != nil {
		for name := range m.overrides {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
