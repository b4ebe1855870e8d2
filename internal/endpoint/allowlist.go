package endpoint

import (
	"encoding/json"
	"strings"
)

// ParseAllowList parses an allowed_callers record. Both the comma separated
// form and a JSON string array are accepted. Entries are trimmed, lowercased
// and deduplicated in order; empty entries are dropped.
func ParseAllowList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var items []string
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			items = nil
		}
	}
	if items == nil {
		items = strings.Split(raw, ",")
	}

	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		addr := strings.ToLower(strings.TrimSpace(item))
		if addr == "" {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Permits reports whether caller may use an agent with the given allow-list.
// An empty list permits every caller.
func Permits(allowList []string, caller string) bool {
	if len(allowList) == 0 {
		return true
	}
	caller = strings.ToLower(strings.TrimSpace(caller))
	for _, addr := range allowList {
		if addr == caller {
			return true
		}
	}
	return false
}
