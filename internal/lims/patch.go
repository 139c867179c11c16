package lims

import (
	"sort"
	"strings"
)

// PatchOp is one JSON-Patch operation.
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// DictToPatch flattens nested maps into "replace" operations, one per leaf,
// in key order.
func DictToPatch(changes map[string]any) []PatchOp {
	var ops []PatchOp
	flatten("", changes, &ops)
	return ops
}

func flatten(prefix string, m map[string]any, ops *[]PatchOp) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p := prefix + "/" + escapePointer(k)
		if nested, ok := m[k].(map[string]any); ok {
			flatten(p, nested, ops)
			continue
		}
		*ops = append(*ops, PatchOp{Op: "replace", Path: p, Value: m[k]})
	}
}

var pointerEscaper = strings.NewReplacer("~", "~0", "/", "~1")

func escapePointer(s string) string { return pointerEscaper.Replace(s) }
