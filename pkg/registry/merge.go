// Package registry resolves the effective per-task registry: a base
// document layered with org/tenant/user overrides, plus the legacy
// per-tenant filter block.
package registry

// DeepMerge merges b into a and returns a new value. Maps merge
// recursively; everything else (lists included) is replaced by b. Overrides
// are explicit, so list-level merging is reserved for the keyed sections
// handled by MergeIndexedList.
func DeepMerge(a, b any) any {
	am, aok := a.(map[string]any)
	bm, bok := b.(map[string]any)
	if aok && bok {
		out := make(map[string]any, len(am)+len(bm))
		for k, v := range am {
			out[k] = v
		}
		for k, v := range bm {
			if prev, exists := out[k]; exists {
				out[k] = DeepMerge(prev, v)
			} else {
				out[k] = deepCopy(v)
			}
		}
		return out
	}
	return deepCopy(b)
}

// MergeIndexedList merges lists of objects by a key field. Overriding
// entries deep-merge into the matching base entry; order is base order
// first, then new entries in override order.
func MergeIndexedList(base, override []any, key string) []any {
	idx := map[any]map[string]any{}
	var newKeys []any
	for _, x := range base {
		if m, ok := x.(map[string]any); ok {
			if k, has := m[key]; has {
				idx[k] = deepCopy(m).(map[string]any)
			}
		}
	}
	for _, x := range override {
		m, ok := x.(map[string]any)
		if !ok {
			continue
		}
		k, has := m[key]
		if !has {
			continue
		}
		if existing, seen := idx[k]; seen {
			idx[k] = DeepMerge(existing, m).(map[string]any)
		} else {
			idx[k] = deepCopy(m).(map[string]any)
			newKeys = append(newKeys, k)
		}
	}

	out := make([]any, 0, len(idx))
	emitted := map[any]bool{}
	for _, x := range base {
		m, ok := x.(map[string]any)
		if !ok {
			continue
		}
		k, has := m[key]
		if !has || emitted[k] {
			continue
		}
		out = append(out, idx[k])
		emitted[k] = true
	}
	for _, k := range newKeys {
		if !emitted[k] {
			out = append(out, idx[k])
			emitted[k] = true
		}
	}
	return out
}

// sectionKeys maps the keyed registry sections to their identity field.
var sectionKeys = map[string]string{
	"tools":    "tool_id",
	"actions":  "action_id",
	"policies": "policy_id",
}

// ApplyOverrides applies one overlay document to a base registry document.
// The keyed sections merge by identity; roles and everything else go
// through the generic deep merge.
func ApplyOverrides(reg, override map[string]any) map[string]any {
	out := deepCopy(reg).(map[string]any)
	for section, key := range sectionKeys {
		ov, has := override[section]
		if !has {
			continue
		}
		baseList, baseIsList := out[section].([]any)
		ovList, ovIsList := ov.([]any)
		if baseIsList && ovIsList {
			out[section] = MergeIndexedList(baseList, ovList, key)
		} else {
			out[section] = DeepMerge(out[section], ov)
		}
	}
	for k, v := range override {
		if _, keyed := sectionKeys[k]; keyed {
			continue
		}
		out[k] = DeepMerge(out[k], v)
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = deepCopy(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = deepCopy(x)
		}
		return out
	default:
		return v
	}
}
