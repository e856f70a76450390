package workflow

import "fmt"

// ListMode selects how a list in a payload delta combines with the stored list
type ListMode int

const (
	// ListReplace replaces the stored list with the delta list
	ListReplace ListMode = iota
	// ListAppend appends delta elements to the stored list
	ListAppend
	// ListUpsert merges object elements sharing a key field and appends the rest
	ListUpsert
)

// ListRule is the merge rule for one payload path
type ListRule struct {
	Mode ListMode
	Key  string
}

// MergePolicy holds per-path list rules; paths are dot separated map keys
type MergePolicy struct {
	Lists map[string]ListRule
}

func (p MergePolicy) rule(path string) ListRule {
	if p.Lists == nil {
		return ListRule{Mode: ListReplace}
	}
	if r, ok := p.Lists[path]; ok {
		return r
	}
	return ListRule{Mode: ListReplace}
}

// MergePayload deep-merges delta into base and returns the result. Neither
// input is modified. Maps merge key by key, scalars in delta win, and lists
// follow the policy rule for their path.
func MergePayload(base, delta map[string]interface{}, policy MergePolicy) map[string]interface{} {
	return mergeMaps(base, delta, policy, "")
}

func mergeMaps(base, delta map[string]interface{}, policy MergePolicy, prefix string) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(delta))
	for k, v := range base {
		out[k] = deepCopy(v)
	}
	for k, dv := range delta {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}

		bv, exists := out[k]
		if !exists {
			out[k] = deepCopy(dv)
			continue
		}

		switch d := dv.(type) {
		case map[string]interface{}:
			if bm, ok := bv.(map[string]interface{}); ok {
				out[k] = mergeMaps(bm, d, policy, path)
				continue
			}
			out[k] = deepCopy(d)
		case []interface{}:
			bl, ok := bv.([]interface{})
			if !ok {
				out[k] = deepCopy(d)
				continue
			}
			out[k] = mergeLists(bl, d, policy.rule(path))
		default:
			out[k] = deepCopy(dv)
		}
	}
	return out
}

func mergeLists(base, delta []interface{}, rule ListRule) []interface{} {
	switch rule.Mode {
	case ListAppend:
		out := make([]interface{}, 0, len(base)+len(delta))
		for _, v := range base {
			out = append(out, deepCopy(v))
		}
		for _, v := range delta {
			out = append(out, deepCopy(v))
		}
		return out
	case ListUpsert:
		out := make([]interface{}, 0, len(base)+len(delta))
		index := make(map[string]int)
		for _, v := range base {
			if id, ok := elementKey(v, rule.Key); ok {
				index[id] = len(out)
			}
			out = append(out, deepCopy(v))
		}
		for _, v := range delta {
			id, ok := elementKey(v, rule.Key)
			if !ok {
				out = append(out, deepCopy(v))
				continue
			}
			if pos, found := index[id]; found {
				existing := out[pos].(map[string]interface{})
				out[pos] = mergeMaps(existing, v.(map[string]interface{}), MergePolicy{}, "")
				continue
			}
			index[id] = len(out)
			out = append(out, deepCopy(v))
		}
		return out
	default:
		out := make([]interface{}, 0, len(delta))
		for _, v := range delta {
			out = append(out, deepCopy(v))
		}
		return out
	}
}

func elementKey(v interface{}, key string) (string, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return "", false
	}
	id, ok := m[key]
	if !ok || id == nil {
		return "", false
	}
	return fmt.Sprint(id), true
}

func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[k] = deepCopy(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = deepCopy(vv)
		}
		return out
	default:
		return v
	}
}
