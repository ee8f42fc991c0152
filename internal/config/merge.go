package config

// DeepMerge overlays src onto dst and returns the result without mutating
// either input. For each key: when both sides are JSON objects the merge
// recurses; in every other case (including arrays) the src value replaces
// the dst value. Arrays are never concatenated.
func DeepMerge(dst, src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, sv := range src {
		if dm, ok := out[k].(map[string]interface{}); ok {
			if sm, ok := sv.(map[string]interface{}); ok {
				out[k] = DeepMerge(dm, sm)
				continue
			}
		}
		out[k] = sv
	}
	return out
}

// overlay folds the layers in order (later wins) and records which layer
// supplied each top-level key's final value.
func overlay(layers []layer) (map[string]interface{}, Sources) {
	merged := map[string]interface{}{}
	sources := Sources{}
	for _, l := range layers {
		if len(l.values) == 0 {
			continue
		}
		merged = DeepMerge(merged, l.values)
		for k := range l.values {
			sources[k] = l.name
		}
	}
	return merged, sources
}

type layer struct {
	name   string
	values map[string]interface{}
}
