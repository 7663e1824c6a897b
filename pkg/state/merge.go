package state

// DeepMerge merges src into dst without mutating either: nested objects
// merge recursively, arrays and scalars replace wholesale. Ring buffers are
// therefore rewritten in full by their owner, never interleaved.
func DeepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for key, value := range dst {
		out[key] = value
	}
	for key, value := range src {
		if srcMap, ok := value.(map[string]any); ok {
			if dstMap, ok := out[key].(map[string]any); ok {
				out[key] = DeepMerge(dstMap, srcMap)
				continue
			}
		}
		out[key] = value
	}
	return out
}
