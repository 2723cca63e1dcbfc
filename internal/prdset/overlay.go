package prdset

// appendUniqueArrayPaths are the array fields that merge by append-unique
// rather than outright replacement, addressed as dotted paths within the
// config map.
var appendUniqueArrayPaths = map[string]bool{
	"codebase.filePathPatterns": true,
	"framework.rules":           true,
	"codebase.searchDirs":       true,
}

// MergeConfig deep-merges overlay onto base and returns a new map. Objects
// merge recursively; the designated short list of array paths merges by
// append-unique; every other array is replaced wholesale by overlay's
// value when present.
func MergeConfig(base, overlay map[string]interface{}) map[string]interface{} {
	return mergeAt("", base, overlay)
}

func mergeAt(path string, base, overlay map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(base)+len(overlay))
	for k, v := range base {
		result[k] = v
	}

	for k, overlayVal := range overlay {
		childPath := k
		if path != "" {
			childPath = path + "." + k
		}

		baseVal, exists := result[k]
		if !exists {
			result[k] = overlayVal
			continue
		}

		baseMap, baseIsMap := baseVal.(map[string]interface{})
		overlayMap, overlayIsMap := overlayVal.(map[string]interface{})
		if baseIsMap && overlayIsMap {
			result[k] = mergeAt(childPath, baseMap, overlayMap)
			continue
		}

		baseArr, baseIsArr := baseVal.([]interface{})
		overlayArr, overlayIsArr := overlayVal.([]interface{})
		if baseIsArr && overlayIsArr && appendUniqueArrayPaths[childPath] {
			result[k] = appendUnique(baseArr, overlayArr)
			continue
		}

		result[k] = overlayVal
	}

	return result
}

func appendUnique(base, overlay []interface{}) []interface{} {
	seen := make(map[interface{}]bool, len(base))
	out := make([]interface{}, 0, len(base)+len(overlay))
	for _, v := range base {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, v := range overlay {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// SafeMergeConfig merges overlay onto base, recovering from a panic (a
// malformed overlay containing an unhashable array element, for example)
// and falling back to base unchanged rather than propagating the failure.
func SafeMergeConfig(base, overlay map[string]interface{}) (merged map[string]interface{}, fellBack bool) {
	defer func() {
		if r := recover(); r != nil {
			merged = base
			fellBack = true
		}
	}()
	return MergeConfig(base, overlay), false
}
