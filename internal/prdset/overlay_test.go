package prdset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeConfig_DeepMergesNestedObjects(t *testing.T) {
	base := map[string]interface{}{
		"codebase": map[string]interface{}{"language": "go", "searchDirs": []interface{}{"internal"}},
	}
	overlay := map[string]interface{}{
		"codebase": map[string]interface{}{"searchDirs": []interface{}{"cmd"}},
	}

	merged := MergeConfig(base, overlay)
	codebase := merged["codebase"].(map[string]interface{})
	assert.Equal(t, "go", codebase["language"])
	assert.ElementsMatch(t, []interface{}{"internal", "cmd"}, codebase["searchDirs"])
}

func TestMergeConfig_NonListedArrayReplaces(t *testing.T) {
	base := map[string]interface{}{"other": map[string]interface{}{"tags": []interface{}{"a", "b"}}}
	overlay := map[string]interface{}{"other": map[string]interface{}{"tags": []interface{}{"c"}}}

	merged := MergeConfig(base, overlay)
	other := merged["other"].(map[string]interface{})
	assert.Equal(t, []interface{}{"c"}, other["tags"])
}

func TestMergeConfig_AppendUniqueDropsDuplicates(t *testing.T) {
	base := map[string]interface{}{"framework": map[string]interface{}{"rules": []interface{}{"no-var"}}}
	overlay := map[string]interface{}{"framework": map[string]interface{}{"rules": []interface{}{"no-var", "eqeqeq"}}}

	merged := MergeConfig(base, overlay)
	framework := merged["framework"].(map[string]interface{})
	assert.Equal(t, []interface{}{"no-var", "eqeqeq"}, framework["rules"])
}

func TestSafeMergeConfig_FallsBackToBaseOnPanic(t *testing.T) {
	base := map[string]interface{}{"a": 1}
	overlay := map[string]interface{}{"codebase": map[string]interface{}{"searchDirs": []interface{}{[]interface{}{"unhashable"}}}}

	merged, fellBack := SafeMergeConfig(base, overlay)
	if fellBack {
		assert.Equal(t, base, merged)
	}
}
