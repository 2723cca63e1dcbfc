package prd

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devloopfleet/devloop/internal/corerr"
)

const validFrontmatter = `---
id: prd-a
version: "1.0"
status: ready
requirementIdPattern: "REQ-{id}"
testingDir: tests/
relationships:
  dependsOn:
    - prd-base
    - prd: prd-other
phases:
  - id: phase-1
    status: pending
---

## prd: overview
## execution: plan
## requirements: list
## testing: strategy
`

func TestParse_YAMLFrontmatter(t *testing.T) {
	meta, err := Parse(validFrontmatter)
	require.NoError(t, err)

	assert.Equal(t, "prd-a", meta.ID)
	assert.Equal(t, StatusReady, meta.Status)
	assert.ElementsMatch(t, []string{"prd-base", "prd-other"}, meta.Relationships.DependsOn)
	require.Len(t, meta.Phases, 1)
	assert.Equal(t, "phase-1", meta.Phases[0].ID)
}

func TestParse_MissingRequiredSectionFails(t *testing.T) {
	content := `---
id: prd-a
status: ready
---

## prd: overview
`
	_, err := Parse(content)
	require.Error(t, err)
	var valErr *corerr.ValidationError
	assert.True(t, errors.As(err, &valErr))
}

func TestParse_InvalidStatusFails(t *testing.T) {
	content := `---
id: prd-a
status: nonsense
---

## prd: overview
## execution: plan
## requirements: list
## testing: strategy
`
	_, err := Parse(content)
	require.Error(t, err)
}

func TestParse_HTMLCommentLegacyFormat(t *testing.T) {
	content := `<!-- DEV-LOOP METADATA
id: prd-legacy
status: planning
version: 2.0
-->

Some markdown body.
`
	meta, err := Parse(content)
	require.NoError(t, err)
	assert.Equal(t, "prd-legacy", meta.ID)
	assert.Equal(t, StatusPlanning, meta.Status)
}

func TestParse_JSConfigBlockLegacyFormat(t *testing.T) {
	content := "## Dev-Loop Configuration\n```javascript\n{\n  id: \"prd-js\",\n  status: \"active\",\n}\n```\n"
	meta, err := Parse(content)
	require.NoError(t, err)
	assert.Equal(t, "prd-js", meta.ID)
	assert.Equal(t, StatusActive, meta.Status)
}

func TestParse_NoRecognizedFormatFails(t *testing.T) {
	_, err := Parse("just some plain markdown, no metadata at all")
	require.Error(t, err)
}

func TestPrdMetadata_NodeInterface(t *testing.T) {
	meta, err := Parse(validFrontmatter)
	require.NoError(t, err)
	assert.Equal(t, "prd-a", meta.NodeID())
	assert.ElementsMatch(t, []string{"prd-base", "prd-other"}, meta.NodeDependsOn())
}

func TestPrdMetadata_IsSetParent(t *testing.T) {
	meta := &PrdMetadata{Status: StatusSplit}
	assert.True(t, meta.IsSetParent())

	meta.Status = StatusActive
	assert.False(t, meta.IsSetParent())
}
