package prd

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/devloopfleet/devloop/internal/corerr"
)

// frontmatterFence matches a leading "---\n...\n---" YAML block.
var frontmatterFence = regexp.MustCompile(`(?s)^---\s*\n(.*?)\n---\s*\n`)

// htmlCommentMetadata matches the legacy "<!-- DEV-LOOP METADATA -->" block
// with "key: value" lines.
var htmlCommentMetadata = regexp.MustCompile(`(?s)<!--\s*DEV-LOOP METADATA\s*\n(.*?)-->`)

// jsConfigBlock matches the legacy "## Dev-Loop Configuration" heading
// followed by a fenced javascript code block.
var jsConfigBlock = regexp.MustCompile("(?s)## Dev-Loop Configuration\\s*\\n```javascript\\s*\\n(.*?)```")

// Load reads a PRD markdown document from path and parses its metadata,
// trying the YAML frontmatter format first and falling back to the two
// legacy formats in order.
func Load(path string) (*PrdMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &corerr.IOError{Path: path, Msg: err.Error()}
	}
	return Parse(string(data))
}

// Parse parses a PRD document's content. It tries, in order: YAML
// frontmatter, the HTML-comment legacy block, then the embedded
// JS-code-block legacy format.
func Parse(content string) (*PrdMetadata, error) {
	if m := frontmatterFence.FindStringSubmatch(content); m != nil {
		meta, err := parseYAMLFrontmatter(m[1])
		if err != nil {
			return nil, err
		}
		if err := validateRequiredSections(content); err != nil {
			return nil, err
		}
		return meta, nil
	}

	if m := htmlCommentMetadata.FindStringSubmatch(content); m != nil {
		return parseKeyValueBlock(m[1])
	}

	if m := jsConfigBlock.FindStringSubmatch(content); m != nil {
		return parseJSConfigBlock(m[1])
	}

	return nil, &corerr.ValidationError{Msg: "no recognized PRD metadata format found (frontmatter, html-comment, or js-config-block)"}
}

func parseYAMLFrontmatter(block string) (*PrdMetadata, error) {
	var meta PrdMetadata
	if err := yaml.Unmarshal([]byte(block), &meta); err != nil {
		return nil, &corerr.ParseError{Msg: fmt.Sprintf("failed to parse PRD frontmatter: %v", err)}
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return &meta, nil
}

func validateRequiredSections(content string) error {
	var missing []string
	for _, section := range requiredTopLevelSections {
		if !strings.Contains(content, section+":") {
			missing = append(missing, section)
		}
	}
	if len(missing) > 0 {
		return &corerr.ValidationError{Msg: fmt.Sprintf("PRD document is missing required sections: %v", missing)}
	}
	return nil
}

// parseKeyValueBlock handles the legacy "<!-- DEV-LOOP METADATA -->"
// format: one "key: value" pair per line.
func parseKeyValueBlock(block string) (*PrdMetadata, error) {
	meta := &PrdMetadata{}
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		applyLegacyField(meta, key, value)
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return meta, nil
}

// parseJSConfigBlock handles the legacy "## Dev-Loop Configuration"
// fenced-javascript format, which is a JS object literal of "key: value"
// assignments close enough to YAML's flow-mapping syntax to reuse the same
// field application as the HTML-comment format.
func parseJSConfigBlock(block string) (*PrdMetadata, error) {
	meta := &PrdMetadata{}
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimSuffix(line, ",")
		line = strings.Trim(line, "{}")
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.Trim(strings.TrimSpace(parts[0]), `"'`)
		value := strings.Trim(strings.TrimSpace(parts[1]), `"',`)
		applyLegacyField(meta, key, value)
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return meta, nil
}

func applyLegacyField(meta *PrdMetadata, key, value string) {
	switch key {
	case "id":
		meta.ID = value
	case "version":
		meta.Version = value
	case "status":
		meta.Status = Status(value)
	case "parentPrd":
		meta.ParentPrd = value
	case "requirementIdPattern":
		meta.RequirementIDPattern = value
	case "testingDir":
		meta.TestingDir = value
	}
}
