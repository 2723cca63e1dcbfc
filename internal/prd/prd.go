// Package prd parses PRD (product requirement document) files into the
// typed PrdMetadata the core consumes. Authoring PRDs (templating,
// interactive prompts) is out of scope; this package only turns an
// existing markdown document into the struct the Dependency Resolver and
// PRD-Set Orchestrator operate on.
package prd

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/devloopfleet/devloop/internal/corerr"
)

// Status is the PRD lifecycle state.
type Status string

// Valid PRD statuses.
const (
	StatusPlanning   Status = "planning"
	StatusReady      Status = "ready"
	StatusActive     Status = "active"
	StatusBlocked    Status = "blocked"
	StatusComplete   Status = "complete"
	StatusSplit      Status = "split"
	StatusDeprecated Status = "deprecated"
)

// PhaseStatus is a phase's lifecycle state.
type PhaseStatus string

// Valid phase statuses.
const (
	PhaseStatusPending        PhaseStatus = "pending"
	PhaseStatusComplete       PhaseStatus = "complete"
	PhaseStatusMostlyComplete PhaseStatus = "mostly_complete"
	PhaseStatusDeferred       PhaseStatus = "deferred"
	PhaseStatusOptional       PhaseStatus = "optional"
	PhaseStatusLowPriority    PhaseStatus = "low_priority"
)

// Phase is one ordered unit of work within a PRD.
type Phase struct {
	ID        string      `yaml:"id"`
	DependsOn []string    `yaml:"depends_on"`
	Status    PhaseStatus `yaml:"status"`
	Config    map[string]interface{} `yaml:"config,omitempty"`
}

// Relationships captures a PRD's dependency declarations. DependsOn entries
// come either as bare ID strings or as {prd: id} maps in the source YAML;
// UnmarshalYAML below normalizes both into plain ID strings.
type Relationships struct {
	DependsOn []string `yaml:"-"`
}

// UnmarshalYAML accepts either a list of strings or a list of {prd: id}
// maps for dependsOn, per the dependency resolver's PRD-level contract.
func (r *Relationships) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		DependsOn []yaml.Node `yaml:"dependsOn"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	for _, n := range raw.DependsOn {
		switch n.Kind {
		case yaml.ScalarNode:
			r.DependsOn = append(r.DependsOn, n.Value)
		case yaml.MappingNode:
			var wrapped struct {
				Prd string `yaml:"prd"`
			}
			if err := n.Decode(&wrapped); err != nil {
				return err
			}
			if wrapped.Prd != "" {
				r.DependsOn = append(r.DependsOn, wrapped.Prd)
			}
		}
	}
	return nil
}

// PrdMetadata is the consumer-side struct the core builds from a parsed PRD
// document's YAML frontmatter.
type PrdMetadata struct {
	ID             string         `yaml:"id"`
	Version        string         `yaml:"version"`
	Status         Status         `yaml:"status"`
	ParentPrd      string         `yaml:"parentPrd,omitempty"`
	PrdSequence    int            `yaml:"prdSequence,omitempty"`
	Relationships  Relationships  `yaml:"relationships"`
	Phases         []Phase        `yaml:"phases"`
	RequirementIDPattern string   `yaml:"requirementIdPattern"`
	TestingDir     string         `yaml:"testingDir"`
	Config         map[string]interface{} `yaml:"config,omitempty"`
}

// NodeID and NodeDependsOn satisfy internal/resolver.Node, so a slice of
// *PrdMetadata can be fed directly into resolver.Build.
func (p *PrdMetadata) NodeID() string          { return p.ID }
func (p *PrdMetadata) NodeDependsOn() []string { return p.Relationships.DependsOn }

// requiredTopLevelSections are the section names a PRD document must
// declare beyond the YAML frontmatter. The loader only checks that
// "<name>:" occurs somewhere in the document; it does not require the
// text to be a markdown heading.
var requiredTopLevelSections = []string{"prd", "execution", "requirements", "testing"}

// Validate checks the fields the Dependency Resolver's validator requires:
// an ID, a recognized status, and (when present) a valid requirement ID
// pattern containing the {id} placeholder.
func (p *PrdMetadata) Validate() error {
	if p.ID == "" {
		return &corerr.ValidationError{Msg: "prd is missing required id field"}
	}
	if !validStatus(p.Status) {
		return &corerr.ValidationError{Subject: p.ID, Msg: fmt.Sprintf("invalid prd status %q", p.Status)}
	}
	if p.RequirementIDPattern != "" && !strings.Contains(p.RequirementIDPattern, "{id}") {
		return &corerr.ValidationError{Subject: p.ID, Msg: "requirementIdPattern must contain {id}"}
	}
	return nil
}

func validStatus(s Status) bool {
	switch s {
	case StatusPlanning, StatusReady, StatusActive, StatusBlocked, StatusComplete, StatusSplit, StatusDeprecated:
		return true
	default:
		return false
	}
}

// IsSetParent reports whether this PRD is the parent of a PRD set (§3 PRD
// Set invariant: status=split with children referencing it).
func (p *PrdMetadata) IsSetParent() bool {
	return p.Status == StatusSplit
}
