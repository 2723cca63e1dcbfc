// Package applyprimitive implements the filesystem-apply step of the
// Workflow Step Graph: turning a CodeChanges payload into actual file
// writes, with byte-exact search/replace patching and predictive
// target-module boundary enforcement.
package applyprimitive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/devloopfleet/devloop/internal/corerr"
	"github.com/devloopfleet/devloop/internal/workflow"
)

// Applier applies a CodeChanges payload to the filesystem rooted at a work
// directory.
type Applier struct {
	WorkDir string
}

// New constructs an Applier rooted at workDir.
func New(workDir string) *Applier {
	return &Applier{WorkDir: workDir}
}

// Apply applies every FileChange in order, stopping at the first error.
// When targetModule is non-empty, any change outside that module's
// directory is rejected as a boundary violation rather than applied.
// Satisfies workflow.Applier.
func (a *Applier) Apply(changes *workflow.CodeChanges, targetModule string) ([]workflow.AppliedFile, []string, error) {
	var applied []workflow.AppliedFile
	var violations []string

	for _, fc := range changes.Files {
		if targetModule != "" && !withinModule(fc.Path, targetModule) {
			violations = append(violations, fc.Path)
			continue
		}

		if err := a.applyOne(fc); err != nil {
			return applied, violations, err
		}
		applied = append(applied, workflow.AppliedFile{Path: fc.Path, Op: fc.Op})
	}

	return applied, violations, nil
}

// withinModule reports whether path is lexically contained within the
// targetModule directory. This is a predictive filter, applied before any
// write happens, not a sandbox enforced at the OS level.
func withinModule(path, targetModule string) bool {
	clean := filepath.Clean(path)
	mod := filepath.Clean(targetModule)
	if clean == mod {
		return true
	}
	return strings.HasPrefix(clean, mod+string(filepath.Separator))
}

func (a *Applier) applyOne(fc workflow.FileChange) error {
	fullPath := filepath.Join(a.WorkDir, fc.Path)

	switch fc.Op {
	case workflow.FileOpCreate, workflow.FileOpUpdate, "":
		if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
			return &corerr.ApplyError{Path: fc.Path, Op: string(fc.Op), Msg: err.Error()}
		}
		if err := os.WriteFile(fullPath, []byte(fc.Content), 0644); err != nil {
			return &corerr.ApplyError{Path: fc.Path, Op: string(fc.Op), Msg: err.Error()}
		}
		return nil

	case workflow.FileOpDelete:
		if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
			return &corerr.ApplyError{Path: fc.Path, Op: string(fc.Op), Msg: err.Error()}
		}
		return nil

	case workflow.FileOpPatch:
		return a.applyPatch(fullPath, fc)

	default:
		return &corerr.ApplyError{Path: fc.Path, Op: string(fc.Op), Msg: fmt.Sprintf("unknown file op %q", fc.Op)}
	}
}

// applyPatch performs a byte-exact, single-occurrence search/replace. Per
// the PATCH_FAILED semantics: zero matches or more than one match is a
// hard failure, never a best-effort guess.
func (a *Applier) applyPatch(fullPath string, fc workflow.FileChange) error {
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return &corerr.ApplyError{Path: fc.Path, Op: "patch", Msg: fmt.Sprintf("PATCH_FAILED: %v", err)}
	}

	content := string(data)
	count := strings.Count(content, fc.Search)
	switch count {
	case 0:
		return &corerr.ApplyError{Path: fc.Path, Op: "patch", Msg: "PATCH_FAILED: search string not found"}
	case 1:
		updated := strings.Replace(content, fc.Search, fc.Replace, 1)
		if err := os.WriteFile(fullPath, []byte(updated), 0644); err != nil {
			return &corerr.ApplyError{Path: fc.Path, Op: "patch", Msg: err.Error()}
		}
		return nil
	default:
		return &corerr.ApplyError{Path: fc.Path, Op: "patch", Msg: fmt.Sprintf("PATCH_FAILED: search string matched %d times, expected exactly 1", count)}
	}
}
