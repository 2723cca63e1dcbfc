package corerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorTypes_WrapSentinels(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"config", &ConfigError{Field: "loop.max_iterations", Msg: "must be positive"}, ErrConfig},
		{"agent", &AgentError{Command: "claude", Msg: "exit status 1"}, ErrAgent},
		{"parse", &ParseError{Reason: JSONUnparseable, Msg: "no JSON found"}, ErrParse},
		{"validation", &ValidationError{Subject: "task-1", Msg: "missing title"}, ErrValidation},
		{"apply", &ApplyError{Path: "main.go", Op: "patch", Msg: "anchor not unique"}, ErrApply},
		{"test", &TestError{Command: []string{"go", "test"}, Msg: "FAIL"}, ErrTest},
		{"dependency", &DependencyError{Subject: "prd-a", Msg: "cycle detected"}, ErrDependency},
		{"io", &IOError{Path: "tasks.json", Msg: "permission denied"}, ErrIO},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, errors.Is(tc.err, tc.sentinel))
			assert.NotEmpty(t, tc.err.Error())
		})
	}
}

func TestParseError_ReasonInMessage(t *testing.T) {
	err := &ParseError{Reason: JSONUnparseable, Msg: "exhausted extraction ladder"}
	assert.Contains(t, err.Error(), string(JSONUnparseable))
}
