package prdset

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devloopfleet/devloop/internal/prd"
)

func newMeta(id string, deps ...string) *prd.PrdMetadata {
	return &prd.PrdMetadata{
		ID:            id,
		Status:        prd.StatusReady,
		Relationships: prd.Relationships{DependsOn: deps},
	}
}

func TestOrchestrator_RunAllCompleteYieldsComplete(t *testing.T) {
	dir := t.TempDir()
	o := New(Paths{SetStateFile: filepath.Join(dir, "prd-set-state.json")}, 2, nil, nil)

	prds := []*prd.PrdMetadata{newMeta("prd-a"), newMeta("prd-b", "prd-a")}
	outcome, state, err := o.Run(context.Background(), "set-1", prds, func(ctx context.Context, m *prd.PrdMetadata) error {
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, SetComplete, outcome)
	assert.Equal(t, PrdStatusComplete, state["prd-a"].Status)
	assert.Equal(t, PrdStatusComplete, state["prd-b"].Status)
}

func TestOrchestrator_RunOneFailureYieldsBlockedOrFailed(t *testing.T) {
	dir := t.TempDir()
	o := New(Paths{SetStateFile: filepath.Join(dir, "prd-set-state.json")}, 2, nil, nil)

	prds := []*prd.PrdMetadata{newMeta("prd-a"), newMeta("prd-b")}
	outcome, state, err := o.Run(context.Background(), "set-1", prds, func(ctx context.Context, m *prd.PrdMetadata) error {
		if m.ID == "prd-b" {
			return errors.New("boom")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, SetBlocked, outcome)
	assert.Equal(t, PrdStatusComplete, state["prd-a"].Status)
	assert.Equal(t, PrdStatusFailed, state["prd-b"].Status)
}

func TestOrchestrator_CycleIsRejected(t *testing.T) {
	dir := t.TempDir()
	o := New(Paths{SetStateFile: filepath.Join(dir, "prd-set-state.json")}, 2, nil, nil)

	prds := []*prd.PrdMetadata{newMeta("prd-a", "prd-b"), newMeta("prd-b", "prd-a")}
	_, _, err := o.Run(context.Background(), "set-1", prds, func(ctx context.Context, m *prd.PrdMetadata) error {
		return nil
	})
	require.Error(t, err)
}

func TestOrchestrator_PrerequisiteFailureBlocksPrd(t *testing.T) {
	dir := t.TempDir()
	alwaysBlock := func(m *prd.PrdMetadata) error { return errors.New("prereq failed") }
	o := New(Paths{SetStateFile: filepath.Join(dir, "prd-set-state.json")}, 2, []Prerequisite{alwaysBlock}, nil)

	prds := []*prd.PrdMetadata{newMeta("prd-a")}
	outcome, state, err := o.Run(context.Background(), "set-1", prds, func(ctx context.Context, m *prd.PrdMetadata) error {
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, SetBlocked, outcome)
	assert.Equal(t, PrdStatusBlocked, state["prd-a"].Status)
}

func TestOrchestrator_StateRoundTripsThroughFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prd-set-state.json")
	o := New(Paths{SetStateFile: path}, 1, nil, nil)

	prds := []*prd.PrdMetadata{newMeta("prd-a")}
	_, _, err := o.Run(context.Background(), "set-1", prds, func(ctx context.Context, m *prd.PrdMetadata) error { return nil })
	require.NoError(t, err)

	reloaded, err := loadSetState(path)
	require.NoError(t, err)
	assert.Equal(t, PrdStatusComplete, reloaded["prd-a"].Status)
}
