package fsm

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/recordbook/internal/apperr"
)

func taskMachine() Definition {
	return Definition{
		Name: "task",
		States: map[string]State{
			"pending":     {Transitions: []Transition{{Event: "start", Target: "in_progress"}}},
			"in_progress": {Transitions: []Transition{{Event: "finish", Target: "done"}, {Event: "cancel", Target: "pending"}}},
			"done":        {},
		},
	}
}

func TestIllegalTransition(t *testing.T) {
	def := taskMachine()

	assert.False(t, CanTransition(def, "pending", "finish"))
	assert.True(t, CanTransition(def, "pending", "start"))

	next, ok := NextState(def, "pending", "start")
	require.True(t, ok)
	assert.Equal(t, "in_progress", next)
}

func TestLookupIsExhaustive(t *testing.T) {
	def := taskMachine()
	events := []string{"start", "finish", "cancel", "bogus"}

	for state, st := range def.States {
		declared := map[string]string{}
		for _, tr := range st.Transitions {
			declared[tr.Event] = tr.Target
		}
		for _, ev := range events {
			next, ok := NextState(def, state, ev)
			want, present := declared[ev]
			assert.Equal(t, present, ok, "state %s event %s", state, ev)
			assert.Equal(t, present, CanTransition(def, state, ev), "state %s event %s", state, ev)
			if present {
				assert.Equal(t, want, next, "state %s event %s", state, ev)
			}
		}
	}
}

func TestUnknownStateIsNotLegal(t *testing.T) {
	def := taskMachine()
	assert.False(t, CanTransition(def, "archived", "start"))
	_, ok := NextState(Definition{}, "pending", "start")
	assert.False(t, ok)
}

func TestAllowedEvents(t *testing.T) {
	def := taskMachine()
	assert.Equal(t, []string{"finish", "cancel"}, AllowedEvents(def, "in_progress"))
	assert.Empty(t, AllowedEvents(def, "done"))
	assert.NotNil(t, AllowedEvents(def, "nowhere"))
}

func TestValidate(t *testing.T) {
	require.NoError(t, taskMachine().Validate())

	bad := taskMachine()
	bad.States["done"] = State{Transitions: []Transition{{Event: "reopen", Target: "limbo"}}}
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown target "limbo"`)

	assert.Error(t, Definition{Name: "empty"}.Validate())
	assert.Error(t, Definition{States: taskMachine().States}.Validate())

	noEvent := taskMachine()
	noEvent.States["done"] = State{Transitions: []Transition{{Target: "pending"}}}
	assert.Error(t, noEvent.Validate())

	badInitial := taskMachine()
	badInitial.Initial = "limbo"
	assert.Error(t, badInitial.Validate())
}

func TestCatalog_LoadsEveryCall(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task.yaml")
	write := func(body string) {
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}

	write("states:\n  pending:\n    transitions:\n      - event: start\n        target: in_progress\n  in_progress:\n    transitions: []\n")
	cat := NewCatalog(dir)

	def, err := cat.Load("task")
	require.NoError(t, err)
	assert.Equal(t, "task", def.Name)
	assert.True(t, CanTransition(def, "pending", "start"))

	write("states:\n  pending:\n    transitions:\n      - event: begin\n        target: in_progress\n  in_progress:\n    transitions: []\n")
	def, err = cat.Load("task")
	require.NoError(t, err)
	assert.False(t, CanTransition(def, "pending", "start"))
	assert.True(t, CanTransition(def, "pending", "begin"))

	names, err := cat.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"task"}, names)
}

func TestCatalog_Errors(t *testing.T) {
	dir := t.TempDir()
	cat := NewCatalog(dir)

	_, err := cat.Load("missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	_, err = cat.Load("../etc/passwd")
	assert.True(t, errors.Is(err, apperr.ErrInvalid))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("states:\n  a:\n    transitions:\n      - event: go\n        target: b\n"), 0o644))
	_, err = cat.Load("bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown target "b"`)
}

func TestCatalog_ShippedMachines(t *testing.T) {
	cat := NewCatalog(filepath.Join("..", "..", "machines"))
	names, err := cat.Names()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	for _, n := range names {
		_, err := cat.Load(n)
		assert.NoError(t, err, n)
	}
}
