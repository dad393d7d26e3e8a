package docservice

import (
	"context"
	"fmt"
	"strings"

	"github.com/starford/recordbook/internal/apperr"
	"github.com/starford/recordbook/internal/checksum"
	"github.com/starford/recordbook/internal/executor"
	"github.com/starford/recordbook/internal/fsm"
	"github.com/starford/recordbook/internal/models"
	"github.com/starford/recordbook/internal/parser"
)

// DefaultStateField is the machine-mapping key holding a record's state.
const DefaultStateField = "status"

// TransitionRequest asks to fire Event on the block at Path#Anchor using the
// named state machine.
type TransitionRequest struct {
	Path    string `json:"path"`
	Anchor  string `json:"anchor"`
	Machine string `json:"machine"`
	Event   string `json:"event"`
	// Field defaults to DefaultStateField.
	Field string `json:"field,omitempty"`
}

// TransitionResult reports a fired transition.
type TransitionResult struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Event  string          `json:"event"`
	Result executor.Result `json:"result"`
}

// StateView is the current state of a block and the events legal from it.
type StateView struct {
	Machine string   `json:"machine"`
	State   string   `json:"state"`
	Allowed []string `json:"allowed"`
}

// IllegalTransitionError reports an event that is not legal from the block's
// current state.
type IllegalTransitionError struct {
	Machine string
	State   string
	Event   string
	Allowed []string
}

func (e *IllegalTransitionError) Error() string {
	allowed := "none"
	if len(e.Allowed) > 0 {
		allowed = strings.Join(e.Allowed, ", ")
	}
	return fmt.Sprintf("%s: event %q is not allowed from state %q (allowed: %s)", e.Machine, e.Event, e.State, allowed)
}

func (e *IllegalTransitionError) Is(target error) bool {
	return target == apperr.ErrIllegalTransition
}

// Machines lists the available state machine names.
func (s *Service) Machines(_ context.Context) ([]string, error) {
	return s.machines.Names()
}

// Machine loads one state machine definition.
func (s *Service) Machine(_ context.Context, name string) (fsm.Definition, error) {
	return s.machines.Load(name)
}

// State reports where a block sits in the named machine.
func (s *Service) State(_ context.Context, path, anchor, machine, field string) (*StateView, error) {
	def, err := s.machines.Load(machine)
	if err != nil {
		return nil, err
	}
	current, _, err := s.currentState(path, anchor, field, def)
	if err != nil {
		return nil, err
	}
	return &StateView{Machine: def.Name, State: current, Allowed: fsm.AllowedEvents(def, current)}, nil
}

// Transition checks the event against the machine and, when legal, commits
// the new state through the executor as an update_yaml on the state field.
// The definition is loaded fresh on every call.
func (s *Service) Transition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	field := req.Field
	if field == "" {
		field = DefaultStateField
	}
	def, err := s.machines.Load(req.Machine)
	if err != nil {
		return nil, err
	}
	current, token, err := s.currentState(req.Path, req.Anchor, field, def)
	if err != nil {
		return nil, err
	}

	next, ok := fsm.NextState(def, current, req.Event)
	if !ok {
		return nil, &IllegalTransitionError{
			Machine: def.Name,
			State:   current,
			Event:   req.Event,
			Allowed: fsm.AllowedEvents(def, current),
		}
	}

	res, err := s.Execute(ctx, models.Proposal{
		TargetFile: req.Path,
		Ops:        []models.Operation{models.UpdateYAML{Anchor: req.Anchor, Path: field, Value: next}},
		Message:    fmt.Sprintf("%s: %s (%s -> %s)", def.Name, req.Event, current, next),
		IfMatch:    token,
	})
	if err != nil {
		return nil, err
	}
	return &TransitionResult{From: current, To: next, Event: req.Event, Result: res}, nil
}

// currentState reads field from the block's machine mapping, along with the
// checksum of the bytes it was read from. A block with no state yet is in the
// definition's initial state.
func (s *Service) currentState(path, anchor, field string, def fsm.Definition) (state, token string, err error) {
	_, data, err := s.read(path)
	if err != nil {
		return "", "", err
	}
	token = checksum.Sum(data)
	doc := parser.Parse(string(data))
	if n := len(doc.Lookup(anchor)); n == 0 {
		return "", "", fmt.Errorf("block %q: %w", anchor, apperr.ErrNotFound)
	} else if n > 1 {
		return "", "", fmt.Errorf("block %q is ambiguous (%d blocks): %w", anchor, n, apperr.ErrInvalid)
	}
	b := doc.Block(anchor)
	if v, ok := b.Machine[field]; ok && v != nil {
		return fmt.Sprint(v), token, nil
	}
	return def.Initial, token, nil
}
