// Package fsm answers whether a record may move between workflow states.
// Lookups are pure: a definition is passed in on every call and nothing is
// cached between calls.
package fsm

import (
	"errors"
	"fmt"
	"sort"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Transition is one legal event out of a state.
type Transition struct {
	Event  string `json:"event" yaml:"event"`
	Target string `json:"target" yaml:"target"`
}

// State lists the events legal from it, in declaration order.
type State struct {
	Transitions []Transition `json:"transitions" yaml:"transitions"`
}

// Definition is the transition table of one record category.
type Definition struct {
	Name    string           `json:"name" yaml:"name"`
	Initial string           `json:"initial,omitempty" yaml:"initial,omitempty"`
	States  map[string]State `json:"states" yaml:"states"`
}

// CanTransition reports whether event is legal from current. Unknown states
// and events are simply not legal.
func CanTransition(def Definition, current, event string) bool {
	_, ok := NextState(def, current, event)
	return ok
}

// NextState returns the target of the first transition from current that
// matches event.
func NextState(def Definition, current, event string) (string, bool) {
	st, ok := def.States[current]
	if !ok {
		return "", false
	}
	for _, t := range st.Transitions {
		if t.Event == event {
			return t.Target, true
		}
	}
	return "", false
}

// AllowedEvents lists the events legal from current, in declaration order.
// An unknown state yields an empty list.
func AllowedEvents(def Definition, current string) []string {
	st := def.States[current]
	out := make([]string, 0, len(st.Transitions))
	seen := make(map[string]bool, len(st.Transitions))
	for _, t := range st.Transitions {
		if seen[t.Event] {
			continue
		}
		seen[t.Event] = true
		out = append(out, t.Event)
	}
	return out
}

// Validate checks that the definition is well formed: it has a name and at
// least one state, every transition names an event and a target, and every
// target is itself a declared state.
func (d Definition) Validate() error {
	if err := validation.ValidateStruct(&d,
		validation.Field(&d.Name, validation.Required),
		validation.Field(&d.States, validation.Required),
	); err != nil {
		return err
	}
	if d.Initial != "" {
		if _, ok := d.States[d.Initial]; !ok {
			return fmt.Errorf("initial state %q is not declared", d.Initial)
		}
	}

	names := make([]string, 0, len(d.States))
	for name := range d.States {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		for i, t := range d.States[name].Transitions {
			if err := validation.ValidateStruct(&t,
				validation.Field(&t.Event, validation.Required),
				validation.Field(&t.Target, validation.Required),
			); err != nil {
				errs = append(errs, fmt.Errorf("state %q transition %d: %w", name, i, err))
				continue
			}
			if _, ok := d.States[t.Target]; !ok {
				errs = append(errs, fmt.Errorf("state %q event %q: unknown target %q", name, t.Event, t.Target))
			}
		}
	}
	return errors.Join(errs...)
}
