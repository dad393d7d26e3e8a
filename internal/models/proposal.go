package models

import (
	"fmt"
	"math"
	"strings"
)

// Proposal is an ordered, all-or-nothing batch of operations against one file.
type Proposal struct {
	ID         string
	TargetFile string
	Ops        []Operation
	// Message is an optional note appended to the commit message.
	Message string
	// IfMatch, when set, is the checksum the target must still have when
	// execution starts.
	IfMatch string
}

// Summary describes each operation for commit messages, one line per op.
func (p Proposal) Summary() []string {
	out := make([]string, 0, len(p.Ops))
	for _, op := range p.Ops {
		out = append(out, Describe(op))
	}
	return out
}

// Describe renders a short human-readable description of op.
func Describe(op Operation) string {
	var d describer
	_ = op.Accept(&d)
	return d.text
}

type describer struct{ text string }

func (d *describer) VisitUpdateYAML(op UpdateYAML) error {
	d.text = fmt.Sprintf("update %s.%s", op.Anchor, op.Path)
	return nil
}

func (d *describer) VisitInsertBlock(op InsertBlock) error {
	d.text = fmt.Sprintf("insert block %s after %s", op.Block.Anchor, op.After)
	return nil
}

func (d *describer) VisitAppendEvent(op AppendEvent) error {
	d.text = fmt.Sprintf("append event after %s", op.After)
	return nil
}

func (d *describer) VisitUpdateBody(op UpdateBody) error {
	d.text = fmt.Sprintf("update body of %s", op.Anchor)
	return nil
}

// OperationSpec is the wire shape of an operation in JSON requests and YAML
// proposal files. Kind selects which of the remaining fields apply.
type OperationSpec struct {
	Kind   OperationKind  `json:"kind" yaml:"kind"`
	Anchor string         `json:"anchor,omitempty" yaml:"anchor,omitempty"`
	Path   string         `json:"path,omitempty" yaml:"path,omitempty"`
	Value  any            `json:"value,omitempty" yaml:"value,omitempty"`
	After  string         `json:"after,omitempty" yaml:"after,omitempty"`
	Block  *NewBlock      `json:"block,omitempty" yaml:"block,omitempty"`
	Event  map[string]any `json:"event,omitempty" yaml:"event,omitempty"`
	Body   string         `json:"body,omitempty" yaml:"body,omitempty"`
}

// ProposalSpec is the wire shape of a proposal.
type ProposalSpec struct {
	ID         string          `json:"id,omitempty" yaml:"id,omitempty"`
	TargetFile string          `json:"target_file" yaml:"target_file"`
	Ops        []OperationSpec `json:"ops" yaml:"ops"`
	Message    string          `json:"message,omitempty" yaml:"message,omitempty"`
	IfMatch    string          `json:"if_match,omitempty" yaml:"if_match,omitempty"`
}

// Operation converts the wire form into its typed operation.
func (s OperationSpec) Operation() (Operation, error) {
	switch s.Kind {
	case KindUpdateYAML:
		return UpdateYAML{Anchor: s.Anchor, Path: s.Path, Value: Normalize(s.Value)}, nil
	case KindInsertBlock:
		if s.Block == nil {
			return nil, fmt.Errorf("insert_block: block is required")
		}
		nb := *s.Block
		if nb.Machine != nil {
			nb.Machine, _ = Normalize(nb.Machine).(map[string]any)
		}
		return InsertBlock{After: s.After, Block: nb}, nil
	case KindAppendEvent:
		ev, _ := Normalize(s.Event).(map[string]any)
		return AppendEvent{After: s.After, Event: ev}, nil
	case KindUpdateBody:
		return UpdateBody{Anchor: s.Anchor, Body: s.Body}, nil
	case "":
		return nil, fmt.Errorf("operation kind is required")
	}
	return nil, fmt.Errorf("unknown operation kind %q", s.Kind)
}

// Proposal converts the wire form into a typed Proposal. Every malformed
// operation is reported, not just the first.
func (s ProposalSpec) Proposal() (Proposal, error) {
	p := Proposal{ID: s.ID, TargetFile: s.TargetFile, Message: s.Message, IfMatch: s.IfMatch, Ops: make([]Operation, 0, len(s.Ops))}
	var problems []string
	for i, spec := range s.Ops {
		op, err := spec.Operation()
		if err != nil {
			problems = append(problems, fmt.Sprintf("ops[%d]: %v", i, err))
			continue
		}
		p.Ops = append(p.Ops, op)
	}
	if len(problems) > 0 {
		return Proposal{}, fmt.Errorf("decode proposal: %s", strings.Join(problems, "; "))
	}
	return p, nil
}

// Normalize turns integral float64 values (as produced by encoding/json)
// into int64 so they are written back as integers, recursing into maps and
// slices.
func Normalize(v any) any {
	switch t := v.(type) {
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
		return t
	case map[string]any:
		if t == nil {
			return t
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Normalize(val)
		}
		return out
	}
	return v
}
