// Package validate checks a proposal against the current document before any
// mutation is attempted. Every operation is checked and all problems are
// reported together.
package validate

import (
	"errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/recordbook/internal/apperr"
	"github.com/starford/recordbook/internal/models"
	"github.com/starford/recordbook/internal/ops"
	"github.com/starford/recordbook/internal/parser"
)

// ProposalIndex marks an issue that concerns the proposal as a whole.
const ProposalIndex = -1

// Issue is one structural problem, tied to the operation at Index.
type Issue struct {
	Index   int                  `json:"index"`
	Kind    models.OperationKind `json:"kind,omitempty"`
	Anchor  string               `json:"anchor,omitempty"`
	Message string               `json:"message"`
}

func (i Issue) String() string {
	if i.Index == ProposalIndex {
		return i.Message
	}
	return fmt.Sprintf("ops[%d] %s: %s", i.Index, i.Kind, i.Message)
}

// Result is the outcome of validating a proposal.
type Result struct {
	Valid  bool    `json:"valid"`
	Errors []Issue `json:"errors"`
}

// Err returns nil for a valid result, otherwise an *Error.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &Error{Issues: r.Errors}
}

// Error carries the issues of an invalid proposal.
type Error struct {
	Issues []Issue
}

func (e *Error) Error() string {
	parts := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		parts[i] = is.String()
	}
	return "invalid proposal: " + strings.Join(parts, "; ")
}

// Is makes errors.Is(err, apperr.ErrInvalid) hold.
func (e *Error) Is(target error) bool {
	return target == apperr.ErrInvalid
}

// Issues extracts the issue list from err, if it carries one.
func Issues(err error) []Issue {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Issues
	}
	return nil
}

// Validate checks p against doc. Anchors introduced by earlier insertions in
// the same proposal are visible to later operations. An anchor that matches
// more than one block is rejected rather than silently resolved.
func Validate(doc *models.Document, p models.Proposal) Result {
	c := &checker{doc: doc, known: make(map[string]int)}
	for _, b := range doc.Blocks {
		c.known[b.Anchor]++
	}

	if err := validation.ValidateStruct(&p,
		validation.Field(&p.TargetFile, validation.Required.Error("target file is required")),
		validation.Field(&p.Ops, validation.Required.Error("proposal has no operations")),
	); err != nil {
		c.issues = append(c.issues, Issue{Index: ProposalIndex, Message: flatten(err)})
	}

	for i, op := range p.Ops {
		c.problems = c.problems[:0]
		_ = op.Accept(c)
		if len(c.problems) > 0 {
			c.issues = append(c.issues, Issue{
				Index:   i,
				Kind:    op.Kind(),
				Anchor:  models.Target(op),
				Message: strings.Join(c.problems, "; "),
			})
		}
	}

	return Result{Valid: len(c.issues) == 0, Errors: nonNil(c.issues)}
}

type checker struct {
	doc      *models.Document
	known    map[string]int
	issues   []Issue
	problems []string
}

func (c *checker) VisitUpdateYAML(op models.UpdateYAML) error {
	c.shape(validation.ValidateStruct(&op,
		validation.Field(&op.Anchor, validation.Required),
		validation.Field(&op.Path, validation.Required, validation.By(pathRule)),
	))
	c.resolve(op.Anchor, true)
	return nil
}

func (c *checker) VisitInsertBlock(op models.InsertBlock) error {
	c.shape(validation.ValidateStruct(&op,
		validation.Field(&op.After, validation.Required),
	))
	c.resolve(op.After, false)
	c.introduce(op.Block)
	return nil
}

func (c *checker) VisitAppendEvent(op models.AppendEvent) error {
	c.shape(validation.ValidateStruct(&op,
		validation.Field(&op.After, validation.Required),
		validation.Field(&op.Event, validation.Required.Error("event payload is required")),
	))
	c.resolve(op.After, false)
	if id, ok := ops.EventID(op.Event); ok {
		c.introduce(models.NewBlock{Anchor: id})
	}
	return nil
}

func (c *checker) VisitUpdateBody(op models.UpdateBody) error {
	c.shape(validation.ValidateStruct(&op,
		validation.Field(&op.Anchor, validation.Required),
	))
	c.resolve(op.Anchor, true)
	return nil
}

// resolve checks that anchor names exactly one block. editable additionally
// requires the block's data fence to be rewritable.
func (c *checker) resolve(anchor string, editable bool) {
	if anchor == "" {
		return
	}
	switch n := c.known[anchor]; {
	case n == 0:
		c.problems = append(c.problems, fmt.Sprintf("anchor %q not found", anchor))
		return
	case n > 1:
		c.problems = append(c.problems, fmt.Sprintf("anchor %q is ambiguous (%d blocks)", anchor, n))
		return
	}
	if !editable {
		return
	}
	// Blocks inserted earlier in this proposal are not in the snapshot and
	// always have well-formed fences.
	if b := c.doc.Block(anchor); b != nil && !b.Fence.Editable() {
		c.problems = append(c.problems, fmt.Sprintf("block %q has an unclosed or malformed data fence", anchor))
	}
}

func (c *checker) introduce(nb models.NewBlock) {
	err := validation.ValidateStruct(&nb,
		validation.Field(&nb.Anchor, validation.Required, validation.By(anchorRule)),
		validation.Field(&nb.Level, validation.Min(0), validation.Max(6)),
	)
	if err != nil {
		c.problems = append(c.problems, "block: "+flatten(err))
		return
	}
	if c.known[nb.Anchor] > 0 {
		c.problems = append(c.problems, fmt.Sprintf("anchor %q already exists", nb.Anchor))
	}
	c.known[nb.Anchor]++
}

func (c *checker) shape(err error) {
	if err != nil {
		c.problems = append(c.problems, flatten(err))
	}
}

func pathRule(v any) error {
	s, _ := v.(string)
	if s == "" {
		return nil
	}
	if _, err := ops.ParsePath(s); err != nil {
		return errors.New("must be a dot-separated path with optional [index] suffixes")
	}
	return nil
}

func anchorRule(v any) error {
	s, _ := v.(string)
	if s != "" && !parser.ValidAnchor(s) {
		return errors.New("may only contain letters, digits, '-' and '_'")
	}
	return nil
}

// flatten renders ozzo field errors in a stable order.
func flatten(err error) string {
	var fields validation.Errors
	if !errors.As(err, &fields) {
		return err.Error()
	}
	return fields.Error()
}

func nonNil(s []Issue) []Issue {
	if s == nil {
		return []Issue{}
	}
	return s
}
