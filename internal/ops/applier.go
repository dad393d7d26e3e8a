// Package ops applies typed operations to document text. Every operation
// re-parses the current text to find its target block and splices lines in
// place, so content outside the edited range keeps its exact bytes.
package ops

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/starford/recordbook/internal/codec"
	"github.com/starford/recordbook/internal/models"
	"github.com/starford/recordbook/internal/parser"
)

var (
	ErrAnchorNotFound = errors.New("anchor not found")
	ErrFenceMalformed = errors.New("data fence is unclosed or malformed")
	ErrInvalidPath    = errors.New("invalid field path")
	ErrInvalidAnchor  = errors.New("invalid anchor")
)

// Applier applies operations using one encoding configuration.
type Applier struct {
	codec codec.Config
	now   func() time.Time
}

// Option configures an Applier.
type Option func(*Applier)

// WithClock overrides the clock used for fallback event anchors.
func WithClock(now func() time.Time) Option {
	return func(a *Applier) {
		a.now = now
	}
}

// New creates an Applier that encodes machine mappings with cfg.
func New(cfg codec.Config, opts ...Option) *Applier {
	a := &Applier{codec: cfg, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply applies op to text. Operations that cannot be applied, such as
// those naming an unknown anchor, return text unchanged.
func (a *Applier) Apply(text string, op models.Operation) string {
	out, err := a.Try(text, op)
	if err != nil {
		return text
	}
	return out
}

// Try applies op to text and reports why it could not be applied. On error
// the returned text is the input.
func (a *Applier) Try(text string, op models.Operation) (string, error) {
	v := &applyVisitor{a: a, text: text}
	if err := op.Accept(v); err != nil {
		return text, fmt.Errorf("%s: %w", models.Describe(op), err)
	}
	return v.text, nil
}

// UpdateYAML sets a field in a block's machine mapping.
func (a *Applier) UpdateYAML(text string, op models.UpdateYAML) string {
	return a.Apply(text, op)
}

// InsertBlock inserts a new block after op.After.
func (a *Applier) InsertBlock(text string, op models.InsertBlock) string {
	return a.Apply(text, op)
}

// AppendEvent inserts a block built from an event payload after op.After.
func (a *Applier) AppendEvent(text string, op models.AppendEvent) string {
	return a.Apply(text, op)
}

// UpdateBody replaces a block's prose.
func (a *Applier) UpdateBody(text string, op models.UpdateBody) string {
	return a.Apply(text, op)
}

type applyVisitor struct {
	a    *Applier
	text string
}

func (v *applyVisitor) VisitUpdateYAML(op models.UpdateYAML) error {
	out, err := v.a.updateYAML(v.text, op)
	if err != nil {
		return err
	}
	v.text = out
	return nil
}

func (v *applyVisitor) VisitInsertBlock(op models.InsertBlock) error {
	out, err := v.a.insertBlock(v.text, op)
	if err != nil {
		return err
	}
	v.text = out
	return nil
}

func (v *applyVisitor) VisitAppendEvent(op models.AppendEvent) error {
	out, err := v.a.insertBlock(v.text, v.a.EventBlock(v.text, op))
	if err != nil {
		return err
	}
	v.text = out
	return nil
}

func (v *applyVisitor) VisitUpdateBody(op models.UpdateBody) error {
	out, err := v.a.updateBody(v.text, op)
	if err != nil {
		return err
	}
	v.text = out
	return nil
}

func (a *Applier) updateYAML(text string, op models.UpdateYAML) (string, error) {
	doc := parser.Parse(text)
	b := doc.Block(op.Anchor)
	if b == nil {
		return text, fmt.Errorf("%w: %s", ErrAnchorNotFound, op.Anchor)
	}
	steps, err := ParsePath(op.Path)
	if err != nil {
		return text, err
	}
	if !b.Fence.Editable() {
		return text, fmt.Errorf("%w: %s", ErrFenceMalformed, op.Anchor)
	}

	value, err := a.codec.Node(op.Value)
	if err != nil {
		return text, err
	}

	var out *yaml.Node
	if b.Fence.State == models.FenceClosed {
		var d yaml.Node
		content := strings.Join(doc.Lines[b.Fence.Open+1:b.Fence.Close], "\n")
		if err := yaml.Unmarshal([]byte(content), &d); err != nil {
			return text, fmt.Errorf("%w: %v", ErrFenceMalformed, err)
		}
		root := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		if d.Kind == yaml.DocumentNode && len(d.Content) == 1 && d.Content[0].Kind == yaml.MappingNode {
			root = d.Content[0]
			out = &d
		} else {
			out = root
		}
		setPath(root, steps, value)
	} else {
		out = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		setPath(out, steps, value)
	}

	fenced, err := a.codec.Fenced(out, parser.FenceOpen, parser.FenceClose)
	if err != nil {
		return text, err
	}
	if b.Fence.State == models.FenceClosed {
		return splice(doc.Lines, b.Fence.Open, b.Fence.Close+1, fenced), nil
	}
	return splice(doc.Lines, b.StartLine+1, b.StartLine+1, fenced), nil
}

func (a *Applier) insertBlock(text string, op models.InsertBlock) (string, error) {
	doc := parser.Parse(text)
	after := doc.Block(op.After)
	if after == nil {
		return text, fmt.Errorf("%w: %s", ErrAnchorNotFound, op.After)
	}
	nb := op.Block
	if !parser.ValidAnchor(nb.Anchor) {
		return text, fmt.Errorf("%w: %q", ErrInvalidAnchor, nb.Anchor)
	}
	if nb.Level == 0 {
		nb.Level = after.Level
	}
	rendered, err := a.RenderBlock(nb)
	if err != nil {
		return text, err
	}

	// Insert before the trailing blank lines of the preceding block so they
	// keep separating whatever follows.
	at := after.EndLine
	for at > after.StartLine+1 && isBlank(doc.Lines[at-1]) {
		at--
	}
	repl := append([]string{""}, rendered...)
	if at == after.EndLine && at < len(doc.Lines) {
		repl = append(repl, "")
	}
	return splice(doc.Lines, at, at, repl), nil
}

func (a *Applier) updateBody(text string, op models.UpdateBody) (string, error) {
	doc := parser.Parse(text)
	b := doc.Block(op.Anchor)
	if b == nil {
		return text, fmt.Errorf("%w: %s", ErrAnchorNotFound, op.Anchor)
	}
	if !b.Fence.Editable() {
		return text, fmt.Errorf("%w: %s", ErrFenceMalformed, op.Anchor)
	}
	from := b.StartLine + 1
	if b.Fence.State == models.FenceClosed {
		from = b.Fence.Close + 1
	}
	repl := []string{""}
	if body := bodyLines(op.Body); len(body) > 0 {
		repl = append(repl, body...)
		repl = append(repl, "")
	}
	return splice(doc.Lines, from, b.EndLine, repl), nil
}

// RenderBlock serializes a new block: heading, fenced machine mapping (when
// non-empty) and body.
func (a *Applier) RenderBlock(nb models.NewBlock) ([]string, error) {
	level := nb.Level
	if level == 0 {
		level = 2
	}
	out := []string{parser.FormatHeading(level, nb.Heading, nb.Anchor)}
	if len(nb.Machine) > 0 {
		fenced, err := a.codec.Fenced(nb.Machine, parser.FenceOpen, parser.FenceClose)
		if err != nil {
			return nil, err
		}
		out = append(out, fenced...)
	}
	if body := bodyLines(nb.Body); len(body) > 0 {
		out = append(out, "")
		out = append(out, body...)
	}
	return out, nil
}

// EventID returns the anchor an event's id maps to. ok is false when the
// event has no id usable as an anchor; such events get a generated one.
func EventID(event map[string]any) (anchor string, ok bool) {
	anchor = scalarString(event["id"])
	return anchor, parser.ValidAnchor(anchor)
}

// EventBlock derives the block an AppendEvent inserts into text. The anchor
// is the event id when usable, otherwise evt-<unix millis>, suffixed with a
// counter when text already has that anchor.
func (a *Applier) EventBlock(text string, op models.AppendEvent) models.InsertBlock {
	machine := make(map[string]any, len(op.Event))
	var body string
	for k, v := range op.Event {
		if k == "body" {
			body, _ = v.(string)
			continue
		}
		machine[k] = v
	}

	anchor, ok := EventID(op.Event)
	if !ok {
		anchor = a.freshAnchor(parser.Parse(text))
	}
	heading := scalarString(op.Event["title"])
	if heading == "" {
		heading = scalarString(op.Event["type"])
	}
	if heading == "" {
		heading = "Event"
	}
	return models.InsertBlock{
		After: op.After,
		Block: models.NewBlock{Heading: heading, Anchor: anchor, Machine: machine, Body: body},
	}
}

func (a *Applier) freshAnchor(doc *models.Document) string {
	base := "evt-" + strconv.FormatInt(a.now().UnixMilli(), 10)
	anchor := base
	for n := 2; len(doc.Lookup(anchor)) > 0; n++ {
		anchor = base + "-" + strconv.Itoa(n)
	}
	return anchor
}

func scalarString(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case int, int64, uint64:
		return fmt.Sprint(s)
	}
	return ""
}

func bodyLines(body string) []string {
	lines := strings.Split(body, "\n")
	from, to := 0, len(lines)
	for from < to && isBlank(lines[from]) {
		from++
	}
	for to > from && isBlank(lines[to-1]) {
		to--
	}
	return lines[from:to]
}

func isBlank(line string) bool {
	return strings.TrimSpace(line) == ""
}

func splice(lines []string, from, to int, repl []string) string {
	out := make([]string, 0, len(lines)-(to-from)+len(repl))
	out = append(out, lines[:from]...)
	out = append(out, repl...)
	out = append(out, lines[to:]...)
	return strings.Join(out, "\n")
}
