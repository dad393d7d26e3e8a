package ops

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sebdah/goldie/v2"

	"github.com/starford/recordbook/internal/codec"
	"github.com/starford/recordbook/internal/models"
	"github.com/starford/recordbook/internal/parser"
)

func newApplier() *Applier {
	return New(codec.Default(), WithClock(func() time.Time { return time.UnixMilli(1700000000000) }))
}

func ledger(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile("testdata/ledger.md")
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return string(data)
}

func machineOf(t *testing.T, text, anchor string) map[string]any {
	t.Helper()
	b := parser.Parse(text).Block(anchor)
	if b == nil {
		t.Fatalf("block %q missing after apply:\n%s", anchor, text)
	}
	return b.Machine
}

func TestUpdateYAML_FieldUpdate(t *testing.T) {
	in := "## Service {#svc-001}\n```yaml\nstatus: draft\n```\n\nBody.\n\n## Other {#other}\n```yaml\nstatus: draft\n```\n"
	out := newApplier().UpdateYAML(in, models.UpdateYAML{Anchor: "svc-001", Path: "status", Value: "active"})

	want := "## Service {#svc-001}\n```yaml\nstatus: active\n```\n\nBody.\n\n## Other {#other}\n```yaml\nstatus: draft\n```\n"
	if out != want {
		t.Errorf("output = %q, want %q", out, want)
	}

	before, after := parser.Parse(in), parser.Parse(out)
	if got, wantRaw := after.Raw(after.Block("other")), before.Raw(before.Block("other")); got != wantRaw {
		t.Errorf("untouched block changed: %q != %q", got, wantRaw)
	}
}

func TestUpdateYAML_NestedPath(t *testing.T) {
	in := "## Service {#svc}\n```yaml\nprice:\n  base: 0\n  unit: 项目\n```\n"
	out := newApplier().UpdateYAML(in, models.UpdateYAML{Anchor: "svc", Path: "price.base", Value: 50000})

	want := map[string]any{"price": map[string]any{"base": 50000, "unit": "项目"}}
	if diff := cmp.Diff(want, machineOf(t, out, "svc")); diff != "" {
		t.Errorf("machine mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateYAML_ArrayIndex(t *testing.T) {
	in := "## C {#c}\n```yaml\ncontacts:\n  - email: a@x.test\n```\n"
	out := newApplier().UpdateYAML(in, models.UpdateYAML{Anchor: "c", Path: "contacts[1].email", Value: "b@x.test"})

	want := map[string]any{"contacts": []any{
		map[string]any{"email": "a@x.test"},
		map[string]any{"email": "b@x.test"},
	}}
	if diff := cmp.Diff(want, machineOf(t, out, "c")); diff != "" {
		t.Errorf("machine mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateYAML_AutoVivify(t *testing.T) {
	in := "## C {#c}\n```yaml\nstatus: open\n```\n"
	out := newApplier().UpdateYAML(in, models.UpdateYAML{Anchor: "c", Path: "meta.tags[2]", Value: "x"})

	want := map[string]any{
		"status": "open",
		"meta":   map[string]any{"tags": []any{nil, nil, "x"}},
	}
	if diff := cmp.Diff(want, machineOf(t, out, "c")); diff != "" {
		t.Errorf("machine mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateYAML_FencelessBlockGetsFence(t *testing.T) {
	in := "## A {#a}\nprose\n"
	out := newApplier().UpdateYAML(in, models.UpdateYAML{Anchor: "a", Path: "status", Value: "x"})
	want := "## A {#a}\n```yaml\nstatus: x\n```\nprose\n"
	if out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestUpdateYAML_PreservesOrderAndComments(t *testing.T) {
	in := "## A {#a}\n```yaml\n# reviewed weekly\nstatus: draft\nowner: bob\n```\n"
	out := newApplier().UpdateYAML(in, models.UpdateYAML{Anchor: "a", Path: "status", Value: "active"})

	if !strings.Contains(out, "# reviewed weekly") {
		t.Errorf("head comment lost: %q", out)
	}
	if !strings.Contains(out, "status: active") {
		t.Errorf("value not updated: %q", out)
	}
	if strings.Index(out, "status:") > strings.Index(out, "owner:") {
		t.Errorf("key order changed: %q", out)
	}
}

func TestUpdateYAML_UnclosedFenceIsNoop(t *testing.T) {
	in := "## A {#a}\n```yaml\nstatus: draft\n"
	a := newApplier()
	op := models.UpdateYAML{Anchor: "a", Path: "status", Value: "x"}
	if out := a.UpdateYAML(in, op); out != in {
		t.Errorf("unclosed fence was rewritten: %q", out)
	}
	if _, err := a.Try(in, op); !errors.Is(err, ErrFenceMalformed) {
		t.Errorf("Try error = %v, want ErrFenceMalformed", err)
	}
}

func TestUpdateYAML_InvalidPath(t *testing.T) {
	in := "## A {#a}\n```yaml\nstatus: draft\n```\n"
	for _, path := range []string{"", "a..b", "a[x]", "[0]", "a[-1]"} {
		if _, err := newApplier().Try(in, models.UpdateYAML{Anchor: "a", Path: path, Value: 1}); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("path %q: err = %v, want ErrInvalidPath", path, err)
		}
	}
}

func TestMissingAnchorIsNoop(t *testing.T) {
	in := ledger(t)
	a := newApplier()
	cases := []models.Operation{
		models.UpdateYAML{Anchor: "nope", Path: "status", Value: "x"},
		models.InsertBlock{After: "nope", Block: models.NewBlock{Heading: "X", Anchor: "x"}},
		models.AppendEvent{After: "nope", Event: map[string]any{"id": "e1"}},
		models.UpdateBody{Anchor: "nope", Body: "new"},
	}
	for _, op := range cases {
		if out := a.Apply(in, op); out != in {
			t.Errorf("%s changed the text", op.Kind())
		}
		if _, err := a.Try(in, op); !errors.Is(err, ErrAnchorNotFound) {
			t.Errorf("%s: err = %v, want ErrAnchorNotFound", op.Kind(), err)
		}
	}
}

func TestInsertBlock_Golden(t *testing.T) {
	out := newApplier().InsertBlock(ledger(t), models.InsertBlock{
		After: "timeline",
		Block: models.NewBlock{
			Heading: "Kickoff meeting",
			Anchor:  "evt-001",
			Machine: map[string]any{"kind": "meeting", "owner": "alice"},
			Body:    "Met with Bob.",
		},
	})
	g := goldie.New(t)
	g.Assert(t, "insert_block", []byte(out))
}

func TestInsertBlock_AtDocumentEnd(t *testing.T) {
	out := newApplier().InsertBlock("## A {#a}\ntext\n", models.InsertBlock{
		After: "a",
		Block: models.NewBlock{Heading: "B", Anchor: "b"},
	})
	if want := "## A {#a}\ntext\n\n## B {#b}\n"; out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestInsertBlock_DirectlyBeforeNextHeading(t *testing.T) {
	out := newApplier().InsertBlock("## A {#a}\ntext\n## C {#c}\n", models.InsertBlock{
		After: "a",
		Block: models.NewBlock{Level: 3, Heading: "B", Anchor: "b", Body: "b body"},
	})
	if want := "## A {#a}\ntext\n\n### B {#b}\n\nb body\n\n## C {#c}\n"; out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestInsertBlock_InvalidAnchor(t *testing.T) {
	_, err := newApplier().Try("## A {#a}\n", models.InsertBlock{
		After: "a",
		Block: models.NewBlock{Heading: "B", Anchor: "has space"},
	})
	if !errors.Is(err, ErrInvalidAnchor) {
		t.Errorf("err = %v, want ErrInvalidAnchor", err)
	}
}

func TestAppendEvent_Golden(t *testing.T) {
	out := newApplier().AppendEvent(ledger(t), models.AppendEvent{
		After: "timeline",
		Event: map[string]any{"id": "evt-002", "title": "Invoice sent", "amount": 1200, "body": "Net 30."},
	})
	g := goldie.New(t)
	g.Assert(t, "append_event", []byte(out))
}

func TestAppendEvent_FallbackAnchor(t *testing.T) {
	out := newApplier().AppendEvent("## T {#t}\n", models.AppendEvent{
		After: "t",
		Event: map[string]any{"title": "Call"},
	})
	doc := parser.Parse(out)
	b := doc.Block("evt-1700000000000")
	if b == nil {
		t.Fatalf("fallback anchor missing:\n%s", out)
	}
	if b.Heading != "Call" || b.Level != 2 {
		t.Errorf("block = %+v", b)
	}
}

func TestAppendEvent_FallbackAnchorsStayUnique(t *testing.T) {
	a := newApplier()
	text := "## Log {#log}\n"
	for i := 0; i < 3; i++ {
		text = a.AppendEvent(text, models.AppendEvent{After: "log", Event: map[string]any{"type": "call"}})
	}

	var anchors []string
	for _, b := range parser.Parse(text).Blocks {
		anchors = append(anchors, b.Anchor)
	}
	want := []string{"log", "evt-1700000000000-3", "evt-1700000000000-2", "evt-1700000000000"}
	if diff := cmp.Diff(want, anchors); diff != "" {
		t.Errorf("anchors mismatch (-want +got):\n%s", diff)
	}
}

func TestEventID(t *testing.T) {
	tests := []struct {
		event  map[string]any
		anchor string
		ok     bool
	}{
		{map[string]any{"id": "ev-1"}, "ev-1", true},
		{map[string]any{"id": 42}, "42", true},
		{map[string]any{"id": " ev-2 "}, "ev-2", true},
		{map[string]any{"id": "has space"}, "has space", false},
		{map[string]any{"type": "call"}, "", false},
	}
	for _, tt := range tests {
		anchor, ok := EventID(tt.event)
		if anchor != tt.anchor || ok != tt.ok {
			t.Errorf("EventID(%v) = %q, %v, want %q, %v", tt.event, anchor, ok, tt.anchor, tt.ok)
		}
	}
}

func TestUpdateBody_Golden(t *testing.T) {
	out := newApplier().UpdateBody(ledger(t), models.UpdateBody{Anchor: "timeline", Body: "Two events so far.\n\nSee below.\n"})
	g := goldie.New(t)
	g.Assert(t, "update_body", []byte(out))
}

func TestUpdateBody_KeepsMachine(t *testing.T) {
	in := "## A {#a}\n```yaml\nstatus: open\n```\nold prose\n"
	out := newApplier().UpdateBody(in, models.UpdateBody{Anchor: "a", Body: "new prose"})
	if want := "## A {#a}\n```yaml\nstatus: open\n```\n\nnew prose\n"; out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestUpdateBody_Empty(t *testing.T) {
	in := "## A {#a}\nold\n\n## B {#b}\n"
	out := newApplier().UpdateBody(in, models.UpdateBody{Anchor: "a", Body: ""})
	if want := "## A {#a}\n\n## B {#b}\n"; out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestApplySequence(t *testing.T) {
	a := newApplier()
	text := ledger(t)
	for _, op := range []models.Operation{
		models.InsertBlock{After: "timeline", Block: models.NewBlock{Heading: "Kickoff", Anchor: "evt-1"}},
		models.UpdateYAML{Anchor: "evt-1", Path: "status", Value: "done"},
		models.UpdateYAML{Anchor: "acme", Path: "status", Value: "paused"},
	} {
		var err error
		if text, err = a.Try(text, op); err != nil {
			t.Fatalf("Try(%s): %v", models.Describe(op), err)
		}
	}
	if got := machineOf(t, text, "evt-1")["status"]; got != "done" {
		t.Errorf("evt-1 status = %v", got)
	}
	if got := machineOf(t, text, "acme")["status"]; got != "paused" {
		t.Errorf("acme status = %v", got)
	}
	if got := machineOf(t, text, "contacts"); len(got) != 1 {
		t.Errorf("contacts machine = %v", got)
	}
}
