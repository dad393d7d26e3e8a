package models

// OperationKind names an operation on the wire and in commit messages.
type OperationKind string

const (
	KindUpdateYAML  OperationKind = "update_yaml"
	KindInsertBlock OperationKind = "insert_block"
	KindAppendEvent OperationKind = "append_event"
	KindUpdateBody  OperationKind = "update_body"
)

// Operation is one typed edit intent. The set of implementations is closed:
// the unexported method keeps other packages from adding kinds, and Accept
// forces every OperationVisitor to handle each kind. Adding a kind means
// adding a method to OperationVisitor, which breaks the build of every
// visitor until it is handled.
type Operation interface {
	Kind() OperationKind
	Accept(v OperationVisitor) error
	sealed()
}

// OperationVisitor handles each operation kind.
type OperationVisitor interface {
	VisitUpdateYAML(op UpdateYAML) error
	VisitInsertBlock(op InsertBlock) error
	VisitAppendEvent(op AppendEvent) error
	VisitUpdateBody(op UpdateBody) error
}

// UpdateYAML sets a field inside a block's machine mapping. Path is
// dot-separated and segments may carry [index] suffixes.
type UpdateYAML struct {
	Anchor string
	Path   string
	Value  any
}

// InsertBlock inserts Block immediately after the block anchored at After.
type InsertBlock struct {
	After string
	Block NewBlock
}

// AppendEvent inserts a block synthesized from Event after the block
// anchored at After.
type AppendEvent struct {
	After string
	Event map[string]any
}

// UpdateBody replaces a block's prose, leaving its machine mapping alone.
type UpdateBody struct {
	Anchor string
	Body   string
}

// NewBlock is the content of a block to be inserted. A zero Level means
// "same level as the block it follows".
type NewBlock struct {
	Level   int            `json:"level,omitempty" yaml:"level,omitempty"`
	Heading string         `json:"heading" yaml:"heading"`
	Anchor  string         `json:"anchor" yaml:"anchor"`
	Machine map[string]any `json:"machine,omitempty" yaml:"machine,omitempty"`
	Body    string         `json:"body,omitempty" yaml:"body,omitempty"`
}

func (UpdateYAML) Kind() OperationKind  { return KindUpdateYAML }
func (InsertBlock) Kind() OperationKind { return KindInsertBlock }
func (AppendEvent) Kind() OperationKind { return KindAppendEvent }
func (UpdateBody) Kind() OperationKind  { return KindUpdateBody }

func (op UpdateYAML) Accept(v OperationVisitor) error  { return v.VisitUpdateYAML(op) }
func (op InsertBlock) Accept(v OperationVisitor) error { return v.VisitInsertBlock(op) }
func (op AppendEvent) Accept(v OperationVisitor) error { return v.VisitAppendEvent(op) }
func (op UpdateBody) Accept(v OperationVisitor) error  { return v.VisitUpdateBody(op) }

func (UpdateYAML) sealed()  {}
func (InsertBlock) sealed() {}
func (AppendEvent) sealed() {}
func (UpdateBody) sealed()  {}

// Target returns the anchor an operation addresses: the edited block for
// updates, the preceding block for insertions.
func Target(op Operation) string {
	var t targetVisitor
	_ = op.Accept(&t)
	return t.anchor
}

type targetVisitor struct{ anchor string }

func (t *targetVisitor) VisitUpdateYAML(op UpdateYAML) error {
	t.anchor = op.Anchor
	return nil
}

func (t *targetVisitor) VisitInsertBlock(op InsertBlock) error {
	t.anchor = op.After
	return nil
}

func (t *targetVisitor) VisitAppendEvent(op AppendEvent) error {
	t.anchor = op.After
	return nil
}

func (t *targetVisitor) VisitUpdateBody(op UpdateBody) error {
	t.anchor = op.Anchor
	return nil
}

