// Package models defines the domain types for Recordbook.
package models

import (
	"strings"
	"time"
)

// Document is the parsed representation of one record file. It is rebuilt
// from text on every read and never mutated in place.
type Document struct {
	Frontmatter map[string]any `json:"frontmatter"`
	Blocks      []Block        `json:"blocks"`
	Links       []string       `json:"links,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Title       string         `json:"title,omitempty"`

	// Lines is the source text split on "\n". Joining it with "\n"
	// reproduces the original bytes.
	Lines []string `json:"-"`
	// BodyStart is the first line after the frontmatter section.
	BodyStart int `json:"-"`
}

// Block is one anchored unit of a document.
type Block struct {
	Level   int            `json:"level"`
	Heading string         `json:"heading"`
	Anchor  string         `json:"anchor"`
	Machine map[string]any `json:"machine"`
	Body    string         `json:"body"`

	// StartLine is the heading line; EndLine is exclusive and points at the
	// next anchored heading or len(Document.Lines).
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`

	Fence Fence `json:"-"`
}

// FenceState describes the structured data section of a block.
type FenceState int

const (
	// FenceAbsent means no data fence follows the heading.
	FenceAbsent FenceState = iota
	// FenceClosed means the fence opened and closed before the next block.
	FenceClosed
	// FenceUnclosed means the fence opened but never closed.
	FenceUnclosed
	// FenceMalformed means the fence closed but its content is not a mapping.
	FenceMalformed
)

// Fence records where a block's data fence sits. Open and Close are line
// indexes of the marker lines; Close is -1 unless State is FenceClosed or
// FenceMalformed.
type Fence struct {
	State FenceState
	Open  int
	Close int
}

// Editable reports whether the fence can be safely rewritten.
func (f Fence) Editable() bool {
	return f.State == FenceAbsent || f.State == FenceClosed
}

// Lookup returns every block carrying anchor, in document order.
func (d *Document) Lookup(anchor string) []*Block {
	var out []*Block
	for i := range d.Blocks {
		if d.Blocks[i].Anchor == anchor {
			out = append(out, &d.Blocks[i])
		}
	}
	return out
}

// Block returns the first block carrying anchor, or nil.
func (d *Document) Block(anchor string) *Block {
	for i := range d.Blocks {
		if d.Blocks[i].Anchor == anchor {
			return &d.Blocks[i]
		}
	}
	return nil
}

// Raw returns the exact source text of the block.
func (d *Document) Raw(b *Block) string {
	return strings.Join(d.Lines[b.StartLine:b.EndLine], "\n")
}

// Text reassembles the full source text.
func (d *Document) Text() string {
	return strings.Join(d.Lines, "\n")
}

// DocumentMetadata is a lightweight representation returned by list operations.
type DocumentMetadata struct {
	Path      string    `json:"path"`
	Checksum  string    `json:"checksum"`
	UpdatedAt time.Time `json:"updated_at"`
}
