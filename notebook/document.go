// Package notebook models the cell-based document a host editor exposes and
// derives bounded completion context from cursor positions inside it.
package notebook

import (
	"encoding/json"
	"strings"

	nbi "github.com/datalayer-externals/notebook-intelligence"
)

// Document is the capability interface a host document type implements.
// The document is owned and mutated exclusively by the host editor; this
// package only reads it.
type Document interface {
	// Cells returns the ordered cell sequence.
	Cells() []nbi.Cell
	// ActiveIndex returns the index of the active cell, or -1 when no cell
	// is active.
	ActiveIndex() int
	// CursorOffset returns the cursor byte offset within the active cell's
	// source. Meaningless when ActiveIndex is -1.
	CursorOffset() int
}

// Snapshot is an immutable Document captured from a single wire request.
type Snapshot struct {
	cells  []nbi.Cell
	active int
	cursor int
}

// NewSnapshot builds a Snapshot, normalizing out-of-range values: an active
// index outside the cell list becomes -1, and the cursor offset is clamped
// to the active cell's source length.
func NewSnapshot(cells []nbi.Cell, active, cursor int) Snapshot {
	if active < 0 || active >= len(cells) {
		active = -1
	}
	if active == -1 {
		cursor = 0
	} else {
		if cursor < 0 {
			cursor = 0
		}
		if n := len(cells[active].Source); cursor > n {
			cursor = n
		}
	}
	return Snapshot{cells: cells, active: active, cursor: cursor}
}

// FromRequest captures the document carried by a completion request.
// Trailing newline terminators appended by line-based clients are stripped
// from the active cell's source before clamping.
func FromRequest(req *nbi.Request) Snapshot {
	cells := req.Cells
	if req.ActiveCell >= 0 && req.ActiveCell < len(cells) {
		trimmed := strings.TrimRight(cells[req.ActiveCell].Source, "\n")
		if len(trimmed) != len(cells[req.ActiveCell].Source) {
			cells = append([]nbi.Cell(nil), req.Cells...)
			cells[req.ActiveCell].Source = trimmed
		}
	}
	return NewSnapshot(cells, req.ActiveCell, req.CursorPos)
}

func (s Snapshot) Cells() []nbi.Cell { return s.cells }
func (s Snapshot) ActiveIndex() int  { return s.active }
func (s Snapshot) CursorOffset() int { return s.cursor }

// ActiveCell returns the active cell, if any.
func ActiveCell(doc Document) (nbi.Cell, bool) {
	i := doc.ActiveIndex()
	cells := doc.Cells()
	if i < 0 || i >= len(cells) {
		return nbi.Cell{}, false
	}
	return cells[i], true
}

// FlattenOutputs serializes each output item to JSON and concatenates them
// in execution order, one item per line.
func FlattenOutputs(items []nbi.OutputItem) string {
	var sb strings.Builder
	for _, item := range items {
		data, err := json.Marshal(item.Data)
		if err != nil {
			continue
		}
		sb.Write(data)
		sb.WriteString("\n")
	}
	return strings.TrimSuffix(sb.String(), "\n")
}
