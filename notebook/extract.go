package notebook

import (
	"strings"

	nbi "github.com/datalayer-externals/notebook-intelligence"
)

// Extract walks the document's cells relative to the active cell and cursor
// offset and produces the bounded (prefix, suffix) pair sent with a
// completion request. Code cells before the active cell contribute their
// source plus a newline to the prefix, code cells after it to the suffix;
// non-code cells contribute nothing. The active cell's own source is split
// at the cursor offset regardless of its type.
//
// Extraction is pure: it reads the document once, never blocks, and runs in
// O(cells + total text).
func Extract(doc Document, language string) nbi.CompletionContext {
	active := doc.ActiveIndex()
	cells := doc.Cells()

	if active < 0 || active >= len(cells) {
		return nbi.CompletionContext{Language: language}
	}

	cursor := doc.CursorOffset()
	source := cells[active].Source
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(source) {
		cursor = len(source)
	}

	var prefix, suffix strings.Builder
	for i, cell := range cells {
		if i == active || !cell.IsCode() {
			continue
		}
		if i < active {
			writeCell(&prefix, cell.Source)
		} else {
			writeCell(&suffix, cell.Source)
		}
	}

	return nbi.CompletionContext{
		Prefix:   prefix.String() + source[:cursor],
		Suffix:   source[cursor:] + suffix.String(),
		Language: language,
	}
}

// writeCell appends a cell source terminated by exactly one cell-boundary
// newline.
func writeCell(sb *strings.Builder, source string) {
	sb.WriteString(source)
	if !strings.HasSuffix(source, "\n") {
		sb.WriteString("\n")
	}
}
