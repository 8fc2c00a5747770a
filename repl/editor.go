package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"golang.org/x/term"
)

// errInterrupted is returned when the user presses Ctrl-C.
var errInterrupted = errors.New("interrupted")

// cellEditor reads one cell's source line with cursor tracking. The byte
// offset it reports is what the completion request carries as the cursor
// position, so mid-line edits exercise the prefix/suffix split the same way
// a notebook editor would. It reads from /dev/tty so it works even when
// stdout is redirected.
type cellEditor struct {
	tty      *os.File
	oldState *term.State
	buf      []byte
	pos      int // cursor byte offset into buf
}

// newCellEditor opens /dev/tty and switches it to raw mode.
func newCellEditor() (*cellEditor, error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/tty: %w", err)
	}

	old, err := term.MakeRaw(int(tty.Fd()))
	if err != nil {
		tty.Close()
		return nil, fmt.Errorf("raw mode: %w", err)
	}

	return &cellEditor{tty: tty, oldState: old}, nil
}

// Close restores terminal state and closes the tty fd.
func (e *cellEditor) Close() {
	term.Restore(int(e.tty.Fd()), e.oldState)
	e.tty.Close()
}

// Tty returns the tty file for writing prompts/UI.
func (e *cellEditor) Tty() *os.File {
	return e.tty
}

// ReadSource shows the prompt and reads one cell line. It returns the source
// text and the cursor byte offset at the moment Enter was pressed; io.EOF
// when the user presses Ctrl-D on empty input.
func (e *cellEditor) ReadSource(prompt string) (source string, cursor int, err error) {
	e.buf = e.buf[:0]
	e.pos = 0
	e.redraw(prompt)

	for {
		var b [1]byte
		if _, err := e.tty.Read(b[:]); err != nil {
			return "", 0, err
		}

		switch b[0] {
		case 3: // Ctrl-C
			fmt.Fprintf(e.tty, "\r\n")
			return "", 0, errInterrupted

		case 4: // Ctrl-D
			if len(e.buf) == 0 {
				fmt.Fprintf(e.tty, "\r\n")
				return "", 0, io.EOF
			}

		case 13, 10: // Enter
			fmt.Fprintf(e.tty, "\r\n")
			return string(e.buf), e.pos, nil

		case 127, 8: // Backspace / Ctrl-H
			e.deleteBack()

		case 1: // Ctrl-A
			e.pos = 0

		case 5: // Ctrl-E
			e.pos = len(e.buf)

		case 21: // Ctrl-U
			e.buf = e.buf[:0]
			e.pos = 0

		case 27:
			e.handleEscape()

		default:
			if b[0] >= 32 {
				e.insert(b[0])
			}
		}

		e.redraw(prompt)
	}
}

// handleEscape consumes one CSI sequence and applies the cursor movement or
// forward delete it encodes.
func (e *cellEditor) handleEscape() {
	var esc [3]byte
	if n, _ := e.tty.Read(esc[:1]); n == 0 || esc[0] != '[' {
		return
	}
	if n, _ := e.tty.Read(esc[1:2]); n == 0 {
		return
	}

	switch esc[1] {
	case 'D': // Left
		if e.pos > 0 {
			e.pos -= sizeBefore(e.buf, e.pos)
		}
	case 'C': // Right
		if e.pos < len(e.buf) {
			_, size := utf8.DecodeRune(e.buf[e.pos:])
			e.pos += size
		}
	case 'H': // Home
		e.pos = 0
	case 'F': // End
		e.pos = len(e.buf)
	case '3': // Delete key: \x1b[3~
		e.tty.Read(esc[2:3]) // consume '~'
		e.deleteForward()
	case '1': // Home: \x1b[1~
		e.tty.Read(esc[2:3])
		e.pos = 0
	case '4': // End: \x1b[4~
		e.tty.Read(esc[2:3])
		e.pos = len(e.buf)
	}
}

// insert places a full UTF-8 sequence starting with lead at the cursor. The
// continuation bytes are read from the tty as needed.
func (e *cellEditor) insert(lead byte) {
	ch := []byte{lead}
	if lead >= 0xC0 {
		tmp := make([]byte, leadLen(lead)-1)
		e.tty.Read(tmp)
		ch = append(ch, tmp...)
	}

	e.buf = append(e.buf, make([]byte, len(ch))...)
	copy(e.buf[e.pos+len(ch):], e.buf[e.pos:len(e.buf)-len(ch)])
	copy(e.buf[e.pos:], ch)
	e.pos += len(ch)
}

// deleteBack removes the rune before the cursor.
func (e *cellEditor) deleteBack() {
	if e.pos == 0 {
		return
	}
	size := sizeBefore(e.buf, e.pos)
	copy(e.buf[e.pos-size:], e.buf[e.pos:])
	e.buf = e.buf[:len(e.buf)-size]
	e.pos -= size
}

// deleteForward removes the rune under the cursor.
func (e *cellEditor) deleteForward() {
	if e.pos >= len(e.buf) {
		return
	}
	_, size := utf8.DecodeRune(e.buf[e.pos:])
	copy(e.buf[e.pos:], e.buf[e.pos+size:])
	e.buf = e.buf[:len(e.buf)-size]
}

// redraw clears the current line and redraws prompt + buffer, then moves the
// terminal cursor back to the tracked position.
func (e *cellEditor) redraw(prompt string) {
	// \r = carriage return, \x1b[K = clear to end of line
	fmt.Fprintf(e.tty, "\r\x1b[K%s%s", prompt, string(e.buf))

	if tail := utf8.RuneCount(e.buf[e.pos:]); tail > 0 {
		fmt.Fprintf(e.tty, "\x1b[%dD", tail)
	}
}

// sizeBefore returns the byte size of the rune ending at pos.
func sizeBefore(buf []byte, pos int) int {
	i := pos - 1
	for i > 0 && !utf8.RuneStart(buf[i]) {
		i--
	}
	_, size := utf8.DecodeRune(buf[i:pos])
	return size
}

// leadLen returns the expected byte length of a UTF-8 sequence from its
// leading byte.
func leadLen(lead byte) int {
	switch {
	case lead < 0xC0:
		return 1
	case lead < 0xE0:
		return 2
	case lead < 0xF0:
		return 3
	default:
		return 4
	}
}
