package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	nbi "github.com/datalayer-externals/notebook-intelligence"
	"golang.org/x/term"
)

// termWriter wraps a file and converts \n to \r\n when the file is a terminal
// (needed because raw mode disables the kernel's NL→CRNL translation).
// When the file is redirected, \n passes through unchanged.
func termWriter(f *os.File) io.Writer {
	if term.IsTerminal(int(f.Fd())) {
		return &crlfWriter{w: f}
	}
	return f
}

type crlfWriter struct {
	w io.Writer
}

func (c *crlfWriter) Write(p []byte) (int, error) {
	replaced := bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))
	_, err := c.w.Write(replaced)
	return len(p), err // report original length to caller
}

func writeHeader(w io.Writer) {
	fmt.Fprintf(w, "# %s\n\n", strings.Repeat("═", 60))
}

// writeCompletionEntry writes a single TOML-formatted completion entry to w.
func writeCompletionEntry(w io.Writer, req *nbi.Request, resp *nbi.Response) {
	writeHeader(w)

	fmt.Fprintln(w, "[request]")
	fmt.Fprintf(w, "timestamp = %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(w, "request_id = %s\n", tomlQuote(req.RequestID))
	if req.ActiveCell >= 0 && req.ActiveCell < len(req.Cells) {
		fmt.Fprintf(w, "active_cell = %d\n", req.ActiveCell)
		fmt.Fprintf(w, "source = %s\n", tomlQuote(req.Cells[req.ActiveCell].Source))
	}
	fmt.Fprintf(w, "cursor_pos = %d\n", req.CursorPos)
	fmt.Fprintln(w)

	if writeError(w, resp.Error) {
		return
	}

	for _, item := range resp.Items {
		fmt.Fprintln(w, "[[items]]")
		fmt.Fprintf(w, "insert_text = %s\n", tomlQuote(item.InsertText))
		fmt.Fprintln(w)
	}
}

// writeChatEntry writes a single TOML-formatted chat entry to w.
func writeChatEntry(w io.Writer, req *nbi.ChatRequest, resp *nbi.ChatResponse) {
	writeHeader(w)

	fmt.Fprintln(w, "[chat]")
	fmt.Fprintf(w, "timestamp = %s\n", time.Now().Format(time.RFC3339))
	if req.Command != "" {
		fmt.Fprintf(w, "command = %s\n", tomlQuote(req.Command))
	}
	if req.Prompt != "" {
		fmt.Fprintf(w, "prompt = %s\n", tomlQuote(req.Prompt))
	}
	fmt.Fprintln(w)

	if writeError(w, resp.Error) {
		return
	}

	fmt.Fprintln(w, "[reply]")
	fmt.Fprintf(w, "message = %s\n", tomlQuote(resp.Message))
	fmt.Fprintln(w)
}

// writeStatusEntry writes a single TOML-formatted auth status entry to w.
func writeStatusEntry(w io.Writer, reqType string, resp *nbi.StatusResponse) {
	writeHeader(w)

	fmt.Fprintln(w, "[status]")
	fmt.Fprintf(w, "timestamp = %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(w, "request = %s\n", tomlQuote(reqType))

	if resp.Error != nil {
		fmt.Fprintln(w)
		writeError(w, resp.Error)
		return
	}

	fmt.Fprintf(w, "logged_in = %v\n", resp.LoggedIn)
	fmt.Fprintf(w, "login_requested = %v\n", resp.LoginRequested)
	if resp.VerificationURI != "" {
		fmt.Fprintf(w, "verification_uri = %s\n", tomlQuote(resp.VerificationURI))
	}
	if resp.UserCode != "" {
		fmt.Fprintf(w, "user_code = %s\n", tomlQuote(resp.UserCode))
	}
	fmt.Fprintln(w)
}

func writeError(w io.Writer, e *nbi.Error) bool {
	if e == nil {
		return false
	}
	fmt.Fprintln(w, "[error]")
	fmt.Fprintf(w, "code = %s\n", tomlQuote(e.Code))
	fmt.Fprintf(w, "message = %s\n", tomlQuote(e.Message))
	fmt.Fprintln(w)
	return true
}

// tomlQuote returns a TOML basic-string quoted value.
func tomlQuote(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\t", "\\t")
	return "\"" + s + "\""
}
