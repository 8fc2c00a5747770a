// Command nbi-repl is an interactive test client for the nbid daemon.
// It builds up a notebook cell by cell, requests inline completions with
// native cursor tracking, and writes structured TOML results to stdout.
//
// Usage:
//
//	./nbi-repl             # interactive, TOML on screen
//	./nbi-repl > log.toml  # prompt on screen, TOML to file
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	nbi "github.com/datalayer-externals/notebook-intelligence"
)

const prompt = "> "

func main() {
	editor, err := newCellEditor()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer editor.Close()

	tty := editor.Tty()
	sockPath := resolveSocketPath()

	fmt.Fprintf(tty, "\033[2J\033[H") // clear screen
	fmt.Fprintf(tty, "nbi repl\r\n")
	fmt.Fprintf(tty, "socket: %s\r\n", sockPath)
	fmt.Fprintf(tty, "\r\neach line becomes a code cell; completion runs at the cursor\r\n")
	fmt.Fprintf(tty, "\r\ncommands:\r\n")
	fmt.Fprintf(tty, "  :cells          show the accumulated cells\r\n")
	fmt.Fprintf(tty, "  :clear          drop all cells\r\n")
	fmt.Fprintf(tty, "  :chat <prompt>  free-form chat\r\n")
	fmt.Fprintf(tty, "  :explain        explain the last cell\r\n")
	fmt.Fprintf(tty, "  :status         auth session status\r\n")
	fmt.Fprintf(tty, "  :logout         log out of the backend\r\n")
	fmt.Fprintf(tty, "  :quit           exit\r\n\r\n")

	// stdout writer: converts \n → \r\n when stdout is a terminal (raw mode),
	// passes \n through unchanged when redirected to a file.
	out := termWriter(os.Stdout)

	var cells []nbi.Cell
	reqID := 0

	for {
		text, cursorPos, err := editor.ReadSource(prompt)
		if err == io.EOF || err == errInterrupted {
			break
		}
		if err != nil {
			fmt.Fprintf(tty, "read error: %v\r\n", err)
			break
		}

		if text == "" {
			continue
		}

		if text == ":quit" || text == ":q" {
			break
		}

		switch {
		case text == ":cells":
			for i, cell := range cells {
				fmt.Fprintf(tty, "  [%d] %s\r\n", i, cell.Source)
			}
			fmt.Fprintf(tty, "\r\n")
			continue

		case text == ":clear":
			cells = nil
			fmt.Fprintf(tty, "cells cleared\r\n\r\n")
			continue

		case text == ":status", text == ":logout":
			reqType := strings.TrimPrefix(text, ":")
			var resp nbi.StatusResponse
			if err := call(sockPath, &nbi.StatusRequest{Type: reqType}, &resp); err != nil {
				fmt.Fprintf(tty, "error: %v\r\n\r\n", err)
				continue
			}
			printStatus(tty, &resp)
			writeStatusEntry(out, reqType, &resp)
			continue

		case text == ":explain", strings.HasPrefix(text, ":chat "):
			req := &nbi.ChatRequest{Type: "chat", Cells: cells, ActiveCell: -1}
			if text == ":explain" {
				if len(cells) == 0 {
					fmt.Fprintf(tty, "error: no cells yet\r\n\r\n")
					continue
				}
				req.Command = nbi.CommandExplainInput
				req.ActiveCell = len(cells) - 1
			} else {
				req.Prompt = strings.TrimSpace(strings.TrimPrefix(text, ":chat "))
			}

			var resp nbi.ChatResponse
			if err := call(sockPath, req, &resp); err != nil {
				fmt.Fprintf(tty, "error: %v\r\n\r\n", err)
				continue
			}
			if resp.Error != nil {
				fmt.Fprintf(tty, "error [%s]: %s\r\n\r\n", resp.Error.Code, resp.Error.Message)
			} else {
				fmt.Fprintf(tty, "%s\r\n\r\n", strings.ReplaceAll(resp.Message, "\n", "\r\n"))
			}
			writeChatEntry(out, req, &resp)
			continue
		}

		// The entered line becomes the active cell; earlier lines are the
		// document around it.
		reqID++
		active := append(append([]nbi.Cell{}, cells...), nbi.Cell{Type: nbi.CellTypeCode, Source: text})
		req := &nbi.Request{
			RequestID:  fmt.Sprintf("repl-%d", reqID),
			SessionID:  "repl",
			Cells:      active,
			ActiveCell: len(active) - 1,
			CursorPos:  cursorPos,
		}

		var resp nbi.Response
		if err := call(sockPath, req, &resp); err != nil {
			fmt.Fprintf(tty, "error: %v\r\n\r\n", err)
			continue
		}

		// Show brief summary on tty.
		if resp.Error != nil {
			fmt.Fprintf(tty, "error [%s]: %s\r\n", resp.Error.Code, resp.Error.Message)
		} else if len(resp.Items) == 0 {
			fmt.Fprintf(tty, "(no completions)\r\n")
		} else {
			for i, item := range resp.Items {
				fmt.Fprintf(tty, "  %d. %s\r\n", i+1, strings.ReplaceAll(item.InsertText, "\n", "⏎"))
			}
		}
		fmt.Fprintf(tty, "\r\n")

		cells = append(cells, nbi.Cell{Type: nbi.CellTypeCode, Source: text})

		// TOML output to stdout (crlfWriter handles raw mode).
		writeCompletionEntry(out, req, &resp)
	}
}

// call sends one line-delimited JSON request to the daemon and decodes the
// single-line response.
func call(sockPath string, payload any, resp any) error {
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return fmt.Errorf("dial %s: %w (is nbid running?)", sockPath, err)
	}
	defer conn.Close()

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return err
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	if !scanner.Scan() {
		return fmt.Errorf("no response from daemon")
	}
	return json.Unmarshal(scanner.Bytes(), resp)
}

func printStatus(tty *os.File, resp *nbi.StatusResponse) {
	if resp.Error != nil {
		fmt.Fprintf(tty, "error [%s]: %s\r\n\r\n", resp.Error.Code, resp.Error.Message)
		return
	}
	fmt.Fprintf(tty, "logged in: %v\r\n", resp.LoggedIn)
	if resp.UserCode != "" {
		fmt.Fprintf(tty, "to log in, visit %s and enter %s\r\n", resp.VerificationURI, resp.UserCode)
	}
	fmt.Fprintf(tty, "\r\n")
}

// resolveSocketPath mirrors the daemon's socket resolution.
func resolveSocketPath() string {
	if path := os.Getenv("NBI_SOCKET"); path != "" {
		return path
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir + "/nbi.sock"
	}
	return fmt.Sprintf("/tmp/nbi-%d.sock", os.Getuid())
}
