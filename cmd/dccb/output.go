package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/codespacesh/dccbridge/internal/menu"
	"github.com/codespacesh/dccbridge/internal/protocol"
	"github.com/codespacesh/dccbridge/internal/store"
)

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// terminalWidth returns the stdout width, or 0 when stdout is not a
// terminal.
func terminalWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 0
	}
	return w
}

// printFrames writes a table of frames. Payloads are cut so each row fits
// in width columns; width 0 disables truncation.
func printFrames(w io.Writer, frames []store.Frame, width int) {
	if len(frames) == 0 {
		fmt.Fprintln(w, "no frames recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tCONN\tDIR\tKIND\tID\tMETHOD\tPAYLOAD")
	for _, f := range frames {
		id := "-"
		if f.RequestID != nil {
			id = strconv.FormatInt(*f.RequestID, 10)
		}
		method := f.Method
		if method == "" {
			method = "-"
		}
		conn := f.ConnID
		if len(conn) > 8 {
			conn = conn[:8]
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			f.Seq, f.At.Local().Format(time.TimeOnly), conn, f.Direction, f.Kind, id, method,
			truncate(string(f.Payload), payloadWidth(width)))
	}
	tw.Flush()
}

// payloadWidth leaves room for the fixed columns.
func payloadWidth(width int) int {
	if width == 0 {
		return 0
	}
	return max(width-80, 20)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

type frameView struct {
	store.Frame
	Payload string `json:"payload"`
}

func printFramesJSON(w io.Writer, frames []store.Frame) error {
	views := make([]frameView, len(frames))
	for i, f := range frames {
		views[i] = frameView{Frame: f, Payload: string(f.Payload)}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(views)
}

func printMenu(label string, m *menu.Menu) {
	writeMenu(os.Stdout, label, m)
}

func writeMenu(w io.Writer, label string, m *menu.Menu) {
	title := m.Title
	if title == "" {
		title = label
	}
	fmt.Fprintf(w, "[%s] %s\n", label, title)
	for i, it := range m.Items {
		fmt.Fprintf(w, "  %d) %s", i, it.Label)
		if it.Help != "" {
			fmt.Fprintf(w, " - %s", it.Help)
		}
		fmt.Fprintln(w)
	}
}

func printResponse(resp *protocol.Response) {
	writeResponse(os.Stdout, resp)
}

func writeResponse(w io.Writer, resp *protocol.Response) {
	switch {
	case resp.IsEmpty():
		fmt.Fprintln(w, "(no pipeline connected)")
	case resp.IsError():
		fmt.Fprintf(w, "error %d: %s\n", resp.Error.Code, resp.Error.Message)
	default:
		fmt.Fprintln(w, string(resp.Result))
	}
}
