package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/codespacesh/dccbridge/internal/bridge"
	"github.com/codespacesh/dccbridge/internal/host"
	"github.com/codespacesh/dccbridge/internal/peer"
)

// parseLine splits an interactive command into a verb and its arguments.
// Each argument is decoded as JSON when it parses, otherwise it is passed
// as a string, so `call execute_george tv_version` and `call f 1 true`
// both work.
func parseLine(line string) (verb string, args []string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

func parseArgs(fields []string) []any {
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		var v any
		if err := json.Unmarshal([]byte(f), &v); err == nil {
			out = append(out, v)
			continue
		}
		out = append(out, f)
	}
	return out
}

func repl(ctx context.Context, in io.Reader, prompt string, handle func(verb string, args []string) bool) {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Print(prompt)
		if !scanner.Scan() {
			return
		}
		if ctx.Err() != nil {
			return
		}
		verb, args := parseLine(scanner.Text())
		if verb == "" {
			continue
		}
		if !handle(verb, args) {
			return
		}
	}
}

// pipelineREPL lets an operator call into the connected host by hand.
func pipelineREPL(ctx context.Context, srv *peer.Server, cancel context.CancelFunc) {
	defer cancel()
	repl(ctx, os.Stdin, "pipeline> ", func(verb string, args []string) bool {
		switch verb {
		case "quit", "exit":
			return false
		case "status":
			fmt.Printf("url %s, host connected: %v\n", srv.URL(), srv.Connected())
		case "call", "notify":
			if len(args) == 0 {
				fmt.Printf("usage: %s <method> [args...]\n", verb)
				return true
			}
			if verb == "notify" {
				if err := srv.Notify(ctx, args[0], parseArgs(args[1:])...); err != nil {
					fmt.Println("error:", err)
				}
				return true
			}
			res, err := srv.Call(ctx, args[0], parseArgs(args[1:])...)
			if err != nil {
				fmt.Println("error:", err)
				return true
			}
			fmt.Println(string(res))
		default:
			fmt.Println("commands: call <method> [args...], notify <method> [args...], status, quit")
		}
		return true
	})
}

// hostREPL stands in for the editor UI: it shows the menu and turns menu
// clicks into pipeline calls.
func hostREPL(ctx context.Context, h *host.Host, b *bridge.Communicator, cancel context.CancelFunc) {
	defer cancel()
	repl(ctx, os.Stdin, "host> ", func(verb string, args []string) bool {
		switch verb {
		case "quit", "exit":
			return false
		case "status":
			fmt.Printf("usable: %v, connected: %v, pending: %d, queued: %d\n",
				b.IsUsable(), b.IsConnected(), b.Pending(), b.Queued())
		case "menu":
			m := h.Menu()
			if m == nil {
				fmt.Println("no menu defined")
				return true
			}
			writeMenu(os.Stdout, "menu", m)
		case "click":
			if len(args) != 1 {
				fmt.Println("usage: click <index>")
				return true
			}
			i, err := strconv.Atoi(args[0])
			if err != nil {
				fmt.Println("usage: click <index>")
				return true
			}
			resp, err := h.Click(ctx, i)
			if err != nil {
				fmt.Println("error:", err)
				return true
			}
			printResponse(resp)
		case "call":
			if len(args) == 0 {
				fmt.Println("usage: call <method> [args...]")
				return true
			}
			printResponse(b.CallMethod(ctx, args[0], parseArgs(args[1:])...))
		case "notify":
			if len(args) == 0 {
				fmt.Println("usage: notify <method> [args...]")
				return true
			}
			b.CallNotification(ctx, args[0], parseArgs(args[1:])...)
		default:
			fmt.Println("commands: menu, click <index>, call <method> [args...], notify <method> [args...], status, quit")
		}
		return true
	})
}
