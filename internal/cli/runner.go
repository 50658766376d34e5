package cli

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/g960059/termpool/internal/appclient"
	"github.com/g960059/termpool/internal/config"
	"github.com/g960059/termpool/internal/protocol"
)

// Runner implements the termpool CLI against a running daemon.
type Runner struct {
	client *appclient.Client
	out    io.Writer
	errOut io.Writer
}

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{
		client: appclient.New(socketPath),
		out:    out,
		errOut: errOut,
	}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	socketPath, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if socketPath != "" {
		r.client = appclient.New(socketPath)
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "health":
		return r.runHealth(ctx, rest[1:])
	case "list":
		return r.runList(ctx, rest[1:])
	case "show":
		return r.runShow(ctx, rest[1:])
	case "attach":
		return r.runAttach(ctx, rest[1:])
	case "kill":
		return r.runKill(ctx, rest[1:])
	case "purge":
		return r.runPurge(ctx, rest[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func parseGlobalArgs(args []string) (string, []string, error) {
	socketPath := ""
	rest := args
	for len(rest) > 0 {
		switch {
		case rest[0] == "--socket":
			if len(rest) < 2 {
				return "", nil, fmt.Errorf("--socket requires a path")
			}
			socketPath = rest[1]
			rest = rest[2:]
		case strings.HasPrefix(rest[0], "--socket="):
			socketPath = strings.TrimPrefix(rest[0], "--socket=")
			rest = rest[1:]
		default:
			return socketPath, rest, nil
		}
	}
	return socketPath, rest, nil
}

func (r *Runner) runHealth(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	resp, err := r.client.Health(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	_, _ = fmt.Fprintf(r.out, "daemon %s\n", resp.Status)
	return 0
}

func (r *Runner) runList(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	resp, err := r.client.ListSessions(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	for _, item := range resp.Sessions {
		label := item.Command
		if label == "" {
			label = "shell"
		}
		attached := ""
		if item.Attached {
			attached = " attached"
		}
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s%s\t%s\n", item.SessionID, item.State, label, attached, item.Cwd)
	}
	return 0
}

func (r *Runner) runShow(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(r.errOut, "usage: termpool show <session-id>")
		return 2
	}
	resp, err := r.client.GetSession(ctx, fs.Arg(0))
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	item := resp.Session
	_, _ = fmt.Fprintf(r.out, "session: %s\nstate: %s\ncwd: %s\n", item.SessionID, item.State, item.Cwd)
	if item.Command != "" {
		_, _ = fmt.Fprintf(r.out, "command: %s\n", item.Command)
	}
	if item.Renderer != "" {
		_, _ = fmt.Fprintf(r.out, "renderer: %s\n", item.Renderer)
	}
	if item.ExitedAt != nil {
		_, _ = fmt.Fprintf(r.out, "exited_at: %s\n", *item.ExitedAt)
	}
	return 0
}

// runAttach bridges the local terminal to a pooled session: stdin bytes go
// down the write path, output frames are decoded straight to stdout. The
// session survives detaching (ctrl-\) and can be re-attached later.
func (r *Runner) runAttach(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("attach", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cwd := fs.String("cwd", "", "working directory for a new session")
	command := fs.String("command", "", "one-shot command for a new session")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(r.errOut, "usage: termpool attach [--cwd <dir>] [--command <cmd>] <session-id>")
		return 2
	}
	id := fs.Arg(0)

	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() { closeOnce.Do(func() { close(done) }) }
	stream, err := r.client.DialStream(ctx, appclient.StreamHandler{
		OnOutput: func(p protocol.OutputPayload) {
			if data, err := base64.StdEncoding.DecodeString(p.BytesBase64); err == nil {
				_, _ = r.out.Write(data)
			}
		},
		OnExit: func(p protocol.ExitPayload) {
			if p.Restarted {
				_, _ = fmt.Fprintf(r.errOut, "\r\ntermpool: command finished, dropped to shell\r\n")
			}
		},
		OnCloseSession: func(p protocol.CloseSessionPayload) {
			closeDone()
		},
	})
	if err != nil {
		return r.handleErr(err)
	}
	defer stream.Close() //nolint:errcheck

	cols, rows := 0, 0
	fd := int(os.Stdin.Fd())
	interactive := term.IsTerminal(fd)
	if interactive {
		if w, h, sizeErr := term.GetSize(fd); sizeErr == nil {
			cols, rows = w, h
		}
	}

	attached, err := stream.Attach(ctx, protocol.AttachPayload{
		SessionID: id,
		Cwd:       *cwd,
		Command:   *command,
		Cols:      cols,
		Rows:      rows,
		Autofocus: true,
	})
	if err != nil {
		return r.handleErr(err)
	}
	if snapshot, err := base64.StdEncoding.DecodeString(attached.SnapshotB64); err == nil {
		_, _ = r.out.Write(snapshot)
	}
	_ = stream.Visibility(id, true, nil)

	var restore func()
	if interactive {
		oldState, rawErr := term.MakeRaw(fd)
		if rawErr == nil {
			restore = func() { _ = term.Restore(fd, oldState) }
			defer restore()
		}
	}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, readErr := os.Stdin.Read(buf)
			if n > 0 {
				data := buf[:n]
				// ctrl-\ detaches, leaving the session running.
				if i := bytes.IndexByte(data, 0x1c); i >= 0 {
					if i > 0 {
						_ = stream.Write(id, data[:i])
					}
					_ = stream.Detach(id)
					closeDone()
					return
				}
				if writeErr := stream.Write(id, data); writeErr != nil {
					return
				}
			}
			if readErr != nil {
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
	if restore != nil {
		restore()
	}
	_, _ = fmt.Fprintln(r.out)
	return 0
}

func (r *Runner) runKill(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("kill", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(r.errOut, "usage: termpool kill <session-id>")
		return 2
	}
	resp, err := r.client.Dispose(ctx, fs.Arg(0))
	if err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "disposed %s\n", resp.SessionID)
	return 0
}

func (r *Runner) runPurge(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(r.errOut, "usage: termpool purge <session-id>")
		return 2
	}
	if err := r.client.PurgeScrollback(ctx, fs.Arg(0)); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "purged scrollback for %s\n", fs.Arg(0))
	return 0
}

func (r *Runner) printJSON(payload any) int {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintf(r.errOut, "usage: termpool [--socket <path>] <health|list|show|attach|kill|purge> ...\n")
	_, _ = fmt.Fprintf(r.errOut, "default socket: %s\n", config.DefaultConfig().SocketPath)
}
