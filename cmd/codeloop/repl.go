package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/martinemde/codeloop/agentloop"
	"github.com/martinemde/codeloop/unifiedllm"
)

// app runs turns against one session.
type app struct {
	session     *agentloop.Session
	lines       *lineReader
	streams     *streams
	sessionFile string
	logger      *slog.Logger
}

// runTurn submits one prompt. SIGINT cancels only this turn.
func (a *app) runTurn(ctx context.Context, prompt string) error {
	turnCtx, stop := a.streams.notify(ctx)
	defer stop()

	_, err := a.session.Submit(turnCtx, prompt)
	if saveErr := a.save(); saveErr != nil {
		a.logger.Warn("could not save session", "path", a.sessionFile, "error", saveErr)
	}
	if err != nil && turnCtx.Err() != nil && ctx.Err() == nil {
		fmt.Fprintln(a.streams.errOut, "(turn cancelled)")
		return context.Canceled
	}
	return err
}

// interactive reads prompts until end of input, /exit, or SIGINT at the
// prompt.
func (a *app) interactive(ctx context.Context) error {
	for {
		fmt.Fprint(a.streams.errOut, "> ")
		promptCtx, stop := a.streams.notify(ctx)
		line, err := a.lines.ReadLine(promptCtx)
		stop()
		switch {
		case errors.Is(err, io.EOF):
			fmt.Fprintln(a.streams.errOut)
			return nil
		case errors.Is(err, context.Canceled) && ctx.Err() == nil:
			fmt.Fprintln(a.streams.errOut)
			return nil
		case err != nil:
			return err
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/forget":
			a.session.Permissions().Cache().Reset()
			fmt.Fprintln(a.streams.errOut, "forgot all \"always\" answers")
			continue
		}

		if err := a.runTurn(ctx, line); err != nil && !errors.Is(err, context.Canceled) {
			if errors.Is(err, agentloop.ErrSessionClosed) {
				return err
			}
			fmt.Fprintf(a.streams.errOut, "error: %v\n", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (a *app) save() error {
	if a.sessionFile == "" {
		return nil
	}
	return saveSessionFile(a.sessionFile, a.session.ID(), a.session.History())
}

// loadSessionFile returns the saved history, or none when the file does not
// exist yet.
func loadSessionFile(path string) ([]unifiedllm.Message, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return agentloop.LoadHistory(f)
}

// saveSessionFile replaces path atomically.
func saveSessionFile(path, sessionID string, messages []unifiedllm.Message) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".codeloop-session-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := agentloop.SaveHistory(tmp, sessionID, messages); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
