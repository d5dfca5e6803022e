package main

import (
	"bufio"
	"context"
	"io"
	"strings"
)

type lineResult struct {
	text string
	err  error
}

// lineReader reads lines on its own goroutine so a read can be abandoned
// when its context ends. The prompt loop and the permission prompter share
// one reader so neither steals the other's input.
type lineReader struct {
	lines chan lineResult
}

func newLineReader(r io.Reader) *lineReader {
	lr := &lineReader{lines: make(chan lineResult)}
	go func() {
		defer close(lr.lines)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for sc.Scan() {
			lr.lines <- lineResult{text: sc.Text()}
		}
		if err := sc.Err(); err != nil {
			lr.lines <- lineResult{err: err}
		}
	}()
	return lr
}

// ReadLine returns the next line, io.EOF at the end of input, or ctx.Err()
// when ctx ends first.
func (lr *lineReader) ReadLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res, ok := <-lr.lines:
		if !ok {
			return "", io.EOF
		}
		return res.text, res.err
	}
}

// ReadAll returns the remaining input joined by newlines.
func (lr *lineReader) ReadAll(ctx context.Context) (string, error) {
	var lines []string
	for {
		line, err := lr.ReadLine(ctx)
		if err == io.EOF {
			return strings.Join(lines, "\n"), nil
		}
		if err != nil {
			return "", err
		}
		lines = append(lines, line)
	}
}
