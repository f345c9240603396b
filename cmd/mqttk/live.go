package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

// liveFrame draws one screen. Lines beyond height are dropped.
type liveFrame func(width, height int) []string

// isInteractive reports whether stdout is a terminal a live view can redraw.
func isInteractive() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// terminalSize returns the size of stdout, or 80x24 when unknown.
func terminalSize() (width, height int) {
	w, h, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 || h <= 0 {
		return 80, 24
	}
	return w, h
}

// runLive redraws frame every refresh until ctx is done.
func runLive(ctx context.Context, w io.Writer, refresh time.Duration, frame liveFrame) {
	clearScreen(w)
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	for {
		drawFrame(w, frame)
		select {
		case <-ctx.Done():
			fmt.Fprintln(w)
			return
		case <-ticker.C:
		}
	}
}

func drawFrame(w io.Writer, frame liveFrame) {
	width, height := terminalSize()
	lines := frame(width, height)
	if len(lines) > height-1 {
		lines = lines[:height-1]
	}

	var sb strings.Builder
	// Move cursor to top
	sb.WriteString("\033[H")
	for _, line := range lines {
		sb.WriteString("\033[2K")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	// Clear remaining lines
	sb.WriteString("\033[J")
	io.WriteString(w, sb.String())
}

func clearScreen(w io.Writer) {
	fmt.Fprint(w, "\033[2J\033[H")
}

// waitFor blocks for d, or until ctx is done when d is zero.
func waitFor(ctx context.Context, d time.Duration) {
	if d <= 0 {
		<-ctx.Done()
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
