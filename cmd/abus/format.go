package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/zulandar/agentbus/internal/protocol"
	"golang.org/x/term"
)

// printMessage writes one message as a single human-readable line.
func printMessage(out io.Writer, seq uint64, m *protocol.Message, width int) {
	to := strings.Join(m.Recipients(), ",")
	if to == "" {
		to = "*"
	}
	line := fmt.Sprintf("[%s] #%d %-16s %s→%s", m.Timestamp.Local().Format("15:04:05"), seq, m.Type, m.From.AgentID, to)
	if m.TaskID != "" {
		line += " task=" + m.TaskID
	}
	if len(m.Payload) > 0 && string(m.Payload) != "null" {
		line += " " + string(m.Payload)
	}
	fmt.Fprintln(out, truncate(line, width))
}

// printJSON writes m as one line of wire JSON.
func printJSON(out io.Writer, m *protocol.Message) error {
	data, err := protocol.Marshal(m)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

// terminalWidth returns the width of out when it is a terminal, or 0.
func terminalWidth(out io.Writer) int {
	f, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0
	}
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return w
}

// isTerminal reports whether out is an interactive terminal.
func isTerminal(out io.Writer) bool {
	f, ok := out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// truncate shortens s to maxLen runes; maxLen <= 0 means no limit.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if maxLen <= 0 || len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
