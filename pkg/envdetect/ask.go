package envdetect

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// TerminalAsker implements Asker on the controlling terminal: it lists the
// known labels and accepts a number or a label name.
type TerminalAsker struct {
	In  *os.File  // defaults to os.Stdin
	Out io.Writer // defaults to os.Stderr
}

func (a *TerminalAsker) AskEnvironment(ctx context.Context, labels []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(labels) == 0 {
		return "", errors.New("no environments to choose from")
	}

	in := a.In
	if in == nil {
		in = os.Stdin
	}
	out := a.Out
	if out == nil {
		out = os.Stderr
	}
	if !term.IsTerminal(int(in.Fd())) {
		return "", errors.New("no terminal available for environment selection")
	}

	fmt.Fprintln(out, "Select the environment:")
	for i, label := range labels {
		fmt.Fprintf(out, "  %d) %s\n", i+1, label)
	}
	fmt.Fprintf(out, "Environment [1]: ")

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && strings.TrimSpace(line) == "" {
		return "", fmt.Errorf("read selection: %w", err)
	}
	line = strings.ToLower(strings.TrimSpace(line))
	if line == "" {
		return labels[0], nil
	}
	if n, convErr := strconv.Atoi(line); convErr == nil {
		if n < 1 || n > len(labels) {
			return "", fmt.Errorf("selection %d out of range", n)
		}
		return labels[n-1], nil
	}
	for _, label := range labels {
		if line == label {
			return label, nil
		}
	}
	return "", fmt.Errorf("unknown environment %q", line)
}
