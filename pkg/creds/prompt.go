package creds

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/yolkispalkis/proxypilot/pkg/config"
)

// Prompter asks the user for the credentials the automatic chain could not
// supply. current carries whatever was found so far, for prefilling.
type Prompter interface {
	Prompt(ctx context.Context, current Credentials, authType string) (Credentials, error)
}

// TerminalPrompter collects credentials on the controlling terminal, with a
// masked password read.
type TerminalPrompter struct {
	In  *os.File  // defaults to os.Stdin
	Out io.Writer // defaults to os.Stderr
}

func (p *TerminalPrompter) Prompt(ctx context.Context, current Credentials, authType string) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return current, err
	}

	in := p.In
	if in == nil {
		in = os.Stdin
	}
	out := p.Out
	if out == nil {
		out = os.Stderr
	}
	if !term.IsTerminal(int(in.Fd())) {
		return current, errors.New("no terminal available for credential prompt")
	}

	reader := bufio.NewReader(in)

	username, err := p.askLine(reader, out, "Proxy username", current.Username)
	if err != nil {
		return current, err
	}
	if username == "" {
		return current, errors.New("username is required")
	}

	domain := current.Domain
	if strings.EqualFold(authType, config.AuthTypeNTLM) {
		domain, err = p.askLine(reader, out, "Domain", current.Domain)
		if err != nil {
			return current, err
		}
	}

	fmt.Fprintf(out, "Password for %s: ", username)
	raw, err := term.ReadPassword(int(in.Fd()))
	fmt.Fprintln(out)
	if err != nil {
		return current, fmt.Errorf("read password: %w", err)
	}
	if len(raw) == 0 {
		return current, errors.New("password is required")
	}

	return Credentials{
		Username: username,
		Password: NewSecret(string(raw)),
		Domain:   domain,
	}, nil
}

func (p *TerminalPrompter) askLine(reader *bufio.Reader, out io.Writer, label, current string) (string, error) {
	if current != "" {
		fmt.Fprintf(out, "%s [%s]: ", label, current)
	} else {
		fmt.Fprintf(out, "%s: ", label)
	}
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read %s: %w", strings.ToLower(label), err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return current, nil
	}
	return line, nil
}
