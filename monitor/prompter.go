package monitor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/taskwarden/warden/types"
)

// Prompter asks the operator a yes/no question. Implementations must fail
// rather than assume an answer when no operator is present.
type Prompter interface {
	Confirm(prompt string) (bool, error)
}

// TerminalPrompter reads confirmation from an interactive terminal.
type TerminalPrompter struct {
	In  io.Reader
	Out io.Writer
}

// NewTerminalPrompter builds a prompter over stdin/stderr. It refuses to
// prompt when stdin is not a terminal, so an unattended run can never
// accidentally consent to degraded mode.
func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{In: os.Stdin, Out: os.Stderr}
}

// Confirm implements Prompter.
func (p *TerminalPrompter) Confirm(prompt string) (bool, error) {
	if f, ok := p.In.(*os.File); ok {
		info, err := f.Stat()
		if err != nil {
			return false, err
		}
		if info.Mode()&os.ModeCharDevice == 0 {
			return false, types.NewError(types.ErrBackendUnavailable,
				"stdin is not a terminal; cannot confirm interactively")
		}
	}

	fmt.Fprintf(p.Out, "%s [y/N]: ", prompt)
	reader := bufio.NewReader(p.In)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// DenyPrompter always declines. Used for unattended daemon runs where
// degradation must never be chosen implicitly.
type DenyPrompter struct{}

// Confirm implements Prompter.
func (DenyPrompter) Confirm(string) (bool, error) {
	return false, nil
}
