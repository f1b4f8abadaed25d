// Package cli implements line-oriented prompts for interactive setup flows.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter asks questions on Out and reads answers from In. The zero value
// is not usable; set both streams or use DefaultPrompter.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	scanner *bufio.Scanner
}

// DefaultPrompter returns a Prompter wired to the process stdin and stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

// readLine returns the next input line with surrounding whitespace removed,
// or "" on EOF.
func (p *Prompter) readLine() string {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	if !p.scanner.Scan() {
		return ""
	}
	return strings.TrimSpace(p.scanner.Text())
}

// Ask poses a question and returns the typed answer, or defaultVal when the
// answer is empty.
func (p *Prompter) Ask(question, defaultVal string) string {
	label := question
	if defaultVal != "" {
		label = fmt.Sprintf("%s [%s]", question, defaultVal)
	}
	_, _ = fmt.Fprintf(p.Out, "%s: ", label)

	if answer := p.readLine(); answer != "" {
		return answer
	}
	return defaultVal
}

// AskPassword asks for a secret without echoing it. When In is not a
// terminal (piped input, tests) it degrades to an ordinary read.
func (p *Prompter) AskPassword(question string) string {
	_, _ = fmt.Fprintf(p.Out, "%s: ", question)

	f, ok := p.In.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return p.readLine()
	}

	b, err := term.ReadPassword(int(f.Fd()))
	_, _ = fmt.Fprintln(p.Out) // hidden input swallows the newline
	if err != nil {
		return p.readLine()
	}
	return strings.TrimSpace(string(b))
}

// Choose lists the options numbered from 1 and keeps asking until the user
// picks one. An empty answer selects options[defaultIdx].
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	_, _ = fmt.Fprintln(p.Out, question)
	for i, opt := range options {
		marker := "  "
		if i == defaultIdx {
			marker = "> "
		}
		_, _ = fmt.Fprintf(p.Out, "%s%d) %s\n", marker, i+1, opt)
	}

	for {
		answer := p.Ask("Choice", strconv.Itoa(defaultIdx+1))
		if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		_, _ = fmt.Fprintf(p.Out, "  Enter a number between 1 and %d.\n", len(options))
	}
}

// Confirm asks a yes/no question; an empty answer yields defaultYes.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	answer := p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if answer == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(answer), "y")
}
