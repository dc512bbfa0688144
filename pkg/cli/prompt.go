// Package cli provides interactive terminal prompt helpers for the setup
// wizard and the token command.
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

// Prompter asks questions on Out and reads answers from In, one per line.
type Prompter struct {
	In     io.Reader
	Out    io.Writer
	reader *bufio.Reader
}

// DefaultPrompter returns a Prompter connected to stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

// readLine returns the next trimmed line, or "" at end of input.
func (p *Prompter) readLine() string {
	if p.reader == nil {
		p.reader = bufio.NewReader(p.In)
	}
	line, _ := p.reader.ReadString('\n')
	return strings.TrimSpace(line)
}

// Section prints a heading that groups the questions after it.
func (p *Prompter) Section(title string) {
	_, _ = fmt.Fprintf(p.Out, "\n%s\n", title)
}

// Ask prints a question with a default value and reads one line.
// An empty answer returns the default.
func (p *Prompter) Ask(question, defaultVal string) string {
	if defaultVal != "" {
		_, _ = fmt.Fprintf(p.Out, "%s [%s]: ", question, defaultVal)
	} else {
		_, _ = fmt.Fprintf(p.Out, "%s: ", question)
	}
	if line := p.readLine(); line != "" {
		return line
	}
	return defaultVal
}

// AskList reads a comma-separated answer. Blank entries are dropped; an
// empty answer returns defaults.
func (p *Prompter) AskList(question string, defaults []string) []string {
	ans := p.Ask(question, strings.Join(defaults, ","))
	var out []string
	for _, item := range strings.Split(ans, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// AskPassword reads a line without echoing when In is a terminal, and a
// plain line otherwise (tests, piped input).
func (p *Prompter) AskPassword(question string) string {
	_, _ = fmt.Fprintf(p.Out, "%s: ", question)

	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(p.Out)
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.readLine()
}

// Choose presents a numbered list of options and returns the selected value.
// Invalid answers are asked again.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	_, _ = fmt.Fprintf(p.Out, "%s\n", question)
	for i, opt := range options {
		marker := "  "
		if i == defaultIdx {
			marker = "> "
		}
		_, _ = fmt.Fprintf(p.Out, "%s%d) %s\n", marker, i+1, opt)
	}

	for attempt := 0; ; attempt++ {
		ans := p.Ask("Choice", strconv.Itoa(defaultIdx+1))
		if n, err := strconv.Atoi(ans); err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		// Out of input: take the default rather than spin.
		if attempt >= 2 {
			return options[defaultIdx]
		}
		_, _ = fmt.Fprintf(p.Out, "  Please enter a number between 1 and %d.\n", len(options))
	}
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(ans), "y")
}
