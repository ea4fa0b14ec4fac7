// Package prompt implements the yes/no confirmation gates that guard deployment and teardown.
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Confirmer asks a yes/no question.
type Confirmer interface {
	// Confirm returns true only for an explicit yes.
	Confirm(ctx context.Context, question string) (bool, error)
}

// IsYes reports whether an answer is an exact "yes", ignoring case and surrounding space.
func IsYes(answer string) bool {
	return strings.ToLower(strings.TrimSpace(answer)) == "yes"
}

// Reader asks on out and reads one line from in.
type Reader struct {
	in  *bufio.Reader
	out io.Writer
}

// NewReader creates a line-based confirmer, typically over stdin and stdout.
func NewReader(in io.Reader, out io.Writer) *Reader {
	return &Reader{in: bufio.NewReader(in), out: out}
}

type readResult struct {
	line string
	err  error
}

// Confirm prints question and waits for an answer. End of input counts as no.
func (r *Reader) Confirm(ctx context.Context, question string) (bool, error) {
	fmt.Fprintf(r.out, "%s (yes/no): ", question)

	result := make(chan readResult, 1)
	go func() {
		line, err := r.in.ReadString('\n')
		result <- readResult{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(r.out)
		return false, ctx.Err()
	case res := <-result:
		if res.err != nil && !errors.Is(res.err, io.EOF) {
			return false, fmt.Errorf("failed to read answer: %w", res.err)
		}
		if errors.Is(res.err, io.EOF) {
			fmt.Fprintln(r.out)
		}
		return IsYes(res.line), nil
	}
}

// AutoConfirm answers yes to every question, echoing it to Out.
type AutoConfirm struct {
	Out io.Writer
}

// Confirm always returns true.
func (a AutoConfirm) Confirm(_ context.Context, question string) (bool, error) {
	if a.Out != nil {
		fmt.Fprintf(a.Out, "%s (yes/no): yes (assumed)\n", question)
	}
	return true, nil
}

var (
	_ Confirmer = (*Reader)(nil)
	_ Confirmer = AutoConfirm{}
)
