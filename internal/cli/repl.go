package cli

import (
	"bufio"
	"context"
	"errors"
	"io"

	"github.com/amirphl/order-router/internal/exchange"
)

// report prints err the way the shell shows failures.
func (d *Dispatcher) report(err error) {
	var httpErr *exchange.HTTPError
	switch {
	case errors.As(err, &httpErr):
		d.printf("HTTP error %d: %s\n", httpErr.StatusCode, httpErr.Body)
	default:
		d.printf("Error: %v\n", err)
	}
}

// RunOnce executes a single command and returns the process exit code.
func (d *Dispatcher) RunOnce(ctx context.Context, tokens []string) int {
	err := d.Execute(ctx, tokens)
	if err == nil || errors.Is(err, ErrQuit) {
		return 0
	}
	d.report(err)
	return 1
}

// readLines feeds lines from in to the returned channel until EOF or stop
// is closed. The scan error, if any, is delivered before lines is closed.
func readLines(in io.Reader, stop <-chan struct{}) (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
		errc <- scanner.Err()
	}()
	return lines, errc
}

// Run reads commands from in until EOF, quit or ctx is cancelled. A read
// blocked on an idle terminal does not delay cancellation.
func (d *Dispatcher) Run(ctx context.Context, in io.Reader) error {
	d.printf("Type 'help' for available commands, 'quit' to exit.\n")
	stop := make(chan struct{})
	defer close(stop)
	lines, errc := readLines(in, stop)

	for {
		d.printf("%s", Prompt)
		var line string
		select {
		case <-ctx.Done():
			d.printf("\n")
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				if err := <-errc; err != nil {
					return err
				}
				d.printf("\nExited.\n")
				return nil
			}
			line = l
		}

		tokens, err := Split(line)
		if err != nil {
			d.printf("Parse error: %v\n", err)
			continue
		}
		if len(tokens) == 0 {
			continue
		}
		err = d.Execute(ctx, tokens)
		switch {
		case errors.Is(err, ErrQuit):
			d.printf("Bye.\n")
			return nil
		case err != nil:
			d.report(err)
		}
	}
}
