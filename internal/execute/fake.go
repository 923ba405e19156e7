package execute

import (
	"strings"
	"sync"
)

// Response is a canned result for a FakeRunner invocation.
type Response struct {
	Stdout string
	Stderr string
	Err    error
}

// FakeRunner records every invocation and answers from canned responses.
// It backs the agent's fake-network mode and most package tests.
type FakeRunner struct {
	mu    sync.Mutex
	calls []call

	// Responses maps an argv prefix (space-joined) to a canned response.
	// The longest matching prefix wins. Unmatched commands succeed with
	// empty output.
	Responses map[string]Response

	// Handler, when set, takes precedence over Responses. It receives the
	// full argv and stdin.
	Handler func(argv []string, input string) (string, string, error)
}

type call struct {
	argv  []string
	input string
}

// NewFakeRunner creates an empty FakeRunner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{Responses: make(map[string]Response)}
}

// Run records the call and answers from Handler or Responses.
func (f *FakeRunner) Run(opts Opts, name string, args ...string) (string, string, error) {
	argv := append([]string{name}, args...)

	f.mu.Lock()
	f.calls = append(f.calls, call{argv: argv, input: opts.Input})
	f.mu.Unlock()

	if f.Handler != nil {
		return f.Handler(argv, opts.Input)
	}

	joined := strings.Join(argv, " ")
	best := ""
	for prefix := range f.Responses {
		if strings.HasPrefix(joined, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		resp := f.Responses[best]
		return resp.Stdout, resp.Stderr, resp.Err
	}
	return "", "", nil
}

// Commands returns every recorded invocation, space-joined.
func (f *FakeRunner) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = strings.Join(c.argv, " ")
	}
	return out
}

// Inputs returns the stdin fed to each recorded invocation.
func (f *FakeRunner) Inputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.input
	}
	return out
}

// CallCount returns the number of recorded invocations whose space-joined
// argv starts with prefix.
func (f *FakeRunner) CallCount(prefix string) int {
	n := 0
	for _, cmd := range f.Commands() {
		if strings.HasPrefix(cmd, prefix) {
			n++
		}
	}
	return n
}

// Reset discards recorded calls.
func (f *FakeRunner) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}
