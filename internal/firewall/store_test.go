package firewall

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/vnetd/internal/execute"
	"grimm.is/vnetd/internal/hostlock"
)

func newTestStore(runner execute.Runner) *Store {
	return NewStore(runner, hostlock.NewManager(""), "org.vnetd/agent", nil)
}

func TestAddRule_Classification(t *testing.T) {
	s := newTestStore(execute.NewFakeRunner())

	s.AddRule("rdr proto tcp from any to 1.2.3.4 port 80 -> 5.6.7.8 port 8080")
	s.AddRule("pass in proto udp from any to any port 53")
	s.AddRule("block in on em0 all")
	s.AddRule("nat inet from 10.0.0.0/24 to 0.0.0.0/0 -> 1.2.3.4")

	rules := s.Rules()
	if len(rules) != 4 {
		t.Fatalf("got %d rules, want 4", len(rules))
	}
	// Translation rules come first, in insertion order.
	if !strings.HasPrefix(rules[0], "rdr") || !strings.HasPrefix(rules[1], "nat") {
		t.Errorf("translation section out of order: %v", rules)
	}
	if !strings.HasPrefix(rules[2], "pass") || !strings.HasPrefix(rules[3], "block") {
		t.Errorf("filtering section out of order: %v", rules)
	}
}

func TestAddRule_UnrecognizedVerbRejected(t *testing.T) {
	s := newTestStore(execute.NewFakeRunner())

	s.AddRule("scrub in all")
	s.AddRule("frobnicate everything")

	if len(s.Rules()) != 0 {
		t.Errorf("unrecognized verbs must be dropped, got %v", s.Rules())
	}
	if s.Dirty() {
		t.Error("rejected rules must not mark the store dirty")
	}
}

func TestAddRule_DuplicateSuppressed(t *testing.T) {
	f := execute.NewFakeRunner()
	s := newTestStore(f)

	rule := "pass in on br100 inet proto udp from any to any port 67"
	s.AddRule(rule)
	s.AddRule("  " + rule + "  ") // whitespace-only variations are the same rule

	if err := s.Apply(); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	committed := f.Inputs()[0]
	if strings.Count(committed, rule) != 1 {
		t.Errorf("rule committed %d times, want once:\n%s", strings.Count(committed, rule), committed)
	}
}

func TestApply_NoopWhenClean(t *testing.T) {
	f := execute.NewFakeRunner()
	s := newTestStore(f)

	if err := s.Apply(); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if n := f.CallCount("pfctl"); n != 0 {
		t.Errorf("clean store issued %d commits, want 0", n)
	}

	s.AddRule("pass in all")
	if err := s.Apply(); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := s.Apply(); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if n := f.CallCount("pfctl"); n != 1 {
		t.Errorf("dirty-then-apply issued %d commits, want exactly 1", n)
	}
}

func TestApply_SectionOrderInCommit(t *testing.T) {
	f := execute.NewFakeRunner()
	s := newTestStore(f)

	s.AddRule("pass in proto udp from any to any port 53")
	s.AddRule("rdr proto tcp from any to 1.2.3.4 port 80 -> 5.6.7.8 port 8080")
	if err := s.Apply(); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	committed := f.Inputs()[0]
	rdr := strings.Index(committed, "rdr proto tcp")
	pass := strings.Index(committed, "pass in proto udp")
	if rdr == -1 || pass == -1 || rdr > pass {
		t.Errorf("translation must precede filtering in commit:\n%s", committed)
	}

	cmds := f.Commands()
	if len(cmds) != 1 || !strings.HasPrefix(cmds[0], "pfctl -a org.vnetd/agent -f -") {
		t.Errorf("unexpected commit command: %v", cmds)
	}
}

func TestDeferApply_BatchesToOneCommit(t *testing.T) {
	f := execute.NewFakeRunner()
	s := newTestStore(f)

	s.DeferApply()
	s.AddRule("pass in on br100 inet proto udp from any to any port 67")
	if err := s.Apply(); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	s.AddRule("pass in on br100 inet proto tcp from any to any port 67")
	s.AddRule("rdr inet from any to 192.0.2.10 -> 10.0.0.5")
	s.RemoveRule("pass in on br100 inet proto udp from any to any port 67")
	if err := s.Apply(); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if n := f.CallCount("pfctl"); n != 0 {
		t.Fatalf("deferred store issued %d commits, want 0", n)
	}

	if err := s.ResumeApply(); err != nil {
		t.Fatalf("ResumeApply: %v", err)
	}
	if n := f.CallCount("pfctl"); n != 1 {
		t.Fatalf("resume issued %d commits, want exactly 1", n)
	}

	committed := f.Inputs()[0]
	if strings.Contains(committed, "proto udp from any to any port 67") {
		t.Errorf("removed rule leaked into commit:\n%s", committed)
	}
	if !strings.Contains(committed, "proto tcp from any to any port 67") {
		t.Errorf("surviving rule missing from commit:\n%s", committed)
	}
	if !strings.Contains(committed, "rdr inet from any to 192.0.2.10") {
		t.Errorf("translation rule missing from commit:\n%s", committed)
	}
}

func TestApply_FailureKeepsDirty(t *testing.T) {
	f := execute.NewFakeRunner()
	f.Responses["pfctl"] = execute.Response{
		Stderr: "pfctl: syntax error",
		Err:    &execute.ProcessError{Cmd: "pfctl", ExitCode: 1, Stderr: "pfctl: syntax error"},
	}
	s := newTestStore(f)

	s.AddRule("pass in all")
	if err := s.Apply(); err == nil {
		t.Fatal("expected commit failure")
	}
	if !s.Dirty() {
		t.Error("failed commit must leave the store dirty for retry")
	}

	// Retry succeeds once the engine accepts the rules again.
	delete(f.Responses, "pfctl")
	if err := s.Apply(); err != nil {
		t.Fatalf("retry Apply: %v", err)
	}
	if s.Dirty() {
		t.Error("successful retry must clear dirtiness")
	}
}

func TestRemoveRule_AbsentIsNoop(t *testing.T) {
	s := newTestStore(execute.NewFakeRunner())

	s.RemoveRule("pass in all")
	if s.Dirty() {
		t.Error("removing an absent rule must not dirty the store")
	}
}

func TestDHCPAdmissionRules(t *testing.T) {
	rules := DHCPAdmissionRules("br100")
	if len(rules) != 4 {
		t.Fatalf("got %d rules, want 4", len(rules))
	}
	want := map[string]bool{
		"pass in on br100 inet proto udp from any to any port 67": false,
		"pass in on br100 inet proto tcp from any to any port 67": false,
		"pass in on br100 inet proto udp from any to any port 53": false,
		"pass in on br100 inet proto tcp from any to any port 53": false,
	}
	for _, r := range rules {
		if _, ok := want[r]; !ok {
			t.Errorf("unexpected rule %q", r)
		}
		want[r] = true
	}
	for r, seen := range want {
		if !seen {
			t.Errorf("missing rule %q", r)
		}
	}
}

func TestSNATRules(t *testing.T) {
	rules := SNATRules("10.0.0.0/24", "203.0.113.1", "em0", nil)
	if len(rules) != 1 {
		t.Fatalf("got %d rules, want 1", len(rules))
	}
	if rules[0] != "nat on em0 inet from 10.0.0.0/24 to 0.0.0.0/0 -> 203.0.113.1" {
		t.Errorf("rule = %q", rules[0])
	}

	rules = SNATRules("10.0.0.0/24", "203.0.113.1", "", []string{"198.51.100.0/24"})
	if rules[0] != "nat inet from 10.0.0.0/24 to 198.51.100.0/24 -> 203.0.113.1" {
		t.Errorf("rule = %q", rules[0])
	}
}

func TestFloatingRules_RoundTrip(t *testing.T) {
	f := execute.NewFakeRunner()
	s := newTestStore(f)

	s.EnsureFloatingRules("192.0.2.10", "10.0.0.5")
	if len(s.Rules()) != 1 {
		t.Fatalf("rules = %v", s.Rules())
	}
	s.RemoveFloatingRules("192.0.2.10", "10.0.0.5")
	if len(s.Rules()) != 0 {
		t.Errorf("rules not removed: %v", s.Rules())
	}
}

func TestApply_CommitArgv(t *testing.T) {
	m := &execute.MockRunner{}
	m.On("Run",
		mock.MatchedBy(func(opts execute.Opts) bool {
			return opts.RunAsRoot && strings.Contains(opts.Input, "block in on em0 all")
		}),
		"pfctl", "-a", "org.vnetd/agent", "-f", "-",
	).Return("", "", nil)

	s := newTestStore(m)
	s.AddRule("block in on em0 all")
	require.NoError(t, s.Apply())

	m.AssertExpectations(t)
	assert.False(t, s.Dirty())
}
