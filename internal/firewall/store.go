// Package firewall accumulates pf rules for the agent's anchor and commits
// them to the kernel as a single atomic transaction. The store is
// process-wide shared state: it is created once at startup, injected into
// every component that contributes rules, and lives for the process
// lifetime.
package firewall

import (
	"fmt"
	"strings"
	"sync"

	"grimm.is/vnetd/internal/execute"
	"grimm.is/vnetd/internal/hostlock"
	"grimm.is/vnetd/internal/logging"
	"grimm.is/vnetd/internal/metrics"
)

// Section is the pf ruleset section a rule belongs to. pf loads translation
// rules before filtering rules, so emission order follows section order.
type Section int

const (
	// SectionTranslation holds nat/rdr/binat rules.
	SectionTranslation Section = iota
	// SectionFiltering holds pass/block rules.
	SectionFiltering
)

func (s Section) String() string {
	switch s {
	case SectionTranslation:
		return "translation"
	case SectionFiltering:
		return "filtering"
	}
	return "unknown"
}

// sectionFor classifies a trimmed rule by its leading token. Unrecognized
// verbs are rejected so a malformed fragment can never poison the atomic
// commit.
func sectionFor(rule string) (Section, bool) {
	head, _, _ := strings.Cut(rule, " ")
	switch head {
	case "nat", "rdr", "binat":
		return SectionTranslation, true
	case "pass", "block":
		return SectionFiltering, true
	}
	return 0, false
}

// Store accumulates rule text by section, tracks dirtiness and commits the
// whole set through pfctl. Mutation is guarded by an internal mutex;
// the commit itself additionally holds the "firewall" host lock so
// concurrent agent processes never interleave partial rule sets.
type Store struct {
	runner execute.Runner
	locks  *hostlock.Manager
	anchor string
	logger *logging.Logger

	mu          sync.Mutex
	translation []string
	filtering   []string
	dirty       bool
	deferred    bool
	generation  uint64
}

// NewStore creates a rule store committing to the given pf anchor.
func NewStore(runner execute.Runner, locks *hostlock.Manager, anchor string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{
		runner: runner,
		locks:  locks,
		anchor: anchor,
		logger: logger.Component("firewall"),
	}
}

// AddRule stores a rule in its section. Duplicate text within a section is
// suppressed; insertion order is preserved for emission.
func (s *Store) AddRule(rule string) {
	cleaned := strings.TrimSpace(rule)
	section, ok := sectionFor(cleaned)
	if !ok {
		metrics.Get().RulesRejected.Inc()
		s.logger.Warn("rejecting rule with unrecognized verb", "rule", cleaned)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.sectionList(section)
	for _, r := range *list {
		if r == cleaned {
			return
		}
	}
	*list = append(*list, cleaned)
	s.dirty = true
	s.generation++
	s.logger.Debug("added rule", "section", section.String(), "rule", cleaned)
}

// RemoveRule deletes a rule from its section. Removing an absent rule is a
// no-op.
func (s *Store) RemoveRule(rule string) {
	cleaned := strings.TrimSpace(rule)
	section, ok := sectionFor(cleaned)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.sectionList(section)
	for i, r := range *list {
		if r == cleaned {
			*list = append((*list)[:i], (*list)[i+1:]...)
			s.dirty = true
			s.generation++
			s.logger.Debug("removed rule", "section", section.String(), "rule", cleaned)
			return
		}
	}
}

func (s *Store) sectionList(section Section) *[]string {
	if section == SectionTranslation {
		return &s.translation
	}
	return &s.filtering
}

// DeferApply switches the store into batching mode: Apply becomes a no-op
// until ResumeApply.
func (s *Store) DeferApply() {
	s.mu.Lock()
	s.deferred = true
	s.mu.Unlock()
}

// ResumeApply leaves batching mode and fires the pending apply.
func (s *Store) ResumeApply() error {
	s.mu.Lock()
	s.deferred = false
	s.mu.Unlock()
	return s.Apply()
}

// Dirty reports whether uncommitted mutations exist.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Rules returns the current rule text in commit order. Used by status
// reporting and tests.
func (s *Store) Rules() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.translation)+len(s.filtering))
	out = append(out, s.translation...)
	out = append(out, s.filtering...)
	return out
}

// Apply commits the full accumulated rule set if the store is dirty and not
// deferred. The entire set is always sent, never a diff: pf's anchor load
// replaces the previous contents wholesale, so after a crash the next
// apply reconstructs current intent from scratch.
func (s *Store) Apply() error {
	s.mu.Lock()
	if s.deferred {
		s.mu.Unlock()
		return nil
	}
	if !s.dirty {
		s.mu.Unlock()
		s.logger.Debug("skipping apply, no rule changes")
		return nil
	}
	text := s.renderLocked()
	gen := s.generation
	s.mu.Unlock()

	err := s.locks.WithLock(hostlock.LockFirewall, func() error {
		_, _, err := s.runner.Run(
			execute.Opts{RunAsRoot: true, Input: text},
			"pfctl", "-a", s.anchor, "-f", "-")
		return err
	})
	if err != nil {
		metrics.Get().RulesetCommitErrors.Inc()
		return fmt.Errorf("loading pf anchor %s: %w", s.anchor, err)
	}

	// Clear dirtiness only if no mutation raced with the commit, so a
	// concurrent AddRule still gets flushed by the next apply.
	s.mu.Lock()
	if s.generation == gen {
		s.dirty = false
	}
	s.mu.Unlock()

	metrics.Get().RulesetCommits.Inc()
	s.logger.Info("committed ruleset", "anchor", s.anchor)
	return nil
}

// renderLocked emits the full rule text, translation section first.
// Callers must hold s.mu.
func (s *Store) renderLocked() string {
	lines := make([]string, 0, len(s.translation)+len(s.filtering)+1)
	lines = append(lines, s.translation...)
	lines = append(lines, s.filtering...)
	return strings.Join(lines, "\n") + "\n"
}
