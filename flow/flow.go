// Package flow tracks multi-step setup dialogs ("flows") per conversation
// thread.
//
// Each flow kind is a linear, forward-only sequence of steps:
//
//	session-setup: select_machine -> select_repo -> select_subfolder -> select_start_mode -> spawn
//	task-setup:    select_machine -> select_repo_mode -> select_repo -> await_description -> create
//
// When a step is presented, the choices shown to the user are cached on the
// flow as Candidates, so a later "pick item N" answer resolves against what
// was actually shown.
package flow

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoFlow is returned when a thread has no active (unexpired) flow.
	ErrNoFlow = errors.New("no active flow")

	// ErrNoCandidate is returned when a choice index is outside the cached candidates.
	ErrNoCandidate = errors.New("no such candidate")
)

// Kind identifies a flow's step sequence.
type Kind string

const (
	KindSessionSetup Kind = "session-setup"
	KindTaskSetup    Kind = "task-setup"
)

// Step is a position within a flow kind's sequence.
type Step string

const (
	StepSelectMachine    Step = "select_machine"
	StepSelectRepo       Step = "select_repo"
	StepSelectSubfolder  Step = "select_subfolder"
	StepSelectStartMode  Step = "select_start_mode"
	StepSelectRepoMode   Step = "select_repo_mode"
	StepAwaitDescription Step = "await_description"

	// StepDone follows the last step; the flow's terminal action runs and the
	// flow is cleared.
	StepDone Step = "done"
)

var sequences = map[Kind][]Step{
	KindSessionSetup: {StepSelectMachine, StepSelectRepo, StepSelectSubfolder, StepSelectStartMode},
	KindTaskSetup:    {StepSelectMachine, StepSelectRepoMode, StepSelectRepo, StepAwaitDescription},
}

// Steps returns the step sequence of a kind.
func Steps(kind Kind) []Step {
	return append([]Step(nil), sequences[kind]...)
}

// First returns the first step of a kind, or StepDone for an unknown kind.
func First(kind Kind) Step {
	if seq := sequences[kind]; len(seq) > 0 {
		return seq[0]
	}
	return StepDone
}

// Next returns the step after step. The last step, an unknown step and an
// unknown kind are all followed by StepDone; there are no cycles.
func Next(kind Kind, step Step) Step {
	seq := sequences[kind]
	for i, s := range seq {
		if s == step && i+1 < len(seq) {
			return seq[i+1]
		}
	}
	return StepDone
}

// Repo modes offered at the task-setup select_repo_mode step.
const (
	RepoModeExisting = "existing"
	RepoModeNone     = "none"
)

// Flow is one in-progress setup dialog.
type Flow struct {
	Kind      Kind
	Step      Step
	ThreadKey string
	OwnerRef  string // who started it; informational only
	CreatedAt time.Time

	// Working fields, filled as steps resolve.
	Machine   string
	RepoMode  string
	Repo      string
	Subfolder string

	// Candidates shown at the current step.
	Candidates []string
}

// New returns a flow positioned at the first step of kind.
func New(kind Kind, threadKey, ownerRef string, now time.Time) *Flow {
	return &Flow{
		Kind:      kind,
		Step:      First(kind),
		ThreadKey: threadKey,
		OwnerRef:  ownerRef,
		CreatedAt: now,
	}
}

// Present moves the flow to step and caches the candidates shown for it.
func (f *Flow) Present(step Step, candidates []string) {
	f.Step = step
	f.Candidates = append([]string(nil), candidates...)
}

// Resolve returns the candidate at index (0-based) from the current step's
// cached list.
func (f *Flow) Resolve(index int) (string, error) {
	if index < 0 || index >= len(f.Candidates) {
		return "", fmt.Errorf("%w: index %d of %d at step %s", ErrNoCandidate, index, len(f.Candidates), f.Step)
	}
	return f.Candidates[index], nil
}

// Advance moves to the next step and drops the cached candidates. It
// returns the new step.
func (f *Flow) Advance() Step {
	f.Step = Next(f.Kind, f.Step)
	f.Candidates = nil
	return f.Step
}

// Done reports whether the flow has passed its last step.
func (f *Flow) Done() bool {
	return f.Step == StepDone
}

// Expired reports whether the flow is older than ttl at now.
func (f *Flow) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(f.CreatedAt) > ttl
}

// Clone returns a deep copy.
func (f *Flow) Clone() *Flow {
	if f == nil {
		return nil
	}
	c := *f
	c.Candidates = append([]string(nil), f.Candidates...)
	return &c
}
