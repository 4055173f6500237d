// Package gate tracks the encounter phase and the named gates (consent,
// greeting, ...) that shape what the simulated patient will do next.
package gate

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danstonedev/EMRsim-chat-sub002/internal/catalog"
)

var (
	// ErrInvalidPhaseTransition is returned for phase requests the role does not permit.
	ErrInvalidPhaseTransition = errors.New("gate: invalid phase transition")
	// ErrGateRegression is returned when a gate would move backwards.
	ErrGateRegression = errors.New("gate: gate cannot move backwards")
	// ErrUnknownGate is returned for gate names or states that are not defined.
	ErrUnknownGate = errors.New("gate: unknown gate")
)

// State is one value of a gate.
type State string

// Definition declares a gate and its ordered states. States[0] is the initial
// state and the last state is terminal.
type Definition struct {
	Name   string
	States []State
	// Reminder is the line composed into the instruction while the gate is outstanding.
	Reminder string
}

func (d Definition) index(s State) int {
	for i, q := range d.States {
		if q == s {
			return i
		}
	}
	return -1
}

func (d Definition) terminal() State { return d.States[len(d.States)-1] }

// Defaults are the gates every encounter carries.
var Defaults = []Definition{
	{
		Name:     "consent",
		States:   []State{"pending", "granted"},
		Reminder: "Consent has not been obtained: do not agree to a physical examination until the clinician explains it and asks permission.",
	},
	{
		Name:     "greeting",
		States:   []State{"not_started", "done"},
		Reminder: "The clinician has not introduced themselves yet: wait for an introduction before volunteering details.",
	},
}

// Snapshot is the evaluated gate view consumed by the instruction composer.
type Snapshot struct {
	Phase    catalog.Phase
	Gates    map[string]State
	Required map[string]bool
	// Outstanding lists reminders for required gates not in their terminal
	// state, in definition order.
	Outstanding []string
}

// Hash is a stable digest of the snapshot. Maps are encoded in sorted key order.
func (s Snapshot) Hash() string {
	h := sha256.New()
	writeField := func(v string) {
		fmt.Fprintf(h, "%d:%s;", len(v), v)
	}
	writeField(string(s.Phase))
	names := make([]string, 0, len(s.Gates))
	for name := range s.Gates {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeField(name)
		writeField(string(s.Gates[name]))
		if s.Required[name] {
			writeField("1")
		} else {
			writeField("0")
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Evaluator owns the phase and gate state of one session.
type Evaluator struct {
	defs []Definition

	mu     sync.Mutex
	start  catalog.Phase
	phase  catalog.Phase
	states map[string]State
}

// New returns an evaluator over defs, or Defaults when none are given.
func New(defs ...Definition) *Evaluator {
	if len(defs) == 0 {
		defs = Defaults
	}
	e := &Evaluator{defs: defs, start: catalog.PhaseSubjective}
	e.resetLocked()
	return e
}

// Reset restores every gate to its initial state and the phase to start.
// A zero start keeps the previous starting phase.
func (e *Evaluator) Reset(start catalog.Phase) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if start.Valid() {
		e.start = start
	}
	e.resetLocked()
}

func (e *Evaluator) resetLocked() {
	e.phase = e.start
	e.states = make(map[string]State, len(e.defs))
	for _, d := range e.defs {
		e.states[d.Name] = d.States[0]
	}
}

func (e *Evaluator) def(name string) (Definition, bool) {
	for _, d := range e.defs {
		if d.Name == name {
			return d, true
		}
	}
	return Definition{}, false
}

// Evaluate applies the binding's gate overrides to the current state and
// returns the resulting snapshot. A role override with an Initial state moves
// the gate forward (never back) and that advance persists for the session.
func (e *Evaluator) Evaluate(s catalog.Scenario, b catalog.Binding) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{
		Phase:    e.phase,
		Gates:    make(map[string]State, len(e.defs)),
		Required: make(map[string]bool, len(e.defs)),
	}
	for _, d := range e.defs {
		required := true
		if ov, ok := b.Gates[d.Name]; ok {
			if ov.Required != nil {
				required = *ov.Required
			}
			if init := State(ov.Initial); init != "" && d.index(init) > d.index(e.states[d.Name]) {
				e.states[d.Name] = init
			}
		}
		st := e.states[d.Name]
		snap.Gates[d.Name] = st
		snap.Required[d.Name] = required
		if required && st != d.terminal() && d.Reminder != "" {
			snap.Outstanding = append(snap.Outstanding, d.Reminder)
		}
	}
	return snap
}

// Phase returns the current phase.
func (e *Evaluator) Phase() catalog.Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// State returns the current state of a gate.
func (e *Evaluator) State(name string) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[name]
	return st, ok
}

// Advance moves a gate to a later state. Re-applying the current state is a no-op.
func (e *Evaluator) Advance(name string, to State) (changed bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.def(name)
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownGate, name)
	}
	next := d.index(to)
	if next < 0 {
		return false, fmt.Errorf("%w: %q has no state %q", ErrUnknownGate, name, to)
	}
	cur := d.index(e.states[name])
	switch {
	case next == cur:
		return false, nil
	case next < cur:
		return false, fmt.Errorf("%w: %s %s -> %s", ErrGateRegression, name, e.states[name], to)
	}
	e.states[name] = to
	return true, nil
}

// RequestPhase moves to target when the binding permits it.
//
// The target must be in the role's allowed phases and must not be behind the
// current phase. Without an explicit allowed list only the next phase in
// sequence is reachable; listing a phase explicitly permits jumping to it.
// On error the phase is unchanged.
func (e *Evaluator) RequestPhase(target catalog.Phase, b catalog.Binding) (changed bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !b.PhaseAllowed(target) {
		return false, fmt.Errorf("%w: role %q does not allow phase %q", ErrInvalidPhaseTransition, b.RoleID, target)
	}
	cur, next := e.phase.Index(), target.Index()
	switch {
	case next == cur:
		return false, nil
	case next < cur:
		return false, fmt.Errorf("%w: %s -> %s moves backwards", ErrInvalidPhaseTransition, e.phase, target)
	case next > cur+1 && len(b.AllowedPhases) == 0:
		return false, fmt.Errorf("%w: %s -> %s skips %s", ErrInvalidPhaseTransition, e.phase, target,
			joinPhases(catalog.PhaseSequence[cur+1:next]))
	}
	e.phase = target
	return true, nil
}

func joinPhases(ps []catalog.Phase) string {
	s := make([]string, len(ps))
	for i, p := range ps {
		s[i] = string(p)
	}
	return strings.Join(s, ", ")
}
