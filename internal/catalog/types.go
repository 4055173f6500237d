// Package catalog holds the read-only persona and scenario records a session is
// built from, and the role binding derived from them.
//
// Records are fetched before a session starts and treated as immutable
// snapshots for the lifetime of that session.
package catalog

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a persona or scenario does not exist.
	ErrNotFound = errors.New("catalog: not found")
	// ErrUnknownRole is returned when a scenario has no role with the requested id.
	ErrUnknownRole = errors.New("catalog: unknown role")
	// ErrInvalidRecord is returned when a document fails validation.
	ErrInvalidRecord = errors.New("catalog: invalid record")
)

// Phase is an ordered stage of the clinical encounter.
type Phase string

const (
	PhaseSubjective Phase = "subjective"
	PhaseObjective  Phase = "objective"
	PhaseTreatment  Phase = "treatment"
)

// PhaseSequence is the fixed encounter order.
var PhaseSequence = []Phase{PhaseSubjective, PhaseObjective, PhaseTreatment}

// Index returns the position of p in PhaseSequence, or -1.
func (p Phase) Index() int {
	for i, q := range PhaseSequence {
		if q == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p is part of PhaseSequence.
func (p Phase) Valid() bool { return p.Index() >= 0 }

// RoleKind is the behavioral slot a role fills.
type RoleKind string

const (
	KindPatient    RoleKind = "patient"
	KindTranslator RoleKind = "translator"
	KindFamily     RoleKind = "family"
	KindClinician  RoleKind = "clinician"
)

// PatientRoleID is the role every scenario carries.
const PatientRoleID = "patient"

// Demographics are identity fields surfaced verbatim to the model.
type Demographics struct {
	Name     string            `yaml:"name" json:"name,omitempty"`
	DOB      string            `yaml:"dob" json:"dob,omitempty"`
	Age      string            `yaml:"age" json:"age,omitempty"`
	Sex      string            `yaml:"sex" json:"sex,omitempty"`
	Pronouns string            `yaml:"pronouns" json:"pronouns,omitempty"`
	Extra    map[string]string `yaml:"extra" json:"extra,omitempty"`
}

// Style is manner only: it never carries facts or role behavior.
type Style struct {
	Tone     string   `yaml:"tone" json:"tone,omitempty"`
	Register string   `yaml:"register" json:"register,omitempty"`
	Pace     string   `yaml:"pace" json:"pace,omitempty"`
	Notes    []string `yaml:"notes" json:"notes,omitempty"`
}

// IsZero reports whether no style field is set.
func (s Style) IsZero() bool {
	return s.Tone == "" && s.Register == "" && s.Pace == "" && len(s.Notes) == 0
}

// Merge returns s with every non-empty field of over applied on top.
// Notes accumulate.
func (s Style) Merge(over Style) Style {
	out := Style{Tone: s.Tone, Register: s.Register, Pace: s.Pace}
	if over.Tone != "" {
		out.Tone = over.Tone
	}
	if over.Register != "" {
		out.Register = over.Register
	}
	if over.Pace != "" {
		out.Pace = over.Pace
	}
	out.Notes = append(append([]string(nil), s.Notes...), over.Notes...)
	return out
}

// RoleOverride is a persona's manner adjustment for one role.
type RoleOverride struct {
	Voice string `yaml:"voice" json:"voice,omitempty"`
	Style Style  `yaml:"style" json:"style"`
}

// Persona is an externally authored character record.
type Persona struct {
	ID            string                  `yaml:"id" json:"id"`
	DisplayName   string                  `yaml:"display_name" json:"display_name"`
	Summary       string                  `yaml:"summary" json:"summary,omitempty"`
	Voice         string                  `yaml:"voice" json:"voice,omitempty"`
	Demographics  Demographics            `yaml:"demographics" json:"demographics"`
	Style         Style                   `yaml:"style" json:"style"`
	RoleOverrides map[string]RoleOverride `yaml:"role_overrides" json:"role_overrides,omitempty"`
}

// GateOverride adjusts a default gate for one role.
type GateOverride struct {
	// Required set to false lets the role bypass the gate.
	Required *bool `yaml:"required" json:"required,omitempty"`
	// Initial starts the gate at a later state.
	Initial string `yaml:"initial" json:"initial,omitempty"`
}

// Role is one scenario-authored role definition.
type Role struct {
	ID          string   `yaml:"id" json:"id"`
	Kind        RoleKind `yaml:"kind" json:"kind"`
	DisplayName string   `yaml:"display_name" json:"display_name,omitempty"`
	// Instruction is nil when the scenario leaves the role directive to the default.
	Instruction   *string                 `yaml:"instruction" json:"instruction,omitempty"`
	AllowedPhases []Phase                 `yaml:"allowed_phases" json:"allowed_phases,omitempty"`
	Gates         map[string]GateOverride `yaml:"gates" json:"gates,omitempty"`
	Style         Style                   `yaml:"style" json:"style"`
}

// MediaRef is a scenario asset the model may refer to but never describe as shown.
type MediaRef struct {
	ID          string `yaml:"id" json:"id"`
	Kind        string `yaml:"kind" json:"kind,omitempty"`
	Title       string `yaml:"title" json:"title,omitempty"`
	Description string `yaml:"description" json:"description,omitempty"`
}

// Scenario is an externally authored case bundle.
type Scenario struct {
	ID           string            `yaml:"id" json:"id"`
	Title        string            `yaml:"title" json:"title"`
	Summary      string            `yaml:"summary" json:"summary,omitempty"`
	StartPhase   Phase             `yaml:"start_phase" json:"start_phase,omitempty"`
	Roles        []Role            `yaml:"roles" json:"roles"`
	Facts        []string          `yaml:"facts" json:"facts,omitempty"`
	HiddenAgenda string            `yaml:"hidden_agenda" json:"hidden_agenda,omitempty"`
	Media        []MediaRef        `yaml:"media" json:"media,omitempty"`
	Extensions   map[string]string `yaml:"extensions" json:"extensions,omitempty"`
}

// Role returns the role with the given id.
func (s Scenario) Role(id string) (Role, bool) {
	for _, r := range s.Roles {
		if r.ID == id {
			return r, true
		}
	}
	return Role{}, false
}

// Normalize fills defaults in place: a patient role is always present and
// every role has a kind.
func (s *Scenario) Normalize() {
	if _, ok := s.Role(PatientRoleID); !ok {
		s.Roles = append([]Role{{ID: PatientRoleID, Kind: KindPatient}}, s.Roles...)
	}
	for i := range s.Roles {
		r := &s.Roles[i]
		if r.Kind == "" {
			r.Kind = RoleKind(strings.ToLower(r.ID))
		}
	}
	if s.StartPhase == "" {
		s.StartPhase = PhaseSubjective
	}
}

// Binding is the role in effect for a session: the scenario role merged with
// the persona's override for it.
type Binding struct {
	RoleID        string
	Kind          RoleKind
	DisplayName   string
	Instruction   *string
	AllowedPhases []Phase
	Gates         map[string]GateOverride
	Style         Style
	Voice         string
}

// Bind resolves roleID against the scenario and applies the persona override.
// An empty roleID selects the patient role. The persona may only change manner:
// voice and style. Instruction, phases and gates always come from the scenario.
func Bind(p Persona, s Scenario, roleID string) (Binding, error) {
	if roleID == "" {
		roleID = PatientRoleID
	}
	s.Roles = append([]Role(nil), s.Roles...)
	s.Normalize()
	r, ok := s.Role(roleID)
	if !ok {
		return Binding{}, ErrUnknownRole
	}
	b := Binding{
		RoleID:        r.ID,
		Kind:          r.Kind,
		DisplayName:   r.DisplayName,
		Instruction:   r.Instruction,
		AllowedPhases: append([]Phase(nil), r.AllowedPhases...),
		Gates:         make(map[string]GateOverride, len(r.Gates)),
		Style:         r.Style.Merge(p.Style),
		Voice:         p.Voice,
	}
	for k, v := range r.Gates {
		b.Gates[k] = v
	}
	if ov, ok := p.RoleOverrides[r.ID]; ok {
		b.Style = b.Style.Merge(ov.Style)
		if ov.Voice != "" {
			b.Voice = ov.Voice
		}
	}
	return b, nil
}

// PhaseAllowed reports whether the binding permits phase p. An empty
// allowed list permits the whole sequence.
func (b Binding) PhaseAllowed(p Phase) bool {
	if !p.Valid() {
		return false
	}
	if len(b.AllowedPhases) == 0 {
		return true
	}
	for _, q := range b.AllowedPhases {
		if q == p {
			return true
		}
	}
	return false
}
