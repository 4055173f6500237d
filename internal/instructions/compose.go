// Package instructions merges persona, scenario, role and gate state into the
// instruction text sent to the realtime model.
package instructions

import (
	"fmt"
	"sort"
	"strings"

	"github.com/danstonedev/EMRsim-chat-sub002/internal/catalog"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/gate"
)

// Input is everything a composition depends on. Compose reads nothing else.
type Input struct {
	Persona  catalog.Persona
	Scenario catalog.Scenario
	Binding  catalog.Binding
	Gates    gate.Snapshot
}

const safetyBaseline = `You are a simulated standardized patient in a clinical training exercise with a learner.
- Stay in character for the whole conversation. Never say you are an AI, a model, or a simulation.
- Never give the learner medical advice, diagnoses, or test results they have not obtained.
- If the learner says something unsafe or abusive, respond as a real person would and do not escalate.
- Do not invent clinical facts beyond the case facts below. When asked something the facts do not cover, answer vaguely and consistently with them.
These rules override every later section.`

const communicationStyle = `Speak naturally, in short spoken sentences. Answer only what was asked; let the learner lead.
Do not list symptoms unprompted, do not use medical terms a layperson would not know, and do not summarize the case.`

const mediaPolicy = `Case media (images, ECGs, reports) exist only when the learner refers to them. Never describe them as if you were showing them, and never read out their findings.`

var defaultDirectives = map[catalog.RoleKind]string{
	catalog.KindPatient:    "You are the patient. Speak in the first person about your own symptoms and history, as described in the case facts.",
	catalog.KindTranslator: "You are a medical interpreter. Translate faithfully between the learner and the patient in the first person. Do not add, omit, or soften anything, and do not answer for the patient.",
	catalog.KindFamily:     "You are a family member accompanying the patient. Share what you have observed, defer to the patient about their own feelings, and do not speak over them.",
	catalog.KindClinician:  "You are a supervising clinician observing the encounter. Answer only questions addressed to you, briefly, and do not take over the interview.",
}

var phaseFraming = map[catalog.Phase]string{
	catalog.PhaseSubjective: "The encounter is in the subjective phase: the learner is taking the history. Answer questions about symptoms and background.",
	catalog.PhaseObjective:  "The encounter is in the objective phase: the learner is examining you. Describe only what you feel when examined and follow simple instructions.",
	catalog.PhaseTreatment:  "The encounter is in the treatment phase: the learner is explaining findings and a plan. React to the plan, ask the questions a real patient would, and voice concerns.",
}

// DefaultDirective returns the built-in directive for a role kind. Unknown
// kinds fall back to the patient directive.
func DefaultDirective(kind catalog.RoleKind) string {
	if d, ok := defaultDirectives[kind]; ok {
		return d
	}
	return defaultDirectives[catalog.KindPatient]
}

// Compose renders the instruction for in. Sections are emitted strongest first
// and every later section is framed as subordinate to the earlier ones.
// The output depends only on in.
func Compose(in Input) string {
	var b strings.Builder

	section(&b, "Ground rules", safetyBaseline)

	if len(in.Scenario.Facts) > 0 || in.Scenario.Summary != "" {
		var f strings.Builder
		f.WriteString("These are true and must never be contradicted.\n")
		if in.Scenario.Summary != "" {
			fmt.Fprintf(&f, "Case: %s\n", in.Scenario.Summary)
		}
		for _, fact := range in.Scenario.Facts {
			fmt.Fprintf(&f, "- %s\n", fact)
		}
		section(&b, "Case facts", f.String())
	}

	section(&b, "Your role", roleDirective(in.Binding))

	if who := identity(in.Persona.Demographics); who != "" {
		section(&b, "Who you are", who)
	}
	if st := styleText(in.Binding); st != "" {
		section(&b, "Manner", "This changes only how you speak, never what is true or who you are.\n"+st)
	}

	if agenda := strings.TrimSpace(in.Scenario.HiddenAgenda); agenda != "" {
		section(&b, "Private motivation", "Let this shape your behavior but never state it directly.\n"+agenda)
	}

	section(&b, "Conversation", communicationStyle)
	if len(in.Scenario.Media) > 0 {
		var m strings.Builder
		m.WriteString(mediaPolicy)
		m.WriteString("\nAvailable:\n")
		for _, ref := range in.Scenario.Media {
			fmt.Fprintf(&m, "- %s (%s)\n", firstNonEmpty(ref.Title, ref.ID), firstNonEmpty(ref.Kind, "media"))
		}
		section(&b, "Media", m.String())
	} else {
		section(&b, "Media", mediaPolicy)
	}
	if frame, ok := phaseFraming[in.Gates.Phase]; ok {
		section(&b, "Phase", frame)
	}
	if len(in.Gates.Outstanding) > 0 {
		var g strings.Builder
		for _, r := range in.Gates.Outstanding {
			fmt.Fprintf(&g, "- %s\n", r)
		}
		section(&b, "Reminders", g.String())
	}
	if len(in.Scenario.Extensions) > 0 {
		keys := make([]string, 0, len(in.Scenario.Extensions))
		for k := range in.Scenario.Extensions {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var e strings.Builder
		for _, k := range keys {
			fmt.Fprintf(&e, "- %s: %s\n", k, in.Scenario.Extensions[k])
		}
		section(&b, "Setting", e.String())
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}

func roleDirective(b catalog.Binding) string {
	directive := DefaultDirective(b.Kind)
	if b.Instruction != nil && strings.TrimSpace(*b.Instruction) != "" {
		directive = strings.TrimSpace(*b.Instruction)
	}
	if b.DisplayName != "" {
		directive = fmt.Sprintf("Role: %s.\n%s", b.DisplayName, directive)
	}
	return directive
}

func identity(d catalog.Demographics) string {
	var b strings.Builder
	line := func(label, v string) {
		if v != "" {
			fmt.Fprintf(&b, "%s: %s\n", label, v)
		}
	}
	line("Name", d.Name)
	line("Date of birth", d.DOB)
	line("Age", d.Age)
	line("Sex", d.Sex)
	line("Pronouns", d.Pronouns)
	keys := make([]string, 0, len(d.Extra))
	for k := range d.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line(k, d.Extra[k])
	}
	return b.String()
}

func styleText(b catalog.Binding) string {
	var s strings.Builder
	line := func(label, v string) {
		if v != "" {
			fmt.Fprintf(&s, "- %s: %s\n", label, v)
		}
	}
	line("Tone", b.Style.Tone)
	line("Register", b.Style.Register)
	line("Pace", b.Style.Pace)
	for _, n := range b.Style.Notes {
		fmt.Fprintf(&s, "- %s\n", n)
	}
	line("Voice", b.Voice)
	return s.String()
}

func section(b *strings.Builder, title, body string) {
	fmt.Fprintf(b, "## %s\n%s\n\n", title, strings.TrimRight(body, "\n"))
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if s != "" {
			return s
		}
	}
	return ""
}
