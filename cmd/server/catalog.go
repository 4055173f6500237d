package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danstonedev/EMRsim-chat-sub002/internal/catalog"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/gate"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/instructions"
)

var personasCmd = &cobra.Command{
	Use:   "personas",
	Short: "List catalog personas",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		src, err := openCatalog(cfg)
		if err != nil {
			return err
		}
		ps, err := src.Personas(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, p := range ps {
			fmt.Fprintf(out, "%-24s %-20s voice=%s\n", p.ID, p.DisplayName, p.Voice)
		}
		return nil
	},
}

var scenariosCmd = &cobra.Command{
	Use:   "scenarios",
	Short: "List catalog scenarios and their roles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		src, err := openCatalog(cfg)
		if err != nil {
			return err
		}
		ss, err := src.Scenarios(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, s := range ss {
			roles := make([]string, len(s.Roles))
			for i, r := range s.Roles {
				roles[i] = r.ID
			}
			fmt.Fprintf(out, "%-28s %s [%s]\n", s.ID, s.Title, strings.Join(roles, ", "))
		}
		return nil
	},
}

var composeFlags struct {
	persona  string
	scenario string
	role     string
	phase    string
	gates    map[string]string
}

var composeCmd = &cobra.Command{
	Use:   "compose",
	Short: "Print the instruction a session would send",
	Long: `compose renders the model instruction for a persona, scenario and role at a
given phase and gate state, without opening a session.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		src, err := openCatalog(cfg)
		if err != nil {
			return err
		}
		f := composeFlags
		persona, err := src.Persona(cmd.Context(), f.persona)
		if err != nil {
			return fmt.Errorf("load persona %q: %w", f.persona, err)
		}
		scenario, err := src.Scenario(cmd.Context(), f.scenario)
		if err != nil {
			return fmt.Errorf("load scenario %q: %w", f.scenario, err)
		}
		return writeInstruction(cmd.OutOrStdout(), persona, scenario, f.role, catalog.Phase(f.phase), f.gates)
	},
}

func init() {
	composeCmd.Flags().StringVarP(&composeFlags.persona, "persona", "p", "", "persona id")
	composeCmd.Flags().StringVarP(&composeFlags.scenario, "scenario", "s", "", "scenario id")
	composeCmd.Flags().StringVarP(&composeFlags.role, "role", "r", "", "role id (default patient)")
	composeCmd.Flags().StringVar(&composeFlags.phase, "phase", "", "phase to render (default the scenario start)")
	composeCmd.Flags().StringToStringVar(&composeFlags.gates, "gate", nil, "gate states, e.g. --gate consent=granted")
	_ = composeCmd.MarkFlagRequired("persona")
	_ = composeCmd.MarkFlagRequired("scenario")
}

// writeInstruction replays the phase and gate changes a live session would go
// through and writes the resulting instruction.
func writeInstruction(w io.Writer, persona catalog.Persona, scenario catalog.Scenario, roleID string, phase catalog.Phase, gates map[string]string) error {
	scenario.Normalize()
	binding, err := catalog.Bind(persona, scenario, roleID)
	if err != nil {
		return fmt.Errorf("bind role %q: %w", roleID, err)
	}
	ev := gate.New()
	ev.Reset(scenario.StartPhase)
	if phase != "" {
		if _, err := ev.RequestPhase(phase, binding); err != nil {
			return err
		}
	}
	for name, state := range gates {
		if _, err := ev.Advance(name, gate.State(state)); err != nil {
			return err
		}
	}
	text := instructions.Compose(instructions.Input{
		Persona:  persona,
		Scenario: scenario,
		Binding:  binding,
		Gates:    ev.Evaluate(scenario, binding),
	})
	_, err = fmt.Fprintln(w, text)
	return err
}
