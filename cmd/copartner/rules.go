package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/copartner/internal/config"
	"github.com/nidhogg/copartner/internal/safety"
)

func init() {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Work with safety rule profiles",
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Compile a rules file and optionally evaluate one action against it",
		Long: "Compiles every profile in the rules file. With --kind, evaluates the described action " +
			"against the chosen profile and prints the decision.",
		Run: runRulesCheck,
	}
	check.Flags().StringP("file", "f", "", "Rules file (default: safety.rules_path from config, else built-in rules)")
	check.Flags().StringP("profile", "p", "", "Profile to evaluate against (default: safety.profile)")
	check.Flags().String("kind", "", "Action kind to evaluate, e.g. memory.purge")
	check.Flags().String("target", "", "Action target")
	check.Flags().String("description", "", "Action description")
	check.Flags().Bool("side-effect", false, "Action changes something outside the assistant")
	check.Flags().Bool("network", false, "Action needs the network")
	check.Flags().StringToString("param", nil, "Action parameter key=value (repeatable)")
	check.Flags().String("mode", "", "Mode to evaluate in (default: config mode)")

	rulesCmd.AddCommand(check)
	rootCmd.AddCommand(rulesCmd)
}

func runRulesCheck(cmd *cobra.Command, args []string) {
	file, _ := cmd.Flags().GetString("file")
	profile, _ := cmd.Flags().GetString("profile")
	kind, _ := cmd.Flags().GetString("kind")
	mode, _ := cmd.Flags().GetString("mode")

	cfg, err := loadConfig()
	if err != nil {
		exitErr("load config", err)
	}
	sc := cfg.Safety
	if file != "" {
		sc.RulesPath = file
	}
	if profile != "" {
		sc.Profile = profile
	}
	rules, err := loadRules(sc, zap.NewNop())
	if err != nil {
		exitErr("rules", err)
	}
	fmt.Printf("OK: profiles %s (active: %s)\n", strings.Join(rules.Names(), ", "), rules.Active())
	if kind == "" {
		return
	}

	target, _ := cmd.Flags().GetString("target")
	desc, _ := cmd.Flags().GetString("description")
	side, _ := cmd.Flags().GetBool("side-effect")
	network, _ := cmd.Flags().GetBool("network")
	params, _ := cmd.Flags().GetStringToString("param")

	m := cfg.Mode
	if mode != "" {
		m = config.Mode(mode)
	}
	if !m.Valid() {
		exitErr("mode", fmt.Errorf("invalid mode %q", m))
	}
	d := safety.Evaluate(safety.Action{
		Kind:        kind,
		Description: desc,
		Target:      target,
		SideEffect:  side,
		Network:     network,
		Params:      params,
	}, m, rules.Current())
	printJSON(d)
}
