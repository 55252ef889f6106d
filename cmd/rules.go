package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/apiforward/apiforward/internal/bus"
	"github.com/apiforward/apiforward/internal/config"
	"github.com/apiforward/apiforward/internal/declarative"
	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage the rule set",
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace the rule set with a JSON rules file",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesImport,
}

var rulesExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write the current rule set as JSON",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRulesExport,
}

var rulesCompileCmd = &cobra.Command{
	Use:   "compile [file]",
	Short: "Show the declarative rules derived from the rule set",
	Long:  "Compile derives the host-enforced declarative rules from a rules file, or from the current rule set when no file is given.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRulesCompile,
}

var compileOutput string

func init() {
	rulesCompileCmd.Flags().StringVarP(&compileOutput, "output", "o", "", "Write the compiled rules to this file")
	rulesCmd.AddCommand(rulesImportCmd, rulesExportCmd, rulesCompileCmd)
}

func runRulesImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setClientLog(cfg)
	defer shutdown()

	rules, err := readRulesFile(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	t, _, err := connect(ctx, cfg, nil)
	if err != nil {
		return err
	}
	if _, err := send(ctx, t, bus.RulesMessage(rules)); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d rules.\n", len(rules))
	return nil
}

func runRulesExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setClientLog(cfg)
	defer shutdown()

	ctx := cmd.Context()
	t, _, err := connect(ctx, cfg, nil)
	if err != nil {
		return err
	}
	reply, err := send(ctx, t, bus.Message{Type: bus.TypeGetConfig})
	if err != nil {
		return err
	}
	return writeJSONOut(cmd, args, reply.Rules)
}

func runRulesCompile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setClientLog(cfg)
	defer shutdown()

	ctx := cmd.Context()
	engine := declarative.NewEngine()
	if len(args) == 1 {
		rules, err := readRulesFile(args[0])
		if err != nil {
			return err
		}
		if err := declarative.NewApplier(engine).Apply(ctx, rules); err != nil {
			return err
		}
	} else if err := installCurrent(ctx, cfg, engine); err != nil {
		return err
	}

	compiled, err := engine.DynamicRules(ctx)
	if err != nil {
		return err
	}
	if compileOutput != "" {
		if err := declarative.SaveJSON(compileOutput, compiled); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d declarative rules to %s.\n", len(compiled), compileOutput)
		return nil
	}
	return writeJSONOut(cmd, nil, compiled)
}

// installCurrent fills engine with the declarative rules of the current
// rule set. In-process the background context installs them itself.
func installCurrent(ctx context.Context, cfg *config.Config, engine *declarative.Engine) error {
	t, _, err := connect(ctx, cfg, engine)
	if err != nil {
		return err
	}
	if cfg.Remote == "" {
		return nil
	}
	reply, err := send(ctx, t, bus.Message{Type: bus.TypeGetConfig})
	if err != nil {
		return err
	}
	return declarative.NewApplier(engine).Apply(ctx, reply.Rules)
}

// writeJSONOut writes v as indented JSON to args[0], or to stdout when no
// file is given.
func writeJSONOut(cmd *cobra.Command, args []string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if len(args) == 0 || args[0] == "-" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	return os.WriteFile(args[0], data, 0o644)
}
