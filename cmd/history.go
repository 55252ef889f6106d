package cmd

import (
	"fmt"

	"github.com/apiforward/apiforward/internal/bus"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect the request history",
}

var historyListCmd = &cobra.Command{
	Use:   "list [file]",
	Short: "Print the history, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistoryMessage(bus.TypeGetHistory),
}

var historyExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the history to a file in the export directory",
	Args:  cobra.NoArgs,
	RunE:  runHistoryMessage(bus.TypeExportHistory),
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the history",
	Args:  cobra.NoArgs,
	RunE:  runHistoryMessage(bus.TypeClearHistory),
}

func init() {
	historyCmd.AddCommand(historyListCmd, historyExportCmd, historyClearCmd)
}

func runHistoryMessage(typ bus.Type) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
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
		reply, err := send(ctx, t, bus.Message{Type: typ})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		switch typ {
		case bus.TypeGetHistory:
			return writeJSONOut(cmd, args, reply.History)
		case bus.TypeExportHistory:
			fmt.Fprintf(out, "History exported to %s\n", reply.File)
		case bus.TypeClearHistory:
			fmt.Fprintln(out, "History cleared.")
		}
		return nil
	}
}
