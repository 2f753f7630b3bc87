package cmd

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"southwinds.dev/walletguard/gate"
)

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Read and write protected preferences",
	Long: `Preferences are integers stored encrypted under the installation secret.
They survive restarts but cannot be read on another installation.`,
}

var prefsGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a preference",
	Args:  cobra.ExactArgs(1),
	RunE:  runPrefsGet,
}

var prefsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a preference",
	Args:  cobra.ExactArgs(2),
	RunE:  runPrefsSet,
}

var prefsDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a preference",
	Args:  cobra.ExactArgs(1),
	RunE:  runPrefsDelete,
}

var prefsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List preferences",
	RunE:  runPrefsList,
}

var prefsDefault int64

func init() {
	rootCmd.AddCommand(prefsCmd)

	prefsCmd.AddCommand(prefsGetCmd)
	prefsCmd.AddCommand(prefsSetCmd)
	prefsCmd.AddCommand(prefsDeleteCmd)
	prefsCmd.AddCommand(prefsListCmd)

	prefsGetCmd.Flags().Int64Var(&prefsDefault, "default", 0, "value printed when the key is not set")
}

func runPrefsGet(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	err := core.Trusted(func(tok gate.Token) error {
		fmt.Println(core.Prefs().GetInt(tok, args[0], prefsDefault))
		return nil
	})
	return auditCmdComplete(cmd, err, started)
}

func runPrefsSet(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	value, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("value must be an integer: %w", err), started)
	}
	if err = core.Prefs().SetInt(ctx(cmd), args[0], value); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to set preference: %w", err), started)
	}
	fmt.Printf("Set %s = %d\n", args[0], value)
	return auditCmdComplete(cmd, nil, started)
}

func runPrefsDelete(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	if err := core.Prefs().Delete(ctx(cmd), args[0]); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to delete preference: %w", err), started)
	}
	fmt.Printf("Deleted %s\n", args[0])
	return auditCmdComplete(cmd, nil, started)
}

func runPrefsList(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	keys := core.Prefs().Keys()
	if len(keys) == 0 {
		fmt.Println("No preferences set.")
		return auditCmdComplete(cmd, nil, started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tVALUE")
	err := core.Trusted(func(tok gate.Token) error {
		for _, key := range keys {
			fmt.Fprintf(w, "%s\t%d\n", key, core.Prefs().GetInt(tok, key, 0))
		}
		return nil
	})
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	return auditCmdComplete(cmd, w.Flush(), started)
}
