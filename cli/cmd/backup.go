package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
	"southwinds.dev/walletguard"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Backup and restore wallets",
	Long: `Create passphrase encrypted backups of the wallet records, the current
selection and the preferences of a profile, or restore from them.`,
}

var createBackupCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a backup",
	Long: `Create an encrypted backup. A bare <name> is stored in the profile's backups
directory; a path is used as given.`,
	Args: cobra.ExactArgs(1),
	RunE: createBackup,
}

var restoreBackupCmd = &cobra.Command{
	Use:   "restore <name>",
	Short: "Restore from backup",
	Long: `Restore wallets from a backup. Existing wallets are skipped unless
--overwrite is given, which also replaces the preferences.`,
	Args: cobra.ExactArgs(1),
	RunE: restoreBackup,
}

var listBackupsCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups",
	RunE:  listBackups,
}

var deleteBackupCmd = &cobra.Command{
	Use:   "delete <backup-id>",
	Short: "Delete a backup",
	Args:  cobra.ExactArgs(1),
	RunE:  deleteBackup,
}

var restoreOverwrite bool

func init() {
	rootCmd.AddCommand(backupCmd)

	backupCmd.AddCommand(createBackupCmd)
	backupCmd.AddCommand(restoreBackupCmd)
	backupCmd.AddCommand(listBackupsCmd)
	backupCmd.AddCommand(deleteBackupCmd)

	restoreBackupCmd.Flags().BoolVar(&restoreOverwrite, "overwrite", false, "replace existing wallets and preferences")
	listBackupsCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
}

func backupPassphrase(confirm bool) (string, error) {
	pass, err := readSecret("Backup passphrase: ", envBackupPass)
	if err != nil {
		return "", err
	}
	defer memguard.WipeBytes(pass)

	if len(pass) < walletguard.MinBackupPassphrase {
		return "", fmt.Errorf("backup passphrase must be at least %d characters", walletguard.MinBackupPassphrase)
	}
	if confirm && os.Getenv(envBackupPass) == "" {
		again, err := readSecret("Confirm passphrase: ", "")
		if err != nil {
			return "", err
		}
		defer memguard.WipeBytes(again)
		if string(again) != string(pass) {
			return "", fmt.Errorf("passphrases do not match")
		}
	}
	return string(pass), nil
}

func createBackup(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	passphrase, err := backupPassphrase(true)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	container, err := core.Backup(ctx(cmd), args[0], passphrase)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to create backup: %w", err), started)
	}

	fmt.Println("Backup created successfully")
	fmt.Printf("  Backup ID: %s\n", container.BackupID)
	fmt.Printf("  Created:   %s\n", container.BackupTimestamp.Format(time.RFC3339))
	fmt.Printf("  Checksum:  %s\n", container.Checksum)
	return auditCmdComplete(cmd, nil, started)
}

func restoreBackup(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	if restoreOverwrite && !promptConfirmation("WARNING: existing wallets and preferences will be overwritten. Continue?") {
		fmt.Println("Restore cancelled")
		return auditCmdComplete(cmd, nil, started)
	}

	passphrase, err := backupPassphrase(false)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	res, err := core.Restore(ctx(cmd), args[0], passphrase, restoreOverwrite)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to restore backup: %w", err), started)
	}

	fmt.Printf("Restored backup %s\n", res.BackupID)
	fmt.Printf("  Wallets restored: %d\n", len(res.Restored))
	for _, id := range res.Restored {
		fmt.Printf("    %s\n", id)
	}
	if len(res.Skipped) > 0 {
		fmt.Printf("  Wallets skipped (already present): %d\n", len(res.Skipped))
		for _, id := range res.Skipped {
			fmt.Printf("    %s\n", id)
		}
	}
	if res.Current != "" {
		fmt.Printf("  Current wallet: %s\n", res.Current)
	}
	return auditCmdComplete(cmd, nil, started)
}

func listBackups(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	backups, err := core.ListBackups(ctx(cmd))
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to list backups: %w", err), started)
	}
	if jsonOutput {
		return auditCmdComplete(cmd, printJSON(backups), started)
	}
	if len(backups) == 0 {
		fmt.Println("No backups found.")
		return auditCmdComplete(cmd, nil, started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BACKUP ID\tCREATED\tVERSION\tSIZE\tVALID")
	for _, b := range backups {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%v\n", b.BackupID,
			b.BackupTimestamp.Format(time.RFC3339), b.BackupVersion, b.FileSize, b.IsValid)
	}
	return auditCmdComplete(cmd, w.Flush(), started)
}

func deleteBackup(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	if err := core.DeleteBackup(ctx(cmd), args[0]); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to delete backup: %w", err), started)
	}
	fmt.Printf("Deleted backup %s\n", args[0])
	return auditCmdComplete(cmd, nil, started)
}
