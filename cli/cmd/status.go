package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"southwinds.dev/walletguard"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show walletguard status",
	Long:  "Display the store, memory protection level, current wallet and network binding.",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	fmt.Println("Walletguard Status")
	fmt.Println("==================")

	fmt.Printf("Profile: %s\n", core.Profile())
	fmt.Printf("Store: %s (%s)\n", core.Store().GetType(), getStoreConfigSummary())
	fmt.Printf("Memory Protection: %s\n", core.MemoryProtection())
	fmt.Printf("Network: chain %d via %s\n", core.Network().ChainID(), core.Network().RPCURL())

	current, err := core.Wallets().CurrentWalletID(ctx(cmd))
	switch {
	case errors.Is(err, walletguard.ErrNoCurrentWallet):
		fmt.Println("Current Wallet: none")
	case err != nil:
		fmt.Printf("Current Wallet: ERROR - %v\n", err)
	default:
		fmt.Printf("Current Wallet: %s\n", current)
	}

	wallets, err := core.Wallets().List(ctx(cmd))
	if err != nil {
		fmt.Printf("Total Wallets: ERROR - %v\n", err)
	} else {
		fmt.Printf("Total Wallets: %d\n", len(wallets))
	}

	backups, err := core.ListBackups(ctx(cmd))
	if err != nil {
		fmt.Printf("Total Backups: ERROR - %v\n", err)
	} else {
		fmt.Printf("Total Backups: %d\n", len(backups))
	}

	fmt.Printf("Preferences: %d\n", len(core.Prefs().Keys()))
	fmt.Printf("Session: %s\n", core.SessionID())
	fmt.Printf("Data Directory: %s\n", dataDir)
	return nil
}
