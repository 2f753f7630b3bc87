package cmd

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
	"southwinds.dev/walletguard"
	"southwinds.dev/walletguard/gate"
	"southwinds.dev/walletguard/hdwallet"
	"southwinds.dev/walletguard/protect"
)

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Manage wallets",
	Long:  `Import, list, select and delete wallets, derive addresses and sign transaction hashes.`,
}

var walletImportCmd = &cobra.Command{
	Use:   "import <name>",
	Short: "Import a wallet from a BIP-39 mnemonic",
	Long: `Import a wallet from a BIP-39 mnemonic. The mnemonic is read from the
terminal (or WALLETGUARD_MNEMONIC) and the seed is stored encrypted under a
new wallet password.`,
	Args: cobra.ExactArgs(1),
	RunE: runWalletImport,
}

var walletListCmd = &cobra.Command{
	Use:   "list",
	Short: "List wallets",
	RunE:  runWalletList,
}

var walletSelectCmd = &cobra.Command{
	Use:   "select <name>",
	Short: "Make a wallet the current wallet",
	Args:  cobra.ExactArgs(1),
	RunE:  runWalletSelect,
}

var walletDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a wallet",
	Long:  `Permanently delete a wallet record. The current wallet cannot be deleted.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runWalletDelete,
}

var walletPasswdCmd = &cobra.Command{
	Use:   "passwd <name>",
	Short: "Change a wallet password",
	Args:  cobra.ExactArgs(1),
	RunE:  runWalletPasswd,
}

var walletAddressesCmd = &cobra.Command{
	Use:   "addresses",
	Short: "Derive addresses of the current wallet",
	RunE:  runWalletAddresses,
}

var walletSignCmd = &cobra.Command{
	Use:   "sign <address> <hash>",
	Short: "Sign a 32 byte transaction hash",
	Long: `Unlock the current wallet, derive the key of <address> and sign the hex
encoded 32 byte <hash>. The seed and the key are wiped once the signature is
produced.`,
	Args: cobra.ExactArgs(2),
	RunE: runWalletSign,
}

var (
	jsonOutput       bool
	importPath       string
	importPassphrase bool
	addressCount     int
	deleteForce      bool
	signAsync        bool
)

func init() {
	rootCmd.AddCommand(walletCmd)

	walletCmd.AddCommand(walletImportCmd)
	walletCmd.AddCommand(walletListCmd)
	walletCmd.AddCommand(walletSelectCmd)
	walletCmd.AddCommand(walletDeleteCmd)
	walletCmd.AddCommand(walletPasswdCmd)
	walletCmd.AddCommand(walletAddressesCmd)
	walletCmd.AddCommand(walletSignCmd)

	walletImportCmd.Flags().StringVar(&importPath, "path", "", "derivation path (default from config)")
	walletImportCmd.Flags().BoolVar(&importPassphrase, "with-passphrase", false, "prompt for a BIP-39 mnemonic passphrase")

	walletListCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	walletDeleteCmd.Flags().BoolVar(&deleteForce, "force", false, "delete without confirmation")

	walletAddressesCmd.Flags().IntVarP(&addressCount, "count", "n", 5, "number of addresses")
	walletAddressesCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	walletSignCmd.Flags().BoolVar(&signAsync, "async", false, "derive the signer on a worker and collect it on the main loop")
	walletSignCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
}

func runWalletImport(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	return auditCmdComplete(cmd, importWallet(cmd, args[0]), started)
}

func importWallet(cmd *cobra.Command, name string) error {
	mnemonic, err := readSecret("Mnemonic: ", envMnemonic)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(mnemonic)

	var mnemonicPass []byte
	if importPassphrase {
		if mnemonicPass, err = readSecret("Mnemonic passphrase: ", envMnemonicPass); err != nil {
			return err
		}
		defer memguard.WipeBytes(mnemonicPass)
	}

	password, err := readNewPassword("New wallet password: ", envPassword)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(password)

	info, err := core.Wallets().ImportMnemonic(ctx(cmd), name, mnemonic, mnemonicPass, password, importPath)
	if err != nil {
		return fmt.Errorf("failed to import wallet: %w", err)
	}

	fmt.Printf("Imported wallet %s\n", info.Name)
	fmt.Printf("  Address: %s\n", info.Address)
	fmt.Printf("  Path:    %s\n", info.DerivationPath)
	if info.Current {
		fmt.Println("  Selected as current wallet")
	}
	return nil
}

func runWalletList(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	wallets, err := core.Wallets().List(ctx(cmd))
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to list wallets: %w", err), started)
	}

	if jsonOutput {
		return auditCmdComplete(cmd, printJSON(wallets), started)
	}

	if len(wallets) == 0 {
		fmt.Println("No wallets found.")
		return auditCmdComplete(cmd, nil, started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CURRENT\tNAME\tADDRESS\tPATH\tCREATED")
	for _, info := range wallets {
		marker := ""
		if info.Current {
			marker = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", marker, info.Name, info.Address,
			info.DerivationPath, info.CreatedAt.Format(time.RFC3339))
	}
	return auditCmdComplete(cmd, w.Flush(), started)
}

func runWalletSelect(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	if err := core.Wallets().Select(ctx(cmd), args[0]); err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	fmt.Printf("Current wallet: %s\n", args[0])
	return auditCmdComplete(cmd, nil, started)
}

func runWalletDelete(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	name := args[0]

	if !deleteForce && !promptConfirmation(fmt.Sprintf("Delete wallet %s? Its seed cannot be recovered without a backup.", name)) {
		fmt.Println("Delete cancelled.")
		return auditCmdComplete(cmd, nil, started)
	}

	if err := core.Wallets().Delete(ctx(cmd), name); err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	fmt.Printf("Deleted wallet %s\n", name)
	return auditCmdComplete(cmd, nil, started)
}

func runWalletPasswd(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	return auditCmdComplete(cmd, changePassword(cmd, args[0]), started)
}

func changePassword(cmd *cobra.Command, name string) error {
	oldPassword, err := readSecret("Current password: ", envPassword)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(oldPassword)

	newPassword, err := readNewPassword("New password: ", envNewPassword)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(newPassword)

	err = core.Trusted(func(tok gate.Token) error {
		return core.Wallets().ChangePassword(ctx(cmd), tok, name, oldPassword, newPassword)
	})
	if err != nil {
		return err
	}
	fmt.Printf("Password changed for wallet %s\n", name)
	return nil
}

func runWalletAddresses(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	password, err := readSecret("Wallet password: ", envPassword)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	pw, err := core.ProtectPassword(password)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	defer pw.Destroy()

	var addrs []hdwallet.Address
	err = core.Trusted(func(tok gate.Token) error {
		addrs, err = core.Addresses(ctx(cmd), tok, pw, addressCount)
		return err
	})
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if jsonOutput {
		out := make([]string, len(addrs))
		for i, a := range addrs {
			out[i] = a.Hex()
		}
		return auditCmdComplete(cmd, printJSON(out), started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tADDRESS")
	for i, a := range addrs {
		fmt.Fprintf(w, "%d\t%s\n", i, a.Hex())
	}
	return auditCmdComplete(cmd, w.Flush(), started)
}

type signResult struct {
	Address   string `json:"address"`
	Index     uint32 `json:"index"`
	ChainID   uint64 `json:"chain_id"`
	RPCURL    string `json:"rpc_url"`
	Hash      string `json:"hash"`
	Signature string `json:"signature"`
}

func runWalletSign(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	return auditCmdComplete(cmd, signHash(cmd, args[0], args[1]), started)
}

func signHash(cmd *cobra.Command, address, hashHex string) error {
	hash, err := hex.DecodeString(strings.TrimPrefix(hashHex, "0x"))
	if err != nil || len(hash) != 32 {
		return fmt.Errorf("hash must be 32 hex encoded bytes")
	}

	password, err := readSecret("Wallet password: ", envPassword)
	if err != nil {
		return err
	}
	pw, err := core.ProtectPassword(password)
	if err != nil {
		return err
	}
	defer pw.Destroy()

	var signer *walletguard.TxSigner
	if signAsync {
		signer, err = signOnMainLoop(cmd, address, pw)
	} else {
		err = core.Trusted(func(tok gate.Token) error {
			signer, err = core.Signer().SignTransactionSync(ctx(cmd), tok, address, pw)
			return err
		})
	}
	if err != nil {
		return err
	}
	defer signer.Destroy()

	sig, err := signer.SignHash(hash)
	if err != nil {
		return fmt.Errorf("failed to sign: %w", err)
	}

	res := signResult{
		Address:   signer.Address().Hex(),
		Index:     signer.Index(),
		ChainID:   signer.ChainID(),
		RPCURL:    signer.RPCURL(),
		Hash:      "0x" + hex.EncodeToString(hash),
		Signature: "0x" + hex.EncodeToString(sig),
	}
	if jsonOutput {
		return printJSON(res)
	}

	fmt.Printf("Address:   %s (index %d)\n", res.Address, res.Index)
	fmt.Printf("Network:   chain %d via %s\n", res.ChainID, res.RPCURL)
	fmt.Printf("Signature: %s\n", res.Signature)
	return nil
}

// signOnMainLoop requests the signer asynchronously and runs the main
// context until the result is delivered.
func signOnMainLoop(cmd *cobra.Command, address string, pw *protect.Value[[]byte]) (*walletguard.TxSigner, error) {
	var (
		signer *walletguard.TxSigner
		result error
	)
	err := core.Trusted(func(tok gate.Token) error {
		core.Signer().SignTransaction(ctx(cmd), tok, address, pw, func(s *walletguard.TxSigner, err error) {
			signer, result = s, err
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err = core.Main().RunOne(ctx(cmd)); err != nil {
		return nil, err
	}
	return signer, result
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
