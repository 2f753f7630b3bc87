package cmd

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"southwinds.dev/walletguard/audit"
)

var (
	auditSince         string
	auditUntil         string
	auditAction        string
	auditSuccessFilter string
	auditWalletID      string
	auditAddress       string
	auditLimit         int
	auditOffset        int
	auditPasswordOnly  bool
	auditFailuresOnly  bool
	auditDetails       bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and analyze audit logs",
	Long: `Query and analyze the audit trail of the profile: wallet unlocks, signing
requests, password changes, imports, backups and preference writes.`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit logs with filters",
	Long: `Query audit logs with various filtering options.

Examples:
  # Failed unlocks in the last 24 hours
  walletguard audit query --action WALLET_UNLOCK --failures-only --since "$(date -d '24 hours ago' -Iseconds)"

  # Everything that touched a password
  walletguard audit query --password-only

  # Signing requests for one address
  walletguard audit query --action TX_SIGN --address 0x9858EfFD232B4033E47d90003D41EC34EcaEda94`,
	RunE: runAuditQuery,
}

var auditFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Show failed operations",
	RunE:  runAuditFailures,
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show audit statistics",
	RunE:  runAuditStats,
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit events as JSON",
	RunE:  runAuditExport,
}

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditFailuresCmd)
	auditCmd.AddCommand(auditStatsCmd)
	auditCmd.AddCommand(auditExportCmd)

	for _, c := range []*cobra.Command{auditQueryCmd, auditFailuresCmd, auditStatsCmd, auditExportCmd} {
		c.Flags().StringVar(&auditSince, "since", "", "Start time (RFC3339 format)")
		c.Flags().StringVar(&auditUntil, "until", "", "End time (RFC3339 format)")
	}
	for _, c := range []*cobra.Command{auditQueryCmd, auditFailuresCmd, auditExportCmd} {
		c.Flags().StringVar(&auditAction, "action", "", "Filter by action")
		c.Flags().StringVar(&auditWalletID, "wallet", "", "Filter by wallet")
		c.Flags().StringVar(&auditAddress, "address", "", "Filter by address")
		c.Flags().IntVar(&auditLimit, "limit", 100, "Maximum number of events")
		c.Flags().IntVar(&auditOffset, "offset", 0, "Number of events to skip")
	}

	auditQueryCmd.Flags().StringVar(&auditSuccessFilter, "success", "", "Filter by success (true/false)")
	auditQueryCmd.Flags().BoolVar(&auditPasswordOnly, "password-only", false, "Only events that used a wallet password")
	auditQueryCmd.Flags().BoolVar(&auditFailuresOnly, "failures-only", false, "Only failed events")
	auditQueryCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	auditQueryCmd.Flags().BoolVar(&auditDetails, "details", false, "Show event details")

	auditFailuresCmd.Flags().BoolVar(&auditDetails, "details", false, "Show event details")
	auditStatsCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	result, err := core.Audit().Query(options)
	if err != nil {
		return fmt.Errorf("failed to query audit logs: %w", err)
	}
	if jsonOutput {
		return printJSON(result)
	}
	if err = displayAuditEvents(result.Events); err != nil {
		return err
	}
	if result.HasMore {
		fmt.Printf("\nShowing %d of %d events (use --offset to page)\n", len(result.Events), result.Filtered)
	}
	return nil
}

func runAuditFailures(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	failed := false
	options.Success = &failed

	result, err := core.Audit().Query(options)
	if err != nil {
		return fmt.Errorf("failed to query audit logs: %w", err)
	}
	fmt.Printf("Failed operations for profile %s: %d\n\n", core.Profile(), result.Filtered)
	return displayAuditEvents(result.Events)
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	result, err := core.Audit().Query(options)
	if err != nil {
		return fmt.Errorf("failed to query audit logs: %w", err)
	}
	return printJSON(result.Events)
}

func runAuditStats(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	options.Limit = 0
	options.Offset = 0

	result, err := core.Audit().Query(options)
	if err != nil {
		return fmt.Errorf("failed to query audit logs: %w", err)
	}

	stats := calculateAuditStats(result.Events, core.Profile())
	if jsonOutput {
		return printJSON(stats)
	}
	return displayAuditStats(stats)
}

func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s time format: %w", name, err)
	}
	return &t, nil
}

func buildQueryOptions() (audit.QueryOptions, error) {
	options := audit.QueryOptions{
		Profile:        core.Profile(),
		Action:         auditAction,
		WalletID:       auditWalletID,
		Address:        auditAddress,
		Limit:          auditLimit,
		Offset:         auditOffset,
		PasswordAccess: auditPasswordOnly,
	}

	var err error
	if options.Since, err = parseTimeFlag("since", auditSince); err != nil {
		return options, err
	}
	if options.Until, err = parseTimeFlag("until", auditUntil); err != nil {
		return options, err
	}

	if auditSuccessFilter != "" {
		success, err := strconv.ParseBool(auditSuccessFilter)
		if err != nil {
			return options, fmt.Errorf("invalid success filter format: %w", err)
		}
		options.Success = &success
	}
	if auditFailuresOnly {
		failed := false
		options.Success = &failed
	}
	return options, nil
}

func displayAuditEvents(events []audit.Event) error {
	if len(events) == 0 {
		fmt.Println("No audit events found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	if auditDetails {
		for _, event := range events {
			fmt.Fprintf(w, "Event ID:\t%s\n", event.ID)
			fmt.Fprintf(w, "Timestamp:\t%s\n", event.Timestamp.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(w, "Profile:\t%s\n", event.Profile)
			fmt.Fprintf(w, "Action:\t%s\n", event.Action)
			fmt.Fprintf(w, "Status:\t%s\n", eventStatus(event))
			if event.Error != "" {
				fmt.Fprintf(w, "Error:\t%s\n", event.Error)
			}
			if event.WalletID != "" {
				fmt.Fprintf(w, "Wallet:\t%s\n", event.WalletID)
			}
			if event.Address != "" {
				fmt.Fprintf(w, "Address:\t%s\n", event.Address)
			}
			if event.SessionID != "" {
				fmt.Fprintf(w, "Session:\t%s\n", event.SessionID)
			}
			if len(event.Metadata) > 0 {
				keys := make([]string, 0, len(event.Metadata))
				for k := range event.Metadata {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Fprintf(w, "Metadata:\t")
				for _, k := range keys {
					fmt.Fprintf(w, "%s=%v ", k, event.Metadata[k])
				}
				fmt.Fprintf(w, "\n")
			}
			fmt.Fprintf(w, "────────────────────────────────────────\n")
		}
		return w.Flush()
	}

	fmt.Fprintf(w, "TIMESTAMP\tACTION\tSTATUS\tWALLET\tADDRESS\tERROR\n")
	for _, event := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			event.Timestamp.Format("2006-01-02 15:04:05"), event.Action, eventStatus(event),
			truncate(event.WalletID, 16), truncate(event.Address, 14), truncate(event.Error, 30))
	}
	return w.Flush()
}

func eventStatus(event audit.Event) string {
	if event.Success {
		return "SUCCESS"
	}
	return "FAILED"
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// AuditStats summarizes a set of audit events.
type AuditStats struct {
	Profile          string         `json:"profile"`
	GeneratedAt      time.Time      `json:"generated_at"`
	TotalEvents      int            `json:"total_events"`
	SuccessfulEvents int            `json:"successful_events"`
	FailedEvents     int            `json:"failed_events"`
	SuccessRate      float64        `json:"success_rate"`
	ActionBreakdown  map[string]int `json:"action_breakdown"`
	FailedUnlocks    int            `json:"failed_unlocks"`
	DeniedRequests   int            `json:"denied_requests"`
	Signatures       int            `json:"signatures"`
	TopFailedActions []ActionCount  `json:"top_failed_actions"`
	TopWallets       []WalletCount  `json:"top_wallets"`
	FirstEvent       *time.Time     `json:"first_event,omitempty"`
	LastEvent        *time.Time     `json:"last_event,omitempty"`
}

type ActionCount struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

type WalletCount struct {
	WalletID string `json:"wallet_id"`
	Count    int    `json:"count"`
}

func calculateAuditStats(events []audit.Event, profile string) AuditStats {
	stats := AuditStats{
		Profile:         profile,
		GeneratedAt:     time.Now().UTC(),
		ActionBreakdown: make(map[string]int),
	}
	if len(events) == 0 {
		return stats
	}

	stats.TotalEvents = len(events)
	failedActions := make(map[string]int)
	walletCounts := make(map[string]int)

	for i := range events {
		event := &events[i]
		stats.ActionBreakdown[event.Action]++

		if event.Success {
			stats.SuccessfulEvents++
			if event.Action == audit.ActionTxSign {
				stats.Signatures++
			}
		} else {
			stats.FailedEvents++
			failedActions[event.Action]++
			if event.Action == audit.ActionWalletUnlock && event.Error == "decryption" {
				stats.FailedUnlocks++
			}
			if event.Error == "denied" {
				stats.DeniedRequests++
			}
		}

		if event.WalletID != "" {
			walletCounts[event.WalletID]++
		}

		if stats.FirstEvent == nil || event.Timestamp.Before(*stats.FirstEvent) {
			stats.FirstEvent = &event.Timestamp
		}
		if stats.LastEvent == nil || event.Timestamp.After(*stats.LastEvent) {
			stats.LastEvent = &event.Timestamp
		}
	}

	stats.SuccessRate = float64(stats.SuccessfulEvents) / float64(stats.TotalEvents) * 100

	for action, count := range failedActions {
		stats.TopFailedActions = append(stats.TopFailedActions, ActionCount{Action: action, Count: count})
	}
	sort.Slice(stats.TopFailedActions, func(i, j int) bool {
		a, b := stats.TopFailedActions[i], stats.TopFailedActions[j]
		return a.Count > b.Count || (a.Count == b.Count && a.Action < b.Action)
	})
	if len(stats.TopFailedActions) > 5 {
		stats.TopFailedActions = stats.TopFailedActions[:5]
	}

	for id, count := range walletCounts {
		stats.TopWallets = append(stats.TopWallets, WalletCount{WalletID: id, Count: count})
	}
	sort.Slice(stats.TopWallets, func(i, j int) bool {
		a, b := stats.TopWallets[i], stats.TopWallets[j]
		return a.Count > b.Count || (a.Count == b.Count && a.WalletID < b.WalletID)
	})
	if len(stats.TopWallets) > 10 {
		stats.TopWallets = stats.TopWallets[:10]
	}
	return stats
}

func displayAuditStats(stats AuditStats) error {
	fmt.Printf("Audit Statistics for Profile: %s\n", stats.Profile)
	fmt.Printf("Generated at: %s\n", stats.GeneratedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("═══════════════════════════════════════\n\n")

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Total events:\t%d\n", stats.TotalEvents)
	fmt.Fprintf(w, "Successful:\t%d\n", stats.SuccessfulEvents)
	fmt.Fprintf(w, "Failed:\t%d\n", stats.FailedEvents)
	fmt.Fprintf(w, "Success rate:\t%.1f%%\n", stats.SuccessRate)
	fmt.Fprintf(w, "Signatures:\t%d\n", stats.Signatures)
	fmt.Fprintf(w, "Failed unlocks:\t%d\n", stats.FailedUnlocks)
	fmt.Fprintf(w, "Denied requests:\t%d\n", stats.DeniedRequests)
	if stats.FirstEvent != nil && stats.LastEvent != nil {
		fmt.Fprintf(w, "Time range:\t%s .. %s\n",
			stats.FirstEvent.Format(time.RFC3339), stats.LastEvent.Format(time.RFC3339))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(stats.ActionBreakdown) > 0 {
		fmt.Println("\nActions:")
		actions := make([]string, 0, len(stats.ActionBreakdown))
		for a := range stats.ActionBreakdown {
			actions = append(actions, a)
		}
		sort.Strings(actions)
		for _, a := range actions {
			fmt.Printf("  %-20s %d\n", a, stats.ActionBreakdown[a])
		}
	}
	if len(stats.TopFailedActions) > 0 {
		fmt.Println("\nTop failed actions:")
		for _, ac := range stats.TopFailedActions {
			fmt.Printf("  %-20s %d\n", ac.Action, ac.Count)
		}
	}
	if len(stats.TopWallets) > 0 {
		fmt.Println("\nMost used wallets:")
		for _, wc := range stats.TopWallets {
			fmt.Printf("  %-20s %d\n", wc.WalletID, wc.Count)
		}
	}
	return nil
}
