package history

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"pecron-terminal/cmd/common"
	"pecron-terminal/pkg/storage"
)

// NewHistoryCmd creates the history command
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show commands sent from this machine",
		Long:  "List the command journal, newest first. Credentials are never stored in it.",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}

	cmd.Flags().StringP("device", "d", "", "Filter by device name (substring match)")
	cmd.Flags().IntP("limit", "n", 20, "Maximum number of entries (0 for all)")

	cmd.AddCommand(newClearCmd())

	return cmd
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the command journal",
		Args:  cobra.NoArgs,
		RunE:  runClear,
	}
}

func runHistory(cmd *cobra.Command, args []string) error {
	device, _ := cmd.Flags().GetString("device")
	limit, _ := cmd.Flags().GetInt("limit")

	records, err := common.Storage().ListCommands(device, limit)
	if err != nil {
		return fmt.Errorf("failed to read command journal: %w", err)
	}
	if records == nil {
		records = []storage.CommandRecord{}
	}

	return common.Render(os.Stdout, records, func(w io.Writer) error {
		return printHistory(w, records)
	})
}

func printHistory(w io.Writer, records []storage.CommandRecord) error {
	if len(records) == 0 {
		fmt.Fprintln(w, "No commands recorded.")
		return nil
	}

	tw := common.NewTable(w)
	fmt.Fprintln(tw, "TIME\tDEVICE\tVALUES\tRESULT")
	for _, rec := range records {
		result := common.Color("ok", common.Green)
		if !rec.Succeeded() {
			result = common.Color("failed", common.Red)
			if rec.Error != "" {
				result += ": " + rec.Error
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			rec.Time.Local().Format("2006-01-02 15:04:05"), rec.Device, formatValues(rec.Values), result)
	}
	return tw.Flush()
}

func formatValues(values map[string]any) string {
	codes := make([]string, 0, len(values))
	for code := range values {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	parts := make([]string, 0, len(codes))
	for _, code := range codes {
		parts = append(parts, fmt.Sprintf("%s=%v", code, values[code]))
	}
	return strings.Join(parts, " ")
}

func runClear(cmd *cobra.Command, args []string) error {
	if err := common.Storage().ClearCommands(); err != nil {
		return fmt.Errorf("failed to clear command journal: %w", err)
	}
	fmt.Println("✓ Command journal cleared")
	return nil
}
