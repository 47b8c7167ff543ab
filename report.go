package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/tillsync/internal/record"
	"github.com/tonimelisma/tillsync/internal/store"
)

// reportDateLayout is the --from/--to format.
const reportDateLayout = "2006-01-02"

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summaries computed from the local copy",
		Long: `Reports read the local store only, so they work offline. Run 'tillsync
sync' or keep 'tillsync watch' running for up-to-date figures.`,
	}

	cmd.AddCommand(newReportReceiptsCmd())
	cmd.AddCommand(newReportLowStockCmd())

	return cmd
}

func newReportReceiptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receipts",
		Short: "Receipt totals for a date range",
		Long: `Aggregate receipts created from --from (inclusive) to --to (exclusive).
Dates are YYYY-MM-DD in local time. Defaults to today.`,
		Args: cobra.NoArgs,
		RunE: runReportReceipts,
	}

	cmd.Flags().String("from", "", "first day (YYYY-MM-DD)")
	cmd.Flags().String("to", "", "day after the last (YYYY-MM-DD)")

	return cmd
}

func newReportLowStockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "low-stock",
		Short: "Items at or below a stock threshold",
		Args:  cobra.NoArgs,
		RunE:  runReportLowStock,
	}

	cmd.Flags().Int64("threshold", 5, "stock level to report at or below")

	return cmd
}

// reportRange parses --from and --to. An empty --from means today; an
// empty --to means the day after --from.
func reportRange(from, to string, now time.Time) (time.Time, time.Time, error) {
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	if from != "" {
		t, err := time.ParseInLocation(reportDateLayout, from, now.Location())
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --from %q: expected YYYY-MM-DD", from)
		}

		start = t
	}

	end := start.AddDate(0, 0, 1)

	if to != "" {
		t, err := time.ParseInLocation(reportDateLayout, to, now.Location())
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --to %q: expected YYYY-MM-DD", to)
		}

		end = t
	}

	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("--to must be after --from")
	}

	return start, end, nil
}

// receiptsJSON is the JSON output schema for the receipts report.
type receiptsJSON struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	Count      int     `json:"count"`
	Subtotal   float64 `json:"subtotal"`
	Tax        float64 `json:"tax"`
	Total      float64 `json:"total"`
	PaidCount  int     `json:"paid_count"`
	AmountPaid float64 `json:"amount_paid"`
}

func runReportReceipts(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	fromFlag, _ := cmd.Flags().GetString("from")
	toFlag, _ := cmd.Flags().GetString("to")

	from, to, err := reportRange(fromFlag, toFlag, time.Now())
	if err != nil {
		return err
	}

	eng, err := openEngine(ctx, cc)
	if err != nil {
		return err
	}
	defer eng.Close()

	rep, err := eng.Store().ReceiptsInRange(ctx, from, to)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return writeJSON(cc.Stdout, toReceiptsJSON(rep))
	}

	printReceiptReport(cc.Stdout, rep)

	return nil
}

func toReceiptsJSON(rep store.ReceiptReport) receiptsJSON {
	return receiptsJSON{
		From:       rep.From.Format(reportDateLayout),
		To:         rep.To.Format(reportDateLayout),
		Count:      rep.Count,
		Subtotal:   rep.Subtotal,
		Tax:        rep.Tax,
		Total:      rep.Total,
		PaidCount:  rep.PaidCount,
		AmountPaid: rep.AmountPaid,
	}
}

func printReceiptReport(w io.Writer, rep store.ReceiptReport) {
	fmt.Fprintf(w, "Receipts %s to %s\n\n", rep.From.Format(reportDateLayout), rep.To.Format(reportDateLayout))

	printTable(w, []string{"RECEIPTS", "PAID", "SUBTOTAL", "TAX", "TOTAL", "COLLECTED"}, [][]string{{
		fmt.Sprint(rep.Count),
		fmt.Sprint(rep.PaidCount),
		formatAmount(rep.Subtotal),
		formatAmount(rep.Tax),
		formatAmount(rep.Total),
		formatAmount(rep.AmountPaid),
	}})
}

func runReportLowStock(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	threshold, _ := cmd.Flags().GetInt64("threshold")
	if threshold < 0 {
		return fmt.Errorf("--threshold must be >= 0")
	}

	eng, err := openEngine(ctx, cc)
	if err != nil {
		return err
	}
	defer eng.Close()

	items, err := eng.Store().LowStock(ctx, threshold)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		if items == nil {
			items = []record.Item{}
		}

		return writeJSON(cc.Stdout, items)
	}

	if len(items) == 0 {
		cc.Statusf("No items at or below %d\n", threshold)
		return nil
	}

	rows := make([][]string, 0, len(items))
	for _, it := range items {
		rows = append(rows, []string{it.ID, it.Name, formatAmount(it.Price), fmt.Sprint(it.Stock)})
	}

	printTable(cc.Stdout, []string{"ID", "NAME", "PRICE", "STOCK"}, rows)

	return nil
}
