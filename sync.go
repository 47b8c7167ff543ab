package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/tillsync/internal/apperr"
	"github.com/tonimelisma/tillsync/internal/optimistic"
	isync "github.com/tonimelisma/tillsync/internal/sync"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push pending local changes to the remote store",
		Long: `Run a one-shot sync. Local rows left unsynced by earlier commands are
queued and replayed against the remote store in submission order per record.

Use --retry-failed to replay updates the remote store refused earlier in the
same run, or --clear-failed to discard them. Use 'tillsync watch' to keep
syncing continuously.`,
		RunE: runSync,
	}

	cmd.Flags().Bool("retry-failed", false, "retry refused updates once after the sync")
	cmd.Flags().Bool("clear-failed", false, "discard refused updates after the sync")

	cmd.MarkFlagsMutuallyExclusive("retry-failed", "clear-failed")

	return cmd
}

// syncOutput is the JSON output schema for the sync command.
type syncOutput struct {
	Queued  int           `json:"queued"`
	Report  *isync.Report `json:"report"`
	Retried int           `json:"retried,omitempty"`
	Cleared int           `json:"cleared,omitempty"`
	Failed  []failedJSON  `json:"failed,omitempty"`
}

// failedJSON describes one refused update.
type failedJSON struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Operation  string `json:"operation"`
	Error      string `json:"error"`
	ErrorCode  string `json:"error_code,omitempty"`
	CanRetry   bool   `json:"can_retry"`
	Attempts   int    `json:"attempts"`
}

func toFailedJSON(updates []*optimistic.Update) []failedJSON {
	out := make([]failedJSON, 0, len(updates))
	for _, u := range updates {
		out = append(out, failedJSON{
			Collection: u.Collection,
			ID:         u.DocumentID,
			Operation:  u.Operation.String(),
			Error:      u.LastError,
			ErrorCode:  u.ErrorCode,
			CanRetry:   u.CanRetry,
			Attempts:   u.Attempts,
		})
	}

	return out
}

func runSync(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := shutdownContext(cmd.Context(), cc.Logger)

	eng, err := openEngine(ctx, cc)
	if err != nil {
		return err
	}
	defer eng.Close()

	out := syncOutput{}

	out.Queued, err = eng.RecoverUnsynced(ctx)
	if err != nil {
		return err
	}

	if !awaitRemote(ctx, cc, eng) {
		return apperr.New(apperr.ErrNetwork, "",
			fmt.Sprintf("remote store unreachable; %d local changes remain pending", out.Queued))
	}

	out.Report, err = eng.Sync(ctx)
	if err != nil {
		return fmt.Errorf("sync interrupted: %w", err)
	}

	if retry, _ := cmd.Flags().GetBool("retry-failed"); retry && len(eng.Failed()) > 0 {
		out.Retried, err = eng.RetryFailed(ctx)
		if err != nil {
			return err
		}
	}

	if discard, _ := cmd.Flags().GetBool("clear-failed"); discard {
		out.Cleared, err = eng.ClearFailed(ctx)
		if err != nil {
			return err
		}
	}

	out.Failed = toFailedJSON(eng.Failed())

	if cc.Flags.JSON {
		if err := writeJSON(cc.Stdout, out); err != nil {
			return err
		}
	} else {
		printSyncReport(cc, out)
	}

	return syncReportError(out)
}

func printSyncReport(cc *CLIContext, out syncOutput) {
	rep := out.Report

	cc.Statusf("Sync complete: %d committed, %d failed across %d records (%s)\n",
		rep.Committed, rep.Failed, rep.Documents, rep.Duration.Round(time.Millisecond))

	if out.Retried > 0 {
		cc.Statusf("Retried: %d accepted\n", out.Retried)
	}

	if out.Cleared > 0 {
		cc.Statusf("Discarded %d refused updates\n", out.Cleared)
	}

	if len(out.Failed) > 0 {
		printFailedTable(cc.Stdout, out.Failed)
	}
}

func printFailedTable(w io.Writer, failed []failedJSON) {
	headers := []string{"COLLECTION", "ID", "OP", "CODE", "RETRY", "ERROR"}
	rows := make([][]string, 0, len(failed))

	for _, f := range failed {
		retry := "no"
		if f.CanRetry {
			retry = "yes"
		}

		rows = append(rows, []string{f.Collection, f.ID, f.Operation, f.ErrorCode, retry, f.Error})
	}

	printTable(w, headers, rows)
}

// syncReportError returns a non-nil error when updates remain refused, so
// the exit code reflects it.
func syncReportError(out syncOutput) error {
	if len(out.Failed) == 0 {
		return nil
	}

	return fmt.Errorf("%d updates refused by the remote store", len(out.Failed))
}
