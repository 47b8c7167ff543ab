package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/tillsync/internal/engine"
	"github.com/tonimelisma/tillsync/internal/record"
	"github.com/tonimelisma/tillsync/internal/store"
)

func newLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls <collection>",
		Short: "List records in a collection",
		Long: `List the records of a collection. Results come from the remote store when
it is reachable and from the local copy otherwise.

Filters take the form field=value, or field:op=value where op is one of
eq, ne, lt, lte, gt, gte, contains.`,
		Args: cobra.ExactArgs(1),
		RunE: runLs,
	}

	cmd.Flags().StringArray("where", nil, "filter (repeatable), e.g. name=Tea or price:gt=2")
	cmd.Flags().String("sort", "", "sort by field")
	cmd.Flags().Bool("desc", false, "sort descending")
	cmd.Flags().Int("limit", 0, "maximum number of records")
	cmd.Flags().Int("offset", 0, "skip this many records")

	return cmd
}

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <collection> field=value...",
		Short: "Create or update a record",
		Long: `Create a record, or update it when --id names one that exists. Values are
parsed as JSON when possible (2.5, true, null, ["a"]) and kept as strings
otherwise.`,
		Args: cobra.MinimumNArgs(2),
		RunE: runPut,
	}

	cmd.Flags().String("id", "", "record id (generated when empty)")

	return cmd
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <collection> <id>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(2),
		RunE:  runRm,
	}
}

// parseWhere parses one --where expression.
func parseWhere(expr string) (store.Filter, error) {
	key, value, ok := strings.Cut(expr, "=")
	if !ok || key == "" {
		return store.Filter{}, fmt.Errorf("invalid filter %q: expected field=value", expr)
	}

	field, opName, hasOp := strings.Cut(key, ":")

	op := store.OpEq
	if hasOp {
		var err error

		op, err = store.ParseOp(opName)
		if err != nil {
			return store.Filter{}, fmt.Errorf("invalid filter %q: %w", expr, err)
		}
	}

	return store.Filter{Field: field, Op: op, Value: parseValue(value)}, nil
}

// parseAssignments turns field=value arguments into record fields.
func parseAssignments(args []string) (record.Fields, error) {
	fields := make(record.Fields, len(args))

	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q: expected field=value", arg)
		}

		fields[key] = parseValue(value)
	}

	return fields, nil
}

// parseValue decodes s as JSON, falling back to the raw string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}

	return s
}

func runLs(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()
	collection := args[0]

	opts := store.Options{}

	wheres, _ := cmd.Flags().GetStringArray("where")
	for _, w := range wheres {
		f, err := parseWhere(w)
		if err != nil {
			return err
		}

		opts.Filters = append(opts.Filters, f)
	}

	if field, _ := cmd.Flags().GetString("sort"); field != "" {
		desc, _ := cmd.Flags().GetBool("desc")
		opts.Sort = []store.Sort{{Field: field, Desc: desc}}
	}

	opts.Limit, _ = cmd.Flags().GetInt("limit")
	opts.Offset, _ = cmd.Flags().GetInt("offset")

	eng, err := openEngine(ctx, cc)
	if err != nil {
		return err
	}
	defer eng.Close()

	awaitRemote(ctx, cc, eng)

	cc.Logger.Debug("ls", "collection", collection, "filters", len(opts.Filters))

	recs, err := eng.GetRecords(ctx, collection, opts)
	if err != nil {
		return fmt.Errorf("listing %s: %w", collection, err)
	}

	if cc.Flags.JSON {
		return printRecordsJSON(cc.Stdout, recs)
	}

	printRecordsTable(cc.Stdout, recs)

	return nil
}

// recordJSON is the JSON output schema for one record.
type recordJSON struct {
	ID        string        `json:"id"`
	RemoteID  string        `json:"remote_id,omitempty"`
	Fields    record.Fields `json:"fields"`
	CreatedAt string        `json:"created_at"`
	UpdatedAt string        `json:"updated_at"`
	IsSynced  bool          `json:"is_synced"`
}

func toRecordJSON(r *record.Record) recordJSON {
	return recordJSON{
		ID:        r.ID,
		RemoteID:  r.RemoteID,
		Fields:    r.Fields,
		CreatedAt: r.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		UpdatedAt: r.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		IsSynced:  r.IsSynced,
	}
}

func printRecordsJSON(w io.Writer, recs []*record.Record) error {
	out := make([]recordJSON, 0, len(recs))
	for _, r := range recs {
		out = append(out, toRecordJSON(r))
	}

	return writeJSON(w, out)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

func printRecordsTable(w io.Writer, recs []*record.Record) {
	headers := []string{"ID", "SYNCED", "UPDATED", "FIELDS"}
	rows := make([][]string, 0, len(recs))

	for _, r := range recs {
		synced := "no"
		if r.IsSynced {
			synced = "yes"
		}

		rows = append(rows, []string{r.ID, synced, formatTime(r.UpdatedAt), formatFields(r.Fields)})
	}

	printTable(w, headers, rows)
}

// formatFields renders fields as sorted k=v pairs.
func formatFields(f record.Fields) string {
	keys := slices.Sorted(maps.Keys(f))
	parts := make([]string, 0, len(keys))

	for _, k := range keys {
		parts = append(parts, k+"="+formatValue(f[k]))
	}

	return strings.Join(parts, " ")
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return "null"
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}

		return string(b)
	}
}

func runPut(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()
	collection := args[0]

	fields, err := parseAssignments(args[1:])
	if err != nil {
		return err
	}

	id, _ := cmd.Flags().GetString("id")

	eng, err := openEngine(ctx, cc)
	if err != nil {
		return err
	}
	defer eng.Close()

	awaitRemote(ctx, cc, eng)

	exists := false

	if id != "" {
		if _, err := eng.Store().Get(ctx, collection, id); err == nil {
			exists = true
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	var resp *engine.ServiceResponse

	if exists {
		resp, err = eng.UpdateRecord(ctx, collection, id, fields)
	} else {
		resp, err = eng.CreateRecord(ctx, collection, id, fields)
	}

	if err != nil {
		return err
	}

	if err := responseError(resp); err != nil {
		return err
	}

	return printResult(cc, resp, exists)
}

func runRm(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	eng, err := openEngine(ctx, cc)
	if err != nil {
		return err
	}
	defer eng.Close()

	awaitRemote(ctx, cc, eng)

	resp, err := eng.DeleteRecord(ctx, args[0], args[1])
	if err != nil {
		return err
	}

	if err := responseError(resp); err != nil {
		return err
	}

	if cc.Flags.JSON {
		return writeJSON(cc.Stdout, resp)
	}

	cc.Statusf("Deleted %s/%s\n", args[0], args[1])

	return nil
}

// responseError turns a refused mutation into an error with a retry hint.
func responseError(resp *engine.ServiceResponse) error {
	if resp.Success {
		return nil
	}

	msg := resp.Error
	if resp.CanRetry {
		msg += " (transient; retry with 'tillsync sync --retry-failed')"
	}

	if resp.ErrorCode != "" {
		return fmt.Errorf("%s [%s]", msg, resp.ErrorCode)
	}

	return errors.New(msg)
}

func printResult(cc *CLIContext, resp *engine.ServiceResponse, updated bool) error {
	if cc.Flags.JSON {
		return writeJSON(cc.Stdout, toRecordJSON(resp.Record))
	}

	verb := "Created"
	if updated {
		verb = "Updated"
	}

	state := "synced"
	if !resp.Record.IsSynced {
		state = "pending sync"
	}

	cc.Statusf("%s %s/%s (%s)\n", verb, resp.Record.Collection, resp.Record.ID, state)

	return nil
}
