package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/tillsync/internal/breaker"
	"github.com/tonimelisma/tillsync/internal/cache"
	"github.com/tonimelisma/tillsync/internal/connection"
	"github.com/tonimelisma/tillsync/internal/store"
)

// Daemon state constants for status reporting.
const (
	daemonRunning = "running"
	daemonStopped = "stopped"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connection, local store, and daemon status",
		Long: `Display whether the remote store is reachable, how many records each
collection holds locally and how many still await sync, and whether a watch
daemon is running for this database.`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}
}

// statusReport is the JSON output schema for the status command.
type statusReport struct {
	Config      string                    `json:"config"`
	Store       string                    `json:"store"`
	Remote      string                    `json:"remote"`
	Daemon      string                    `json:"daemon"`
	DaemonPID   int                       `json:"daemon_pid,omitempty"`
	Connection  connection.State          `json:"connection"`
	Collections []store.CollectionSummary `json:"collections"`
	Cache       cache.Stats               `json:"cache"`
	Breakers    []breaker.Stats           `json:"breakers,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	eng, err := openEngine(ctx, cc)
	if err != nil {
		return err
	}
	defer eng.Close()

	awaitRemote(ctx, cc, eng)

	summary, err := eng.Store().Summary(ctx)
	if err != nil {
		return err
	}

	rep := statusReport{
		Config:      cc.CfgPath,
		Store:       cc.Cfg.Store.Path,
		Remote:      cc.Cfg.Remote.BaseURL,
		Connection:  eng.ConnectionState(),
		Collections: summary,
		Cache:       eng.GetCacheStats(),
		Breakers:    eng.CircuitBreakers(),
	}

	rep.Daemon, rep.DaemonPID = daemonState(daemonPIDPath(cc.Cfg.Store.Path))

	if cc.Flags.JSON {
		return writeJSON(cc.Stdout, rep)
	}

	printStatus(cc.Stdout, rep)

	return nil
}

// daemonState reports whether a watch daemon is alive for the PID file.
func daemonState(pidPath string) (string, int) {
	proc, err := findDaemon(pidPath)
	if err != nil {
		return daemonStopped, 0
	}

	return daemonRunning, proc.Pid
}

func printStatus(w io.Writer, rep statusReport) {
	remote := rep.Remote
	if remote == "" {
		remote = "(not set)"
	}

	conn := "offline"
	if rep.Connection.IsConnected {
		conn = "connected (" + rep.Connection.Quality.String() + ")"
	}

	daemon := rep.Daemon
	if rep.DaemonPID != 0 {
		daemon = fmt.Sprintf("%s (PID %d)", rep.Daemon, rep.DaemonPID)
	}

	fmt.Fprintf(w, "Config:     %s\n", rep.Config)
	fmt.Fprintf(w, "Store:      %s\n", rep.Store)
	fmt.Fprintf(w, "Remote:     %s\n", remote)
	fmt.Fprintf(w, "Connection: %s\n", conn)
	fmt.Fprintf(w, "Daemon:     %s\n", daemon)

	if len(rep.Collections) == 0 {
		fmt.Fprintln(w, "\nNo local records.")
		return
	}

	fmt.Fprintln(w)

	rows := make([][]string, 0, len(rep.Collections))
	for _, c := range rep.Collections {
		rows = append(rows, []string{c.Collection, fmt.Sprint(c.Records), fmt.Sprint(c.Unsynced)})
	}

	printTable(w, []string{"COLLECTION", "RECORDS", "UNSYNCED"}, rows)
}
