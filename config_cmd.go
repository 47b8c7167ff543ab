package main

import (
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/tillsync/internal/config"
)

const redacted = "********"

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	shown := redactConfig(cc.Cfg)

	if cc.Flags.JSON {
		return writeJSON(cc.Stdout, shown)
	}

	return renderTOML(cc.Stdout, cc.CfgPath, shown)
}

// redactConfig returns a copy of cfg with secrets masked.
func redactConfig(cfg *config.Config) *config.Config {
	c := *cfg
	c.Remote.Collections = append([]string(nil), cfg.Remote.Collections...)

	if c.Remote.APIToken != "" {
		c.Remote.APIToken = redacted
	}

	return &c
}

func renderTOML(w io.Writer, path string, cfg *config.Config) error {
	fmt.Fprintf(w, "# effective configuration (file: %s)\n", path)

	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("rendering config: %w", err)
	}

	return nil
}
