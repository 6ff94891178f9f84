package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meshmcp/meshmcp/internal/config"
)

var resetIncludeCache bool
var resetForce bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset meshmcp to a clean state",
	Long: `Reset meshmcp by removing persistent state files.

By default, only state.json (and its backup) is removed. This clears all
configured upstreams, downstream endpoints, and custom tools.

On next start, meshmcp will boot with a clean state — either from your
YAML config (if it bootstraps a single upstream) or completely empty.

Optional flags:
  --include-cache   Also remove the tool-call result cache database
  --force           Skip confirmation prompt

Examples:
  # Reset state only (interactive confirmation)
  meshmcp reset

  # Reset everything without prompting
  meshmcp reset --include-cache --force`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetIncludeCache, "include-cache", false, "Also remove the tool-call result cache database")
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "Skip confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	statePath := stateFilePath
	if statePath == "" {
		statePath = os.Getenv("MESHMCP_STATE_PATH")
	}
	if statePath == "" {
		statePath = "./state.json"
	}

	type target struct {
		path string
		desc string
	}
	var targets []target
	targets = append(targets, target{statePath, "state file"})
	targets = append(targets, target{statePath + ".bak", "state backup"})

	if resetIncludeCache {
		cfg, err := config.LoadConfigRaw()
		if err == nil && cfg.Cache.DBPath != "" {
			targets = append(targets, target{cfg.Cache.DBPath, "tool-call cache"})
		}
	}

	var existing []target
	for _, t := range targets {
		if _, err := os.Stat(t.path); err == nil {
			existing = append(existing, t)
		}
	}

	if len(existing) == 0 {
		fmt.Fprintln(os.Stderr, "Nothing to reset — no state files found.")
		return nil
	}

	fmt.Fprintln(os.Stderr, "The following will be removed:")
	for _, t := range existing {
		fmt.Fprintf(os.Stderr, "  - %s (%s)\n", t.path, t.desc)
	}

	if !resetForce {
		fmt.Fprint(os.Stderr, "\nProceed? [y/N] ")
		var answer string
		fmt.Scanln(&answer) //nolint:errcheck // interactive prompt, error irrelevant
		if answer != "y" && answer != "Y" {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}
	}

	var errCount int
	for _, t := range existing {
		if err := os.RemoveAll(t.path); err != nil {
			fmt.Fprintf(os.Stderr, "  ERROR removing %s: %v\n", t.path, err)
			errCount++
		} else {
			fmt.Fprintf(os.Stderr, "  Removed %s\n", t.path)
		}
	}

	if errCount > 0 {
		return fmt.Errorf("%d file(s) could not be removed", errCount)
	}

	fmt.Fprintln(os.Stderr, "\nReset complete. meshmcp will start fresh on next launch.")
	return nil
}
