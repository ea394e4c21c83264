// Command vaultdb is a small operator CLI for inspecting and verifying a
// vaultdb data directory: stats (sizes of the data, index, deletion-index
// and log files) and
// verify (open the database, run EnsureConsistent, and report).
//
// Grounded on steveyegge-beads/cmd/bd-examples's cobra command tree
// (root command with persistent flags, one file per subcommand) — folio
// ships no CLI at all, so the shape is pulled from elsewhere in the
// retrieval pack per "enrich from the rest of the pack".
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	dataDir    string
	folderName string
	jsonOutput bool
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "vaultdb",
	Short: "Inspect and verify a vaultdb data directory",
	Long: `vaultdb is an operator CLI for a transactional, append-biased,
multi-index key/value store.

Examples:
  vaultdb stats --dir ./data --folder wallet
  vaultdb verify --dir ./data --folder wallet --json`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "dir", ".", "parent directory holding the database folder")
	rootCmd.PersistentFlags().StringVar(&folderName, "folder", "vaultdb", "database folder name")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML config file")

	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(verifyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
