package main

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/jpl-au/vaultdb"
)

type verifyReport struct {
	Folder    string `json:"folder"`
	Recovered bool   `json:"recovered"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Open the database and ensure it is consistent, replaying any pending commit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		report := verifyReport{Folder: folderName}
		db, err := vaultdb.Open(dataDir, folderName, cfg)
		if err != nil {
			report.Error = err.Error()
		} else {
			report.OK = true
			defer db.Close()
		}

		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		if report.OK {
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "failed:", report.Error)
		}
		return nil
	},
}
