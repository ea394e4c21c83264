package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

type fileStat struct {
	Name string `json:"name"`
	Size int64  `json:"size_bytes"`
}

type statsReport struct {
	Folder    string     `json:"folder"`
	DataFiles []fileStat `json:"data_files"`
	IndexFiles []fileStat `json:"index_files"`
	Deletion  *fileStat  `json:"deletion_index,omitempty"`
	Log       *fileStat  `json:"commit_log,omitempty"`
	LogActive bool       `json:"commit_log_active"`
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Report file sizes for a vaultdb data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := filepath.Join(dataDir, folderName)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("read %s: %w", dir, err)
		}

		report := statsReport{Folder: dir}
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				continue
			}
			name := e.Name()
			switch {
			case strings.HasPrefix(name, "idx_"):
				report.IndexFiles = append(report.IndexFiles, fileStat{name, info.Size()})
			case name == "del.dat":
				fs := fileStat{name, info.Size()}
				report.Deletion = &fs
			case name == "log.dat":
				fs := fileStat{name, info.Size()}
				report.Log = &fs
				report.LogActive = info.Size() > 0
			case strings.HasSuffix(name, ".dat"):
				report.DataFiles = append(report.DataFiles, fileStat{name, info.Size()})
			}
		}
		sort.Slice(report.DataFiles, func(i, j int) bool { return report.DataFiles[i].Name < report.DataFiles[j].Name })
		sort.Slice(report.IndexFiles, func(i, j int) bool { return report.IndexFiles[i].Name < report.IndexFiles[j].Name })

		if jsonOutput {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "folder: %s\n", report.Folder)
		fmt.Fprintf(cmd.OutOrStdout(), "data files: %d\n", len(report.DataFiles))
		for _, f := range report.DataFiles {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s  %d bytes\n", f.Name, f.Size)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "index files: %d\n", len(report.IndexFiles))
		for _, f := range report.IndexFiles {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s  %d bytes\n", f.Name, f.Size)
		}
		if report.Deletion != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "deletion index: %d bytes\n", report.Deletion.Size)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "commit log active: %v\n", report.LogActive)
		return nil
	},
}
