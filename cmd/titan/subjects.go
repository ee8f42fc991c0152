package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/peycheff-com/titan-trading-system-sub008/internal/subjects"
	"github.com/peycheff-com/titan-trading-system-sub008/internal/topology"
)

var subjectsCmd = &cobra.Command{
	Use:   "subjects",
	Short: "Inspect the subject catalog",
}

var subjectsValidateCmd = &cobra.Command{
	Use:   "validate <subject>...",
	Short: "Classify subjects and show their stream binding",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, s := range args {
			class := subjects.Class(s)
			if class == "" {
				if target, ok := subjects.MigrationTarget(s); ok {
					fmt.Printf("%-48s LEGACY -> %s (sunset %s)\n", s, target, subjects.LegacySunset)
					continue
				}
				fmt.Printf("%-48s NON-STANDARD\n", s)
				continue
			}
			stream, ok := topology.StreamFor(s)
			if !ok {
				stream = "(core, no stream)"
			}
			fmt.Printf("%-48s class=%-6s stream=%s\n", s, class, stream)
		}
		return nil
	},
}

var subjectsMigrationsCmd = &cobra.Command{
	Use:   "migrations",
	Short: "List legacy subject mappings",
	RunE: func(cmd *cobra.Command, args []string) error {
		for legacy, target := range subjects.Migrations() {
			fmt.Printf("%-40s -> %s\n", legacy, target)
		}
		fmt.Println("sunset:", subjects.LegacySunset)
		return nil
	},
}

func init() {
	subjectsCmd.AddCommand(subjectsValidateCmd)
	subjectsCmd.AddCommand(subjectsMigrationsCmd)
}
