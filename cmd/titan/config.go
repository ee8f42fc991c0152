package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/peycheff-com/titan-trading-system-sub008/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and manage the configuration tree",
}

var configShowCmd = &cobra.Command{
	Use:   "show <brain|phase|service> [key]",
	Short: "Load a configuration and print the merged result with sources",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := config.NewManager(configRoot, env)
		if err != nil {
			return err
		}
		cfgType, key, err := configTarget(args)
		if err != nil {
			return err
		}

		var res config.LoadResult
		switch cfgType {
		case config.TypeBrain:
			_, res, err = mgr.LoadBrain(nil)
		case config.TypePhase:
			// Phase caps are checked against the brain when one loads first.
			if _, _, berr := mgr.LoadBrain(nil); berr != nil {
				fmt.Fprintln(os.Stderr, "warning: brain unavailable:", berr)
			}
			_, res, err = mgr.LoadPhase(key, nil)
		case config.TypeService:
			_, res, err = mgr.LoadService(key, nil)
		}
		if err != nil {
			return err
		}

		for _, w := range res.Warnings {
			fmt.Fprintln(os.Stderr, "warning:", w)
		}
		out := map[string]interface{}{
			"payload": res.Payload,
			"sources": res.Sources,
		}
		return printJSON(out)
	},
}

var configHistoryCmd = &cobra.Command{
	Use:   "history <brain|phase|service> [key]",
	Short: "List retained versions",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := config.NewManager(configRoot, env)
		if err != nil {
			return err
		}
		cfgType, key, err := configTarget(args)
		if err != nil {
			return err
		}
		versions, err := mgr.History().GetAllVersions(cfgType, key)
		if err != nil {
			return err
		}
		for _, v := range versions {
			fmt.Printf("v%-4d %s  %-12s %s\n",
				v.Version, v.Timestamp.Format("2006-01-02 15:04:05"), v.Author, v.Comment)
		}
		return nil
	},
}

var configRollbackCmd = &cobra.Command{
	Use:   "rollback <brain|phase|service> <key> <version>",
	Short: "Make an earlier version live (recorded as a new version)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := config.NewManager(configRoot, env, config.WithAuthor("operator"))
		if err != nil {
			return err
		}
		var version int
		if _, err := fmt.Sscanf(args[2], "%d", &version); err != nil {
			return fmt.Errorf("bad version %q", args[2])
		}
		v, err := mgr.RollbackToVersion(args[0], args[1], version)
		if err != nil {
			return err
		}
		fmt.Printf("rolled back %s/%s to v%d (recorded as v%d)\n", args[0], args[1], version, v.Version)
		return nil
	},
}

var configDiffCmd = &cobra.Command{
	Use:   "diff <brain|phase|service> <key> <v1> <v2>",
	Short: "Show the structural diff between two versions",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := config.NewManager(configRoot, env)
		if err != nil {
			return err
		}
		var v1, v2 int
		if _, err := fmt.Sscanf(args[2], "%d", &v1); err != nil {
			return fmt.Errorf("bad version %q", args[2])
		}
		if _, err := fmt.Sscanf(args[3], "%d", &v2); err != nil {
			return fmt.Errorf("bad version %q", args[3])
		}
		diff, err := mgr.History().CompareVersions(args[0], args[1], v1, v2)
		if err != nil {
			return err
		}
		return printJSON(diff)
	},
}

// configTarget resolves the (type, key) pair from CLI args; brain's key is
// itself.
func configTarget(args []string) (string, string, error) {
	cfgType := args[0]
	switch cfgType {
	case config.TypeBrain:
		return config.TypeBrain, config.TypeBrain, nil
	case config.TypePhase, config.TypeService:
		if len(args) < 2 {
			return "", "", fmt.Errorf("%s requires a key", cfgType)
		}
		return cfgType, args[1], nil
	}
	return "", "", fmt.Errorf("unknown config type %q", cfgType)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configHistoryCmd)
	configCmd.AddCommand(configRollbackCmd)
	configCmd.AddCommand(configDiffCmd)
}
