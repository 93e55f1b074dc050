package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"riverfs/internal/config"
)

var fsckConfigPath string

var fsckCmd = &cobra.Command{
	Use:   "fsck",
	Short: "Run the cache consistency sweep without mounting",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(fsckConfigPath)
		if err != nil {
			return err
		}
		s, err := buildStack(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer s.close()

		report, err := s.cache.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("orphans removed:  %d\n", len(report.Orphans))
		fmt.Printf("inodes replanned: %d\n", len(report.Replanned))
		fmt.Printf("blocks purged:    %d\n", report.Purged)
		return nil
	},
}

func init() {
	fsckCmd.Flags().StringVarP(&fsckConfigPath, "config", "c", "riverfs.yaml", "mount configuration file")
	rootCmd.AddCommand(fsckCmd)
}
