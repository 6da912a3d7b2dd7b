package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hpctoolkit/hpccct/internal/pprofexport"
	"github.com/hpctoolkit/hpccct/internal/profile"
)

func newExportCommand(cfg Config) *cobra.Command {
	var flags mergeFlags
	var output string
	cmd := &cobra.Command{
		Use:   "export [flags] -o FILE PROFILE...",
		Short: "Merge profiles and write the result in pprof format",
		Args:  minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				return usageError{fmt.Errorf("--output is required")}
			}
			policy, err := profile.ParseMergePolicy(flags.policy)
			if err != nil {
				return usageError{err}
			}
			ctx, cancel := withTimeout(cmd.Context(), cfg)
			defer cancel()

			h, closeStorage, err := openStorage(ctx, cfg.StorageURL)
			if err != nil {
				return err
			}
			defer closeStorage()

			merged, err := mergeInputs(ctx, cfg, h, args, flags.readOptions(), policy)
			if err != nil {
				return err
			}
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			if err := pprofexport.Write(f, merged); err != nil {
				_ = f.Close()
				return fmt.Errorf("export %s: %w", output, err)
			}
			return f.Close()
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "pprof output file")
	return cmd
}
