package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hpctoolkit/hpccct/internal/profile"
	"github.com/hpctoolkit/hpccct/internal/storageutil"
)

type mergeFlags struct {
	output       string
	policy       string
	canonicalize bool
	splitNodes   bool
	virtual      bool
}

func (f *mergeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.policy, "policy", profile.MergeByName.String(), "metric merge policy: by-name, by-id or create")
	cmd.Flags().BoolVar(&f.canonicalize, "canonicalize", false, "remove synthetic root frames")
	cmd.Flags().BoolVar(&f.splitNodes, "split-nodes", true, "move samples of interior call sites to statement children")
}

func (f *mergeFlags) readOptions() profile.ReadOptions {
	return profile.ReadOptions{
		Canonicalize:   f.canonicalize,
		SplitNodes:     f.splitNodes,
		VirtualMetrics: f.virtual,
	}
}

func newMergeCommand(cfg Config) *cobra.Command {
	var flags mergeFlags
	cmd := &cobra.Command{
		Use:   "merge [flags] PROFILE...",
		Short: "Merge profiles in argument order and write the result",
		Args:  minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			output := flags.output
			if output == "" {
				output = fmt.Sprintf("merged-%s.hpcrun", uuid.New().String())
			}
			changes, err := storageutil.WriteProfile(ctx, h, output, merged, profile.WriteOptions{VirtualMetrics: flags.virtual})
			if err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			if len(changes) > 0 {
				log.Warn().Int("changes", len(changes)).Msg("retained call path ids were renamed; traces referring to them need rewriting")
			}
			fmt.Fprintln(cmd.OutOrStdout(), output)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "output file or object name (default merged-<uuid>.hpcrun)")
	cmd.Flags().BoolVar(&flags.virtual, "virtual-metrics", false, "merge metric tables only and write no metric values")
	return cmd
}

// mergeInputs loads names in parallel and merges them in order. When the
// context expires the partial result is dropped.
func mergeInputs(ctx context.Context, cfg Config, h storageutil.ObjectHandler, names []string, opts profile.ReadOptions, policy profile.MergePolicy) (*profile.Profile, error) {
	profiles, err := loadProfiles(ctx, h, names, opts, cfg.ReadParallelism)
	if err != nil {
		return nil, err
	}
	merged, err := profile.MergeAll(ctx, profiles, profile.MergeOptions{Policy: policy})
	if err != nil {
		return nil, err
	}
	log.Info().Int("inputs", len(names)).Int("nodes", merged.CCT.NumNodes()).Int("metrics", merged.Metrics.Len()).Msg("merged profiles")
	return merged, nil
}
