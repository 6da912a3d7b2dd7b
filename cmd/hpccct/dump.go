package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hpctoolkit/hpccct/internal/cct"
	"github.com/hpctoolkit/hpccct/internal/metrics"
	"github.com/hpctoolkit/hpccct/internal/nodetree"
	"github.com/hpctoolkit/hpccct/internal/profile"
	"github.com/hpctoolkit/hpccct/internal/storageutil"
)

func newDumpCommand(cfg Config) *cobra.Command {
	var (
		asJSON       bool
		collapse     bool
		top          uint
		metricName   string
		canonicalize bool
	)
	cmd := &cobra.Command{
		Use:   "dump [flags] PROFILE...",
		Short: "Print the tree of each profile, or a summary of its hottest locations",
		Args:  minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if top > 0 && metricName == "" {
				return usageError{fmt.Errorf("--top requires --metric")}
			}
			ctx, cancel := withTimeout(cmd.Context(), cfg)
			defer cancel()

			h, closeStorage, err := openStorage(ctx, cfg.StorageURL)
			if err != nil {
				return err
			}
			defer closeStorage()

			results := make(chan storageutil.ReadJobResult, len(args))
			opts := profile.ReadOptions{Canonicalize: canonicalize}
			for _, name := range args {
				go storageutil.ReadJob{Ctx: ctx, Storage: h, ObjectName: name, Options: opts, Result: results}.Read()
			}
			byName := make(map[string]*profile.Profile, len(args))
			for range args {
				r := <-results
				if err := r.Error(); err != nil {
					return err
				}
				byName[r.ObjectName] = r.Profile
			}

			out := cmd.OutOrStdout()
			if top > 0 {
				agg := metrics.NewAggregator(metricName, top, 3)
				for _, name := range args {
					agg.AddProfile(byName[name], name)
				}
				return writeSummary(out, agg.ToMetrics())
			}
			for _, name := range args {
				p := byName[name]
				if asJSON {
					n := nodetree.FromProfile(p)
					n.ComputeInclusive()
					if collapse {
						if roots := n.Collapse(); len(roots) == 1 {
							n = roots[0]
						} else {
							n = &nodetree.Node{Kind: cct.KindRoot.String(), Children: roots}
						}
					}
					if err := nodetree.Write(out, n); err != nil {
						return err
					}
					continue
				}
				writeTree(out, name, p)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the tree as JSON")
	cmd.Flags().BoolVar(&collapse, "collapse", false, "with --json, splice away synthetic frames")
	cmd.Flags().UintVar(&top, "top", 0, "print the N locations with the largest exclusive values of --metric")
	cmd.Flags().StringVar(&metricName, "metric", "", "metric used by --top")
	cmd.Flags().BoolVar(&canonicalize, "canonicalize", false, "remove synthetic root frames")
	return cmd
}

func writeTree(w io.Writer, name string, p *profile.Profile) {
	t := p.CCT
	descs := p.Metrics.Descriptors()
	fmt.Fprintf(w, "%s: %d nodes, %d metrics, %d load modules\n", name, t.NumNodes(), len(descs), p.LoadMap.Len())
	t.WalkNodeFirst(t.Root(), func(id cct.NodeID, level int) bool {
		var b strings.Builder
		b.WriteString(strings.Repeat("  ", level))
		b.WriteString(t.Kind(id).String())
		if t.Kind(id).HasAddr() {
			a := t.Addr(id)
			module := fmt.Sprint(a.LMID)
			if m := p.LoadMap.Module(a.LMID); m != nil {
				module = nodetree.ModuleBaseName(m.Name)
			}
			fmt.Fprintf(&b, " %s:%#x", module, a.IP)
		}
		fmt.Fprintf(&b, " id=%d", t.PersistentID(id))
		for i, v := range t.Metrics(id) {
			if v.IsZero() || i >= len(descs) {
				continue
			}
			fmt.Fprintf(&b, " %s=%g", descs[i].Name, v.Float(descs[i].Format))
		}
		fmt.Fprintln(w, b.String())
		return true
	})
}

func writeSummary(w io.Writer, rows []metrics.LocationMetrics) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODULE\tIP\tSUM\tAVG\tP95\tNODES\tWORST")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%g\t%g\t%g\t%d\t%s\n", r.Module, r.IP, r.Sum, r.Avg, r.P95, r.Count, r.Worst)
	}
	return tw.Flush()
}
