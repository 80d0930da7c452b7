package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/towerview/tower/loader"
	"gopkg.in/yaml.v3"
)

type loadResult struct {
	Path     string           `yaml:"path"`
	Status   string           `yaml:"status"`
	Metadata *loader.Metadata `yaml:"metadata,omitempty"`
	TookMs   int64            `yaml:"took_ms,omitempty"`
	Error    string           `yaml:"error,omitempty"`
}

var loadCmd = &cobra.Command{
	Use:   "load <image>...",
	Short: "Decode images through the cache and report what was loaded",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loaderConfig()
		if err != nil {
			return err
		}
		cfg.Watch = false

		open, _ := cmd.Flags().GetBool("open")
		output, _ := cmd.Flags().GetString("output")
		if output != "text" && output != "yaml" {
			return fmt.Errorf("unknown output %q (text or yaml)", output)
		}

		ld, err := loader.New(cfg)
		if err != nil {
			return err
		}
		defer ld.Close() //nolint:errcheck

		results := make([]loadResult, 0, len(args))
		var pending []*loader.Placeholder
		for _, path := range uniqueKeys(args) {
			var (
				ph  *loader.Placeholder
				err error
			)
			if open {
				ph, err = ld.Open(path, loader.OriginDrop)
			} else {
				ph, err = ld.Ingest(path)
			}
			if err != nil {
				results = append(results, loadResult{Path: path, Status: "rejected", Error: err.Error()})
				continue
			}
			pending = append(pending, ph)
		}

		results = append(results, waitResolved(ld, pending, cfg.TickInterval)...)

		if output == "yaml" {
			if err := yaml.NewEncoder(cmd.OutOrStdout()).Encode(results); err != nil {
				return err
			}
		} else {
			printResults(cmd.OutOrStdout(), results)
		}

		failed := lo.CountBy(results, func(r loadResult) bool { return r.Status != "loaded" })
		if failed > 0 {
			return fmt.Errorf("%d of %d images not loaded", failed, len(results))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loadCmd)
	loadCmd.Flags().Bool("open", false, "open images as drops: switch to their directory and prefetch neighbours")
	loadCmd.Flags().StringP("output", "o", "text", "output format (text or yaml)")
}

// uniqueKeys normalizes paths and drops duplicates, keeping the first
// spelling order. Paths that fail to normalize are kept as given so the
// loader reports them.
func uniqueKeys(paths []string) []string {
	keys := lo.Map(paths, func(p string, _ int) string {
		if k, err := loader.NormalizeKey(p); err == nil {
			return k.String()
		}
		return p
	})
	return lo.Uniq(keys)
}

// waitResolved ticks the loader until every placeholder resolved or failed.
// The loader's resolve timeout bounds the wait.
func waitResolved(ld *loader.Loader, pending []*loader.Placeholder, tick time.Duration) []loadResult {
	waiting := lo.SliceToMap(pending, func(ph *loader.Placeholder) (uint64, *loader.Placeholder) {
		return ph.ID, ph
	})
	done := make(map[uint64]loadResult, len(pending))

	for len(waiting) > 0 {
		report := ld.PollTick()
		for _, f := range report.Failed {
			if ph, ok := waiting[f.Placeholder.ID]; ok {
				done[ph.ID] = loadResult{Path: ph.Key.String(), Status: "failed", Error: f.Err.Error()}
				delete(waiting, ph.ID)
			}
		}
		for id, ph := range waiting {
			if ph.State != loader.PlaceholderResolved {
				continue
			}
			if r, ok := ld.TryTakeResolved(ph.Key.String()); ok {
				done[id] = loadResult{
					Path:     ph.Key.String(),
					Status:   "loaded",
					Metadata: &r.Entry.Metadata,
					TookMs:   r.Entry.DecodedIn.Milliseconds(),
				}
				delete(waiting, id)
			}
		}
		if len(waiting) > 0 {
			time.Sleep(tick)
		}
	}

	return lo.Map(pending, func(ph *loader.Placeholder, _ int) loadResult {
		return done[ph.ID]
	})
}

func printResults(w io.Writer, results []loadResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, r := range results {
		if r.Metadata != nil {
			fmt.Fprintf(tw, "%s\t%s\t%dx%d\t%s\t%s\t%dms\n", r.Status, r.Path, //nolint:errcheck
				r.Metadata.Width, r.Metadata.Height, r.Metadata.Format, r.Metadata.Channels, r.TookMs)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Status, r.Path, r.Error) //nolint:errcheck
	}
	tw.Flush() //nolint:errcheck
	if len(results) == 0 {
		fmt.Fprintln(os.Stderr, "nothing to load") //nolint:errcheck
	}
}
