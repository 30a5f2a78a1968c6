package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/seantiz/runbox/internal/app"
	"github.com/seantiz/runbox/internal/cache"
	"github.com/seantiz/runbox/internal/config"
)

func (c *CLI) newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the dependency cache on disk",
		Long: "Inspect or clear the dependency cache on disk. These commands work on " +
			"RUNBOX_CACHE_DIR directly; use the HTTP API while the server is running.",
	}
	cmd.AddCommand(newCacheLsCmd(), newCachePurgeCmd())
	return cmd
}

func newCacheLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List cache entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCache(cmd.Context(), func(reg *cache.Registry) error {
				return printEntries(cmd.OutOrStdout(), reg.Stats(), reg.Entries())
			})
		},
	}
}

func newCachePurgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge <key> | --all",
		Short: "Remove cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			if all == (len(args) == 1) || len(args) > 1 {
				return errors.New("give exactly one cache key or --all")
			}

			return withCache(cmd.Context(), func(reg *cache.Registry) error {
				keys := args
				if all {
					keys = nil
					for _, e := range reg.Entries() {
						keys = append(keys, e.Key)
					}
				}

				var errs []error
				for _, key := range keys {
					if err := reg.Purge(key); err != nil {
						errs = append(errs, fmt.Errorf("purge %q: %w", key, err))
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", key)
				}
				return errors.Join(errs...)
			})
		},
	}

	cmd.Flags().BoolP("all", "a", false, "Remove every entry")

	return cmd
}

// withCache opens the configured cache registry quietly, runs fn and closes
// it again.
func withCache(ctx context.Context, fn func(*cache.Registry) error) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	logger := config.NewLogger(io.Discard, slog.LevelError)

	reg, err := app.OpenCache(cfg, logger)
	if err != nil {
		return err
	}
	return errors.Join(fn(reg), reg.Close(ctx))
}

func printEntries(w io.Writer, st cache.Stats, entries []cache.EntryInfo) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSIZE\tLAST USED\tPACKAGES")
	for _, e := range entries {
		names := make([]string, 0, len(e.Packages))
		for name, p := range e.Packages {
			names = append(names, name+"@"+p.Version)
		}
		sort.Strings(names)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			e.Key,
			humanize.Bytes(uint64(e.SizeBytes)),
			humanize.Time(e.LastAccess),
			strings.Join(names, ", "),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d entries, %s of %s\n",
		st.Entries, humanize.Bytes(uint64(st.TotalBytes)), humanize.Bytes(uint64(st.LimitBytes)))
	return err
}
