package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"browsernerd-resolver/internal/patterns"
)

func newPatternsCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Inspect the learned pattern store",
	}

	var (
		site        string
		demotedOnly bool
		asJSON      bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List learned (site, intent) locators",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd, opts)
			if err != nil {
				return err
			}
			defer store.Close()

			filter := ""
			if site != "" {
				filter = patterns.SiteKey(site)
			}
			entries := make([]patterns.Entry, 0)
			for _, e := range store.Entries() {
				if filter != "" && e.Site != filter {
					continue
				}
				if demotedOnly && !e.Demoted() {
					continue
				}
				entries = append(entries, e)
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			return writeEntries(cmd.OutOrStdout(), entries)
		},
	}
	list.Flags().StringVar(&site, "site", "", "Only patterns for this site (URL or origin)")
	list.Flags().BoolVar(&demotedOnly, "demoted", false, "Only demoted patterns")
	list.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the pattern store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd, opts)
			if err != nil {
				return err
			}
			defer store.Close()
			return writeJSON(cmd.OutOrStdout(), store.Stats())
		},
	}

	cmd.AddCommand(list, stats)
	return cmd
}

func openStore(cmd *cobra.Command, opts *cliOptions) (*patterns.Store, error) {
	cfg, _, err := opts.load()
	if err != nil {
		return nil, err
	}
	return patterns.Open(cmd.Context(), cfg.Patterns, zap.NewNop())
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeEntries(w io.Writer, entries []patterns.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SITE\tINTENT\tSTRATEGY\tPAYLOAD\tOK\tFAIL\tDEMOTED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%t\n",
			e.Site, e.Intent, e.Strategy, e.Payload, e.Successes, e.Failures, e.Demoted())
	}
	return tw.Flush()
}
