package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/memohai/filedrop/internal/config"
	"github.com/memohai/filedrop/internal/links"
	"github.com/memohai/filedrop/internal/logger"
)

func newLinksCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "links",
		Short: "List stored links",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return printLinks(cmd.OutOrStdout(), afero.NewOsFs(), cfg)
		},
	}
}

func printLinks(w io.Writer, fsys afero.Fs, cfg config.Config) error {
	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	store := links.NewStore(fsys, cfg.Links.Path, log)
	domains := links.NewDomainStore(fsys, cfg.Links.DomainPath, log)

	baseURL := cfg.PublicBaseURL()
	if domain, ok := domains.Get(); ok {
		baseURL = domain
	}

	entries := store.List()
	if len(entries) == 0 {
		_, err := fmt.Fprintf(w, "no links stored in %s\n", cfg.Links.Path)
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tFILE NAME\tFILE ID\tURL")
	for _, entry := range entries {
		url := baseURL + "/"
		if entry.Key != links.CurrentKey {
			url += entry.Key
		}
		name := entry.FileName
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", entry.Key, name, entry.FileID, url)
	}
	return tw.Flush()
}
