package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/causelist/internal/api"
	"github.com/xkilldash9x/causelist/internal/observability"
	"github.com/xkilldash9x/causelist/internal/service"
)

func newHistoryCmd() *cobra.Command {
	var limit int
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List archived scrape sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cfg.Store().URL == "" {
				return fmt.Errorf("store.url is not configured (hint: set CAUSELIST_STORE_URL)")
			}
			arch, closeArchive, err := service.InitializeArchive(ctx, cfg.Store(), observability.GetLogger())
			if err != nil {
				return err
			}
			defer closeArchive()
			return printHistory(ctx, arch, limit, cmd.OutOrStdout())
		},
	}
	historyCmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of sessions to list")
	return historyCmd
}

func printHistory(ctx context.Context, reader api.HistoryReader, limit int, out io.Writer) error {
	sessions, err := reader.History(ctx, limit)
	if err != nil {
		return err
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Session", "Status", "Date", "Case Type", "Path", "Rows", "Artifact", "Updated"})
	for _, s := range sessions {
		rows := 0
		for _, t := range s.Tables {
			rows += len(t.Rows)
		}
		status := string(s.Status)
		if s.ErrorKind != "" {
			status += " (" + string(s.ErrorKind) + ")"
		}
		tw.AppendRow(table.Row{
			s.ID, status, s.Request.Date.String(), s.Request.CaseType,
			strings.Join(s.Request.Path, " / "), rows, s.ArtifactRef,
			s.UpdatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "", "", "", fmt.Sprintf("%d session(s)", len(sessions))})
	tw.Render()
	return nil
}
