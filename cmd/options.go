package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/causelist/api/schemas"
	"github.com/xkilldash9x/causelist/internal/config"
	"github.com/xkilldash9x/causelist/internal/observability"
	"github.com/xkilldash9x/causelist/internal/service"
)

func newOptionsCmd() *cobra.Command {
	var all bool
	optionsCmd := &cobra.Command{
		Use:   "options [codes...]",
		Short: "List the options offered below a selection path",
		Long: `Lists the options of the level below the given codes. With no codes it lists
the outermost level; with --all it lists every second-level option grouped by its parent.`,
		Example: "  causelist options\n  causelist options complexA\n  causelist options --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runOptions(ctx, observability.GetLogger(), cfg, args, all, componentFactory, cmd.OutOrStdout())
		},
	}
	optionsCmd.Flags().BoolVar(&all, "all", false, "list every second-level option grouped by parent")
	return optionsCmd
}

func runOptions(ctx context.Context, logger *zap.Logger, cfg config.Interface, codes []string, all bool, factory service.ComponentFactory, out io.Writer) error {
	components, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown(context.WithoutCancel(ctx))

	levels := components.Catalog.Levels()
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.SetStyle(table.StyleLight)

	if all {
		groups, err := components.Catalog.All(ctx)
		if err != nil {
			return err
		}
		tw.AppendHeader(table.Row{levels[0], "Code", levelName(levels, 1), "Code"})
		for _, g := range groups {
			for _, o := range g.Options {
				tw.AppendRow(table.Row{g.Parent.Name, g.Parent.Code, o.Name, o.Code})
			}
		}
		tw.Render()
		return nil
	}

	opts, err := components.Catalog.Options(ctx, schemas.SelectionPath(codes))
	if err != nil {
		return err
	}
	tw.SetTitle(levelName(levels, len(codes)))
	tw.AppendHeader(table.Row{"Code", "Name"})
	for _, o := range opts {
		tw.AppendRow(table.Row{o.Code, o.Name})
	}
	tw.AppendFooter(table.Row{"", fmt.Sprintf("%d option(s)", len(opts))})
	tw.Render()
	return nil
}

func levelName(levels []string, i int) string {
	if i < len(levels) {
		return levels[i]
	}
	return fmt.Sprintf("level %d", i+1)
}
