package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/causelist/api/schemas"
	"github.com/xkilldash9x/causelist/internal/config"
	"github.com/xkilldash9x/causelist/internal/observability"
	"github.com/xkilldash9x/causelist/internal/render"
	"github.com/xkilldash9x/causelist/internal/service"
)

// statusPollInterval is how often the foreground scrape checks its session.
var statusPollInterval = 500 * time.Millisecond

type scrapeOptions struct {
	path     string
	date     string
	caseType string
	print    bool
}

func newScrapeCmd() *cobra.Command {
	opts := &scrapeOptions{}
	scrapeCmd := &cobra.Command{
		Use:   "scrape",
		Short: "Scrape one cause list in the foreground",
		Long: `Runs a single scrape session and waits for it to finish.

In human challenge mode the browser window is shown; solve the CAPTCHA there
and press Enter to continue. Headless runs need --mode solver.`,
		Example: "  causelist scrape --path complexA,courtX --date 2025-10-16 --case-type civil\n" +
			"  causelist scrape --path complexA,courtX --mode solver --headless",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			req, err := opts.request()
			if err != nil {
				return err
			}
			return runScrape(ctx, observability.GetLogger(), cfg, req, opts.print, componentFactory, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	scrapeCmd.Flags().StringVarP(&opts.path, "path", "p", "", "comma separated option codes, outermost level first (required)")
	scrapeCmd.Flags().StringVarP(&opts.date, "date", "d", "", "cause list date as YYYY-MM-DD (default today)")
	scrapeCmd.Flags().StringVarP(&opts.caseType, "case-type", "t", string(schemas.CaseTypeCivil), "civil or criminal")
	scrapeCmd.Flags().BoolVar(&opts.print, "print", false, "print the scraped tables")
	scrapeCmd.Flags().String("format", "", "artifact format: pdf, text or xml (overrides renderer.format)")
	scrapeCmd.Flags().String("output-dir", "", "artifact directory (overrides renderer.output_dir)")
	scrapeCmd.Flags().String("mode", "", "challenge mode: human or solver (overrides challenge.mode)")
	scrapeCmd.Flags().Bool("headless", false, "run the browser headless, solver mode only (overrides browser.headless)")
	_ = scrapeCmd.MarkFlagRequired("path")
	return scrapeCmd
}

func (o *scrapeOptions) request() (schemas.ScrapeRequest, error) {
	date := schemas.NewCalendarDate(time.Now())
	if o.date != "" {
		d, err := schemas.ParseCalendarDate(o.date)
		if err != nil {
			return schemas.ScrapeRequest{}, err
		}
		date = d
	}
	ct, err := schemas.ParseCaseType(o.caseType)
	if err != nil {
		return schemas.ScrapeRequest{}, err
	}
	req := schemas.ScrapeRequest{Path: splitCodes(o.path), Date: date, CaseType: ct}
	return req, req.Validate()
}

func splitCodes(raw string) schemas.SelectionPath {
	var path schemas.SelectionPath
	for _, code := range strings.Split(raw, ",") {
		if code = strings.TrimSpace(code); code != "" {
			path = append(path, code)
		}
	}
	return path
}

// runScrape starts one session and follows it to a terminal status, relaying the
// human CAPTCHA confirmation from in.
func runScrape(ctx context.Context, logger *zap.Logger, cfg config.Interface, req schemas.ScrapeRequest, printTables bool, factory service.ComponentFactory, in io.Reader, out io.Writer) error {
	components, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.API().ShutdownTimeout)
		defer cancel()
		components.Shutdown(shutdownCtx)
	}()

	coord := components.Coordinator
	snap, err := coord.Start(req)
	if err != nil {
		return err
	}
	id := snap.ID
	done, err := coord.Done(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Session %s started.\n", id)

	human := cfg.Challenge().Mode == config.ChallengeModeHuman
	confirmed := make(chan error, 1)
	prompted := false
	lastMessage := ""

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "Interrupted; cancelling the session.")
			if err := coord.Cancel(id); err != nil {
				logger.Warn("Failed to cancel session.", zap.String("session_id", id), zap.Error(err))
			}
			<-done
			return ctx.Err()

		case <-done:
			final, err := coord.Status(id)
			if err != nil {
				return err
			}
			return report(out, final, components.DownloadDir, printTables)

		case readErr := <-confirmed:
			confirmed = nil
			if readErr != nil {
				fmt.Fprintln(out, "No confirmation; cancelling the session.")
				if err := coord.Cancel(id); err != nil {
					logger.Warn("Failed to cancel session.", zap.String("session_id", id), zap.Error(err))
				}
				<-done
				return readErr
			}
			if err := coord.ConfirmChallenge(id); err != nil {
				logger.Warn("Confirmation was not accepted.", zap.String("session_id", id), zap.Error(err))
			}

		case <-ticker.C:
			current, err := coord.Status(id)
			if err != nil {
				return err
			}
			if current.Message != lastMessage {
				lastMessage = current.Message
				fmt.Fprintf(out, "[%s] %s\n", current.Status, current.Message)
			}
			if human && !prompted && current.Status == schemas.StatusChallengePending {
				prompted = true
				fmt.Fprintln(out, "Solve the CAPTCHA in the browser window, then press Enter.")
				go awaitEnter(in, confirmed)
			}
		}
	}
}

// errNoConfirmation means stdin ended before the operator pressed Enter.
var errNoConfirmation = errors.New("stdin closed before the CAPTCHA was confirmed")

// awaitEnter reports nil once a full line is read from in. EOF or a read
// failure is never taken as confirmation.
func awaitEnter(in io.Reader, confirmed chan<- error) {
	_, err := bufio.NewReader(in).ReadString('\n')
	switch {
	case err == nil:
		confirmed <- nil
	case errors.Is(err, io.EOF):
		confirmed <- errNoConfirmation
	default:
		confirmed <- fmt.Errorf("reading confirmation: %w", err)
	}
}

func report(out io.Writer, snap schemas.SessionSnapshot, dir string, printTables bool) error {
	switch snap.Status {
	case schemas.StatusCompleted:
		fmt.Fprintf(out, "Completed: %s\n", snap.Message)
		if printTables {
			for _, t := range snap.Tables {
				fmt.Fprintln(out, render.TextTable(t, 0))
			}
		}
		if snap.ArtifactRef != "" {
			fmt.Fprintf(out, "Saved %s\n", filepath.Join(dir, snap.ArtifactRef))
		}
		return nil
	case schemas.StatusCancelled:
		return fmt.Errorf("session %s was cancelled", snap.ID)
	default:
		return fmt.Errorf("session %s failed (%s): %s", snap.ID, snap.ErrorKind, snap.Message)
	}
}
