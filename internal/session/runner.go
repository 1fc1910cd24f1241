package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xkilldash9x/causelist/api/schemas"
	"github.com/xkilldash9x/causelist/internal/browser"
	"github.com/xkilldash9x/causelist/internal/challenge"
	"github.com/xkilldash9x/causelist/internal/config"
	"github.com/xkilldash9x/causelist/internal/extractor"
	"github.com/xkilldash9x/causelist/internal/observability"
	"github.com/xkilldash9x/causelist/internal/render"
	"github.com/xkilldash9x/causelist/internal/resolver"
)

var tracer = observability.Tracer("session")

// releaseTimeout bounds closing the automation handle, which runs even when the
// session's own context is already cancelled.
const releaseTimeout = 10 * time.Second

// Dependencies are the collaborators a Runner drives.
type Dependencies struct {
	Provider  schemas.AutomationProvider
	Portal    config.PortalConfig
	Gate      challenge.Gate
	Extractor *extractor.Extractor
	// Renderer may be nil, in which case no artifact is produced.
	Renderer render.Renderer
	Logger   *zap.Logger
}

// Runner executes the scrape protocol for one session at a time per call. It
// holds no per-session state and may run many sessions concurrently.
type Runner struct {
	deps   Dependencies
	logger *zap.Logger
}

func NewRunner(deps Dependencies) *Runner {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Extractor == nil {
		deps.Extractor = extractor.New(extractor.OptionsFromPortal(deps.Portal))
	}
	return &Runner{deps: deps, logger: deps.Logger.Named("session")}
}

// outcome is what a successful run hands to finalize.
type outcome struct {
	tables   []schemas.CauseListTable
	artifact string
	message  string
}

// Run drives s from pending to a terminal status. It returns once the status is
// terminal and the automation handle, if one was acquired, has been released.
func (r *Runner) Run(ctx context.Context, s *Session) {
	log := r.logger.With(zap.String("session_id", s.ID()))
	ctx, span := observability.StartSpan(ctx, tracer, "Session", "session_id", s.ID())

	var auto schemas.Automation
	out, err := r.execute(ctx, s, &auto, log)
	r.finalize(ctx, s, auto, out, err, log)

	observability.EndSpan(span, err)
}

// finalize is the only place a session becomes terminal and its handle is released.
func (r *Runner) finalize(ctx context.Context, s *Session, auto schemas.Automation, out outcome, err error, log *zap.Logger) {
	defer s.finish()

	if auto != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		if cerr := auto.Close(closeCtx); cerr != nil {
			log.Warn("Failed to release automation handle.", zap.Error(cerr))
		}
		cancel()
	}

	if err == nil {
		s.complete(out.tables, out.artifact, out.message)
		log.Info("Session completed.",
			zap.Int("tables", len(out.tables)),
			zap.String("artifact", out.artifact),
		)
		return
	}

	s.fail(err)
	snap := s.Snapshot()
	if snap.Status == schemas.StatusCancelled {
		log.Info("Session cancelled.")
		return
	}
	log.Error("Session failed.", zap.String("kind", string(snap.ErrorKind)), zap.Error(err))
}

func (r *Runner) execute(ctx context.Context, s *Session, handle *schemas.Automation, log *zap.Logger) (outcome, error) {
	req := s.Request()
	portal := r.deps.Portal

	// -- initializing --
	if err := s.checkpoint(ctx); err != nil {
		return outcome{}, err
	}
	s.advance(schemas.StatusInitializing, "Launching browser and opening the portal")
	auto, err := r.step(ctx, "initializing", func(ctx context.Context) (schemas.Automation, error) {
		auto, err := r.deps.Provider.Acquire(ctx)
		if err != nil {
			return nil, asEnvironment(err)
		}
		*handle = auto
		if err := auto.Navigate(ctx, portal.URL); err != nil {
			return auto, asEnvironment(err)
		}
		return auto, nil
	})
	if err != nil {
		return outcome{}, err
	}

	// -- selecting_parameters --
	if err := s.checkpoint(ctx); err != nil {
		return outcome{}, err
	}
	s.advance(schemas.StatusSelectingParameters, "Selecting court, date and case type")
	cascade := resolver.New(auto, portal.Levels, portal.ResolutionTimeout, log)
	_, err = r.step(ctx, "selecting_parameters", func(ctx context.Context) (schemas.Automation, error) {
		checkpoint := func() error { return s.checkpoint(ctx) }
		if err := cascade.ResolvePath(ctx, req.Path, checkpoint); err != nil {
			return nil, err
		}
		if err := checkpoint(); err != nil {
			return nil, err
		}
		if err := r.selectDate(ctx, auto, req.Date, log); err != nil {
			return nil, err
		}
		if err := checkpoint(); err != nil {
			return nil, err
		}
		return nil, r.selectCaseType(ctx, auto, req.CaseType, log)
	})
	if err != nil {
		return outcome{}, err
	}

	// -- captcha_required --
	if err := s.checkpoint(ctx); err != nil {
		return outcome{}, err
	}
	s.advance(schemas.StatusChallengePending, "CAPTCHA detected. Waiting for it to be solved")
	_, err = r.step(ctx, "captcha_required", func(ctx context.Context) (schemas.Automation, error) {
		return nil, r.deps.Gate.Await(ctx, challenge.Request{
			Auto:      auto,
			Confirmed: s.challengeConfirmed,
			Cancelled: s.Cancelled,
			Observe: func(state challenge.State, msg string) {
				log.Debug("Challenge state changed.", zap.String("state", string(state)))
				s.note(msg)
			},
		})
	})
	if err != nil {
		return outcome{}, err
	}

	// -- processing --
	if err := s.checkpoint(ctx); err != nil {
		return outcome{}, err
	}
	s.advance(schemas.StatusProcessing, "Submitting the search and reading results")
	var out outcome
	_, err = r.step(ctx, "processing", func(ctx context.Context) (schemas.Automation, error) {
		res, err := r.collect(ctx, auto, log)
		if err != nil {
			return nil, err
		}
		out.tables = res.Tables
		out.message = fmt.Sprintf("Found %d table(s) in %d container(s)", len(res.Tables), res.Containers)
		if !schemas.HasRows(res.Tables) {
			out.message = "No cause list entries found"
			return nil, nil
		}
		if r.deps.Renderer == nil {
			return nil, nil
		}
		ref, err := r.deps.Renderer.Render(ctx, render.Meta{
			Label:    cascade.Label(),
			Date:     req.Date,
			CaseType: req.CaseType,
		}, res.Tables)
		if err != nil {
			return nil, asEnvironment(err)
		}
		out.artifact = ref
		return nil, nil
	})
	if err != nil {
		return outcome{}, err
	}
	return out, nil
}

// step runs one state's work inside its own span.
func (r *Runner) step(ctx context.Context, name string, fn func(ctx context.Context) (schemas.Automation, error)) (auto schemas.Automation, err error) {
	ctx, span := tracer.Start(ctx, name)
	defer func() { observability.EndSpan(span, err) }()
	return fn(ctx)
}

// selectDate opens the calendar widget and clicks the button for date.
func (r *Runner) selectDate(ctx context.Context, auto schemas.Automation, date schemas.CalendarDate, log *zap.Logger) error {
	portal := r.deps.Portal
	picker, err := browser.FirstMatch(ctx, auto, portal.DatePickerSelectors, "date_picker", log)
	if err != nil {
		return err
	}
	if !picker.Found {
		return fmt.Errorf("%w: no date picker", schemas.ErrElementNotFound)
	}
	if err := auto.Click(ctx, picker.Handle); err != nil {
		return err
	}

	sel := fmt.Sprintf(portal.DateButtonTemplate, date.String())
	var button schemas.Lookup
	err = auto.WaitUntil(ctx, func(ctx context.Context) (bool, error) {
		l, err := auto.FindElement(ctx, sel)
		button = l
		return l.Found, err
	}, portal.ResolutionTimeout)
	if errors.Is(err, schemas.ErrWaitTimeout) {
		return fmt.Errorf("%w: date %s is not offered by the calendar", schemas.ErrElementNotFound, date)
	}
	if err != nil {
		return err
	}
	return auto.Click(ctx, button.Handle)
}

func (r *Runner) selectCaseType(ctx context.Context, auto schemas.Automation, ct schemas.CaseType, log *zap.Logger) error {
	selectors := r.deps.Portal.CaseTypes.Civil
	if ct == schemas.CaseTypeCriminal {
		selectors = r.deps.Portal.CaseTypes.Criminal
	}
	m, err := browser.FirstMatch(ctx, auto, selectors, "case_type_"+string(ct), log)
	if err != nil {
		return err
	}
	if !m.Found {
		return fmt.Errorf("%w: no %s case type control", schemas.ErrElementNotFound, ct)
	}
	return auto.Click(ctx, m.Handle)
}

// collect submits the search, waits for a result container and extracts the tables.
func (r *Runner) collect(ctx context.Context, auto schemas.Automation, log *zap.Logger) (extractor.Result, error) {
	portal := r.deps.Portal
	submit, err := browser.FirstMatch(ctx, auto, portal.SubmitSelectors, "submit", log)
	if err != nil {
		return extractor.Result{}, err
	}
	if !submit.Found {
		return extractor.Result{}, fmt.Errorf("%w: no submit control", schemas.ErrElementNotFound)
	}
	if err := auto.Click(ctx, submit.Handle); err != nil {
		return extractor.Result{}, err
	}

	err = auto.WaitUntil(ctx, func(ctx context.Context) (bool, error) {
		els, err := auto.FindElements(ctx, portal.ResultContainer)
		return len(els) > 0, err
	}, portal.ResultTimeout)
	if errors.Is(err, schemas.ErrWaitTimeout) {
		return extractor.Result{}, fmt.Errorf("%w: no %s after %s", schemas.ErrResultTimeout, portal.ResultContainer, portal.ResultTimeout)
	}
	if err != nil {
		return extractor.Result{}, err
	}

	root, err := auto.FindElement(ctx, portal.ResultRoot)
	if err != nil {
		return extractor.Result{}, err
	}
	if !root.Found {
		return extractor.Result{}, fmt.Errorf("%w: result root %s", schemas.ErrElementNotFound, portal.ResultRoot)
	}
	markup, err := auto.OuterHTML(ctx, root.Handle)
	if err != nil {
		return extractor.Result{}, err
	}

	res, err := r.deps.Extractor.Extract(ctx, strings.NewReader(markup))
	if err != nil {
		return extractor.Result{}, err
	}
	log.Debug("Results extracted.",
		zap.Int("containers", res.Containers),
		zap.Int("tables", len(res.Tables)),
	)
	trackResult(ctx, res)
	return res, nil
}

func trackResult(ctx context.Context, res extractor.Result) {
	rows := 0
	for _, t := range res.Tables {
		rows += len(t.Rows)
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int("tables", len(res.Tables)),
		attribute.Int("rows", rows),
	)
}

// asEnvironment classifies otherwise unclassified failures as environment errors.
func asEnvironment(err error) error {
	if err == nil || schemas.KindOf(err) != schemas.KindInternal {
		return err
	}
	return fmt.Errorf("%w: %v", schemas.ErrEnvironment, err)
}
