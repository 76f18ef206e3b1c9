// Package export runs export jobs: for every requested examination it
// queries the archive, resolves the dependent objects, plans their transfers
// and retrieves them into the export root.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/caio-sobreiro/rtexport/anonymize"
	"github.com/caio-sobreiro/rtexport/archive"
	dicomerrors "github.com/caio-sobreiro/rtexport/errors"
	"github.com/caio-sobreiro/rtexport/plan"
	"github.com/caio-sobreiro/rtexport/query"
	"github.com/caio-sobreiro/rtexport/resolve"
	"github.com/caio-sobreiro/rtexport/transfer"
	"github.com/caio-sobreiro/rtexport/types"
)

// Session holds the settings shared by every item of a run. The receiver is
// configured from the same values.
type Session struct {
	RunID      string
	ExportRoot string
	Anonymize  bool
	Anonymizer anonymize.Anonymizer
	Toggles    types.DataTypeToggles
	Modalities types.RegistrationModalities
	Settle     time.Duration
}

// Progress is a two level progress report: across the run and within the
// current item. Percentages range from 0 to 100.
type Progress struct {
	Overall float64
	Item    float64
	Status  string
	Detail  string
}

// Orchestrator runs the items of an export job in order.
type Orchestrator struct {
	session    Session
	archive    archive.Archive
	coord      *query.Coordinator
	resolver   *resolve.Resolver
	planner    *plan.Planner
	executor   *transfer.Executor
	onProgress func(Progress)
	logger     *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithProgress sets the callback progress is reported to. It is called from
// the goroutine running Run.
func WithProgress(fn func(Progress)) Option {
	return func(o *Orchestrator) {
		o.onProgress = fn
	}
}

// New returns an orchestrator exporting from arch. Moved objects are routed
// through router, normally the route table of the run's receiver.
func New(session Session, arch archive.Archive, router transfer.Router, opts ...Option) (*Orchestrator, error) {
	if session.ExportRoot == "" {
		return nil, errors.New("export: export root is required")
	}
	if session.Anonymize && session.Anonymizer == nil {
		return nil, errors.New("export: anonymization requested without an anonymizer")
	}
	if session.RunID == "" {
		session.RunID = uuid.NewString()
	}

	o := &Orchestrator{
		session: session,
		archive: arch,
		planner: &plan.Planner{Root: session.ExportRoot},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("run_id", session.RunID)
	o.coord = query.NewCoordinator(arch, o.logger)
	o.resolver = resolve.New(o.coord, o.logger)
	o.executor = transfer.NewExecutor(arch, router,
		transfer.WithSettle(session.Settle),
		transfer.WithLogger(o.logger))
	return o, nil
}

// RunID identifies the run in logs and in the unrouted object folder.
func (o *Orchestrator) RunID() string {
	return o.session.RunID
}

func (o *Orchestrator) report(p Progress) {
	if o.onProgress != nil {
		o.onProgress(p)
	}
}

func percent(done, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(done) * 100 / float64(total)
}

// Run exports requests in order. Items and transfers that fail are recorded
// in the report's Errors and the run continues with the next one, so a run
// that reaches its end is OutcomeCompleted. Cancelling ctx stops the run
// before the next transfer and ends it with OutcomeCancelled. Run only
// returns an error, with OutcomeFailed, when the run cannot proceed at all.
func (o *Orchestrator) Run(ctx context.Context, requests []types.ExportRequest) (*Report, error) {
	rep := &Report{RunID: o.session.RunID, Started: time.Now()}

	o.report(Progress{Status: "Connecting", Detail: "Verifying archive connection"})
	if err := os.MkdirAll(o.session.ExportRoot, 0o755); err != nil {
		err = fmt.Errorf("export: preparing export root %s: %w", o.session.ExportRoot, err)
		rep.Outcome = OutcomeFailed
		rep.Errors = multierror.Append(rep.Errors, err)
		rep.Finished = time.Now()
		o.report(Progress{Status: "Export failed", Detail: err.Error()})
		o.logger.ErrorContext(ctx, "Export aborted", "error", err)
		return rep, err
	}
	if err := o.archive.Echo(ctx); err != nil {
		o.logger.WarnContext(ctx, "Archive verification failed", "error", err)
	}

	for i := range requests {
		if ctx.Err() != nil {
			rep.Outcome = OutcomeCancelled
			break
		}
		req := &requests[i]
		item := o.runItem(ctx, req, i, len(requests), rep)
		rep.Items = append(rep.Items, item)
		if item.Status == ItemCancelled {
			rep.Outcome = OutcomeCancelled
			break
		}
		detail := fmt.Sprintf("%s %s: %s", req.MRN, req.Exam.Name, item.Status)
		if item.Reason != "" {
			detail += " (" + item.Reason + ")"
		}
		o.report(Progress{
			Overall: percent(i+1, len(requests)),
			Item:    100,
			Status:  "Item complete",
			Detail:  detail,
		})
	}

	rep.Finished = time.Now()

	final := Progress{Overall: 100, Item: 100, Status: "Export complete"}
	if failed := rep.Count(ItemFailed); failed > 0 {
		final.Detail = fmt.Sprintf("%d of %d items failed", failed, len(requests))
	}
	if rep.Outcome == OutcomeCancelled {
		final = Progress{Overall: percent(len(rep.Items), len(requests)), Status: "Export cancelled"}
	}
	o.report(final)

	errCount := 0
	if rep.Errors != nil {
		errCount = len(rep.Errors.Errors)
	}
	o.logger.InfoContext(ctx, "Export finished",
		"outcome", rep.Outcome.String(),
		"items", len(requests),
		"exported", rep.Count(ItemExported),
		"skipped", rep.Count(ItemSkipped),
		"failed", rep.Count(ItemFailed),
		"errors", errCount,
		"duration", rep.Finished.Sub(rep.Started))
	return rep, nil
}

func (o *Orchestrator) runItem(ctx context.Context, req *types.ExportRequest, index, total int, rep *Report) ItemResult {
	item := ItemResult{MRN: req.MRN, Course: req.CourseName, Exam: req.Exam.Name}
	logger := o.logger.With("mrn", req.MRN, "course", req.CourseName, "exam", req.Exam.Name)
	overall := percent(index, total)

	fail := func(reason string, err error) ItemResult {
		if ctx.Err() != nil {
			item.Status = ItemCancelled
			return item
		}
		item.Status = ItemFailed
		item.Reason = reason
		logger.ErrorContext(ctx, "Export item failed", "reason", reason, "error", err)
		rep.Errors = multierror.Append(rep.Errors, fmt.Errorf("%s %s: %s: %w", req.MRN, req.Exam.Name, reason, err))
		return item
	}

	o.report(Progress{Overall: overall, Status: "Querying", Detail: fmt.Sprintf("%s %s", req.MRN, req.Exam.Name)})
	studies, err := o.coord.FindStudies(ctx, req.MRN)
	if err != nil && !errors.Is(err, dicomerrors.ErrNoStudies) {
		return fail("study query failed", err)
	}
	if len(studies) == 0 {
		if ctx.Err() != nil {
			item.Status = ItemCancelled
			return item
		}
		item.Status = ItemSkipped
		item.Reason = "no studies found"
		logger.WarnContext(ctx, "No studies found, skipping", "error", err)
		return item
	}

	series, err := o.coord.FindSeries(ctx, studies)
	if err != nil {
		return fail("series query failed", err)
	}

	res, err := o.resolver.Resolve(ctx, req, series, resolve.Options{
		Toggles:    o.session.Toggles,
		Modalities: o.session.Modalities,
	})
	if err != nil {
		return fail("resolving dependent objects failed", err)
	}

	patientFolder := req.MRN
	if o.session.Anonymize {
		patientFolder, err = o.session.Anonymizer.PatientToken(req.MRN)
		if err != nil {
			return fail("anonymizing patient folder failed", err)
		}
	}

	pending := o.planner.Collect(res, req, patientFolder)
	if len(pending) == 0 {
		item.Status = ItemSkipped
		item.Reason = "nothing to export"
		logger.WarnContext(ctx, "No objects qualified for export", "series", len(series))
		return item
	}
	logger.InfoContext(ctx, "Exporting", "transfers", len(pending), "destination", o.planner.ExamFolder(req, patientFolder))

	result, err := o.executor.Execute(ctx, pending, func(p transfer.Progress) {
		o.report(Progress{
			Overall: overall,
			Item:    percent(p.Index, p.Total),
			Status:  "Transferring",
			Detail:  p.Transfer.Label,
		})
	})
	item.Transfers = result.Transfers
	item.Received = result.Received
	item.FailedMoves = result.Failed
	if result.Errors != nil {
		rep.Errors = multierror.Append(rep.Errors, result.Errors.Errors...)
	}

	switch {
	case errors.Is(err, context.Canceled):
		item.Status = ItemCancelled
	case result.Err() != nil:
		item.Status = ItemFailed
		item.Reason = fmt.Sprintf("%d of %d transfers failed", len(result.Errors.Errors), result.Transfers)
	default:
		item.Status = ItemExported
	}
	return item
}
