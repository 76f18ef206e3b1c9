// Package transfer drives the retrieve of planned transfers, one move at a
// time, while the local receiver stores what the archive sends back.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/caio-sobreiro/rtexport/archive"
	dicomerrors "github.com/caio-sobreiro/rtexport/errors"
	"github.com/caio-sobreiro/rtexport/plan"
	"github.com/caio-sobreiro/rtexport/receiver"
	"github.com/caio-sobreiro/rtexport/types"
)

// DefaultSettle bounds how long a transfer waits for its objects to be
// written once the archive reports the move complete.
const DefaultSettle = 2 * time.Second

// Mover issues a single retrieve.
type Mover interface {
	Move(ctx context.Context, key archive.RetrieveKey) (archive.MoveResult, error)
}

// Router directs incoming objects to the destination of a transfer.
type Router interface {
	Add(key, destination string) *receiver.Route
	Remove(route *receiver.Route)
}

// Executor runs transfers sequentially.
type Executor struct {
	mover  Mover
	router Router
	settle time.Duration
	logger *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithSettle sets the upper bound on the wait for moved objects.
func WithSettle(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.settle = d
		}
	}
}

// WithLogger sets the executor's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExecutor returns an executor moving through mover and routing through router.
func NewExecutor(mover Mover, router Router, opts ...Option) *Executor {
	e := &Executor{
		mover:  mover,
		router: router,
		settle: DefaultSettle,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result summarizes the transfers of one Execute call.
type Result struct {
	Transfers int // transfers attempted
	Completed int // sub-operations the archive reported completed
	Failed    int
	Warning   int
	Received  int // objects written by the receiver for these transfers

	// Errors holds one entry per failed transfer.
	Errors *multierror.Error
}

// Err returns the collected transfer failures, or nil.
func (r *Result) Err() error {
	return r.Errors.ErrorOrNil()
}

// Progress is reported before each transfer starts.
type Progress struct {
	Index    int // zero based
	Total    int
	Transfer plan.PendingTransfer
}

// Execute runs pending in order. A failed transfer is logged and recorded in
// the result, and the next one is started. Cancellation is checked before
// each transfer; a move that has started runs to completion.
func (e *Executor) Execute(ctx context.Context, pending []plan.PendingTransfer, onProgress func(Progress)) (Result, error) {
	var result Result
	for i, t := range pending {
		if err := ctx.Err(); err != nil {
			e.logger.InfoContext(ctx, "Export cancelled",
				"completed_transfers", result.Transfers,
				"remaining_transfers", len(pending)-i)
			return result, context.Canceled
		}
		if onProgress != nil {
			onProgress(Progress{Index: i, Total: len(pending), Transfer: t})
		}
		e.run(ctx, t, &result)
	}
	return result, nil
}

func (e *Executor) run(ctx context.Context, t plan.PendingTransfer, result *Result) {
	key, err := retrieveKey(t.Scope)
	if err != nil {
		result.Errors = multierror.Append(result.Errors, fmt.Errorf("%s: %w", t.Label, err))
		return
	}
	logger := e.logger.With(
		"label", t.Label,
		"level", string(key.Level()),
		"series_instance_uid", key.SeriesInstanceUID,
		"destination", t.Destination)
	if key.SOPInstanceUID != "" {
		logger = logger.With("sop_instance", key.SOPInstanceUID)
	}

	route := e.router.Add(t.Scope.RouteKey(), t.Destination)
	defer e.router.Remove(route)

	result.Transfers++
	logger.DebugContext(ctx, "Starting transfer")
	start := time.Now()

	moved, err := e.mover.Move(context.WithoutCancel(ctx), key)
	result.Completed += moved.Completed
	result.Failed += moved.Failed
	result.Warning += moved.Warning
	if err != nil {
		var dimseErr *dicomerrors.DIMSEError
		switch {
		case errors.As(err, &dimseErr) && dimseErr.IsCancel():
			logger.WarnContext(ctx, "Transfer cancelled by archive", "completed", moved.Completed)
		case errors.As(err, &dimseErr) && dimseErr.IsFailure():
			logger.WarnContext(ctx, "Archive refused transfer", "status", fmt.Sprintf("0x%04X", dimseErr.Status), "error", err)
		default:
			logger.WarnContext(ctx, "Transfer failed", "status", fmt.Sprintf("0x%04X", moved.Status), "error", err)
		}
		result.Errors = multierror.Append(result.Errors, fmt.Errorf("%s: %w", t.Label, err))
	} else if moved.Status != types.StatusSuccess {
		logger.WarnContext(ctx, "Transfer finished with warnings",
			"status", fmt.Sprintf("0x%04X", moved.Status),
			"failed", moved.Failed,
			"warning", moved.Warning)
		if moved.Failed > 0 {
			result.Errors = multierror.Append(result.Errors,
				fmt.Errorf("%s: %d of %d objects failed to transfer", t.Label, moved.Failed, moved.Failed+moved.Completed+moved.Warning))
		}
	}

	expected := moved.Completed + moved.Warning
	received := route.Received()
	if expected > received {
		waitCtx, cancel := context.WithTimeout(ctx, e.settle)
		received = route.WaitFor(waitCtx, expected)
		cancel()
	}
	result.Received += received
	if received < expected {
		logger.WarnContext(ctx, "Not every moved object was written",
			"expected", expected,
			"received", received)
	}

	logger.InfoContext(ctx, "Transfer finished",
		"completed", moved.Completed,
		"received", received,
		"duration", time.Since(start))
}

func retrieveKey(scope plan.Scope) (archive.RetrieveKey, error) {
	switch s := scope.(type) {
	case plan.SeriesScope:
		return archive.RetrieveKey{StudyInstanceUID: s.Study, SeriesInstanceUID: s.Series}, nil
	case plan.InstanceScope:
		return archive.RetrieveKey{StudyInstanceUID: s.Study, SeriesInstanceUID: s.Series, SOPInstanceUID: s.SOPInstance}, nil
	default:
		return archive.RetrieveKey{}, fmt.Errorf("unsupported transfer scope %T", scope)
	}
}
