// Package archive adapts a remote query/retrieve SCP to the three operations
// the export depends on: find, move and echo. Every operation runs on its own
// association.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/caio-sobreiro/rtexport/client"
	"github.com/caio-sobreiro/rtexport/dicom"
	dicomerrors "github.com/caio-sobreiro/rtexport/errors"
	"github.com/caio-sobreiro/rtexport/types"
)

// Archive is the remote archive surface used by the export.
type Archive interface {
	Find(ctx context.Context, level types.QueryLevel, identifier *dicom.Dataset) ([]*dicom.Dataset, error)
	Move(ctx context.Context, key RetrieveKey) (MoveResult, error)
	Echo(ctx context.Context) error
}

// RetrieveKey selects what a move transfers: a series, or one instance of it
// when SOPInstanceUID is set.
type RetrieveKey struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
}

// Level returns the query/retrieve level the key is issued at.
func (k RetrieveKey) Level() types.QueryLevel {
	if k.SOPInstanceUID != "" {
		return types.QueryLevelImage
	}
	return types.QueryLevelSeries
}

// Identifier builds the C-MOVE identifier for the key.
func (k RetrieveKey) Identifier() *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.AddElement(tag.QueryRetrieveLevel, dicom.VR_CS, string(k.Level()))
	ds.AddElement(tag.StudyInstanceUID, dicom.VR_UI, k.StudyInstanceUID)
	ds.AddElement(tag.SeriesInstanceUID, dicom.VR_UI, k.SeriesInstanceUID)
	if k.SOPInstanceUID != "" {
		ds.AddElement(tag.SOPInstanceUID, dicom.VR_UI, k.SOPInstanceUID)
	}
	return ds
}

// MoveResult is the final status and sub-operation counters of a move.
type MoveResult struct {
	Status    uint16
	Completed int
	Failed    int
	Warning   int
}

// Config describes the remote archive and the local AE it moves to.
type Config struct {
	Address         string // host:port of the archive
	CalledAETitle   string
	CallingAETitle  string
	MoveDestination string // AE title the archive sends retrieved objects to

	ConnectRetries uint64        // additional connection attempts (default: 0)
	RetryInterval  time.Duration // pause between attempts (default: 1s)
	ReadTimeout    time.Duration // per-response timeout (default: client default)
	Logger         *slog.Logger
}

type dialFunc func(ctx context.Context, address string, config client.Config) (*client.Association, error)

// Remote is an Archive reached over DICOM.
type Remote struct {
	cfg    Config
	logger *slog.Logger
	dial   dialFunc
}

// New returns a Remote for cfg.
func New(cfg Config) *Remote {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Remote{
		cfg:    cfg,
		logger: logger.With("archive", cfg.CalledAETitle, "address", cfg.Address),
		dial:   client.Connect,
	}
}

// connect opens an association, retrying network failures and transient
// rejections.
func (r *Remote) connect(ctx context.Context, abstractSyntax string) (*client.Association, error) {
	b, err := retry.NewConstant(r.cfg.RetryInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to configure backoff: %w", err)
	}
	b = retry.WithMaxRetries(r.cfg.ConnectRetries, b)

	config := client.Config{
		CallingAETitle:   r.cfg.CallingAETitle,
		CalledAETitle:    r.cfg.CalledAETitle,
		ReadTimeout:      r.cfg.ReadTimeout,
		Logger:           r.logger,
		AbstractSyntaxes: []string{abstractSyntax},
	}

	var assoc *client.Association
	attempt := 0
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		var err error
		assoc, err = r.dial(ctx, r.cfg.Address, config)
		if err != nil {
			if dicomerrors.Retryable(err) {
				r.logger.WarnContext(ctx, "Archive connection failed", "attempt", attempt, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assoc, nil
}

func (r *Remote) release(ctx context.Context, assoc *client.Association) {
	if err := assoc.Close(); err != nil {
		r.logger.DebugContext(ctx, "Association release failed", "error", err)
	}
}

// Find runs one Study Root C-FIND and returns every matching identifier.
func (r *Remote) Find(ctx context.Context, level types.QueryLevel, identifier *dicom.Dataset) ([]*dicom.Dataset, error) {
	if identifier.GetString(tag.QueryRetrieveLevel) == "" {
		identifier.AddElement(tag.QueryRetrieveLevel, dicom.VR_CS, string(level))
	}

	assoc, err := r.connect(ctx, types.StudyRootQueryRetrieveInformationModelFind)
	if err != nil {
		return nil, err
	}
	defer r.release(ctx, assoc)

	responses, err := assoc.SendCFind(ctx, &client.CFindRequest{Dataset: identifier})
	if err != nil {
		return nil, err
	}
	return client.Matches(responses), nil
}

// Move asks the archive to send the objects selected by key to the
// configured move destination and waits for the final response.
func (r *Remote) Move(ctx context.Context, key RetrieveKey) (MoveResult, error) {
	assoc, err := r.connect(ctx, types.StudyRootQueryRetrieveInformationModelMove)
	if err != nil {
		return MoveResult{}, err
	}
	defer r.release(ctx, assoc)

	res, err := assoc.SendCMove(ctx, &client.CMoveRequest{
		Destination: r.cfg.MoveDestination,
		Dataset:     key.Identifier(),
	})
	if res == nil {
		return MoveResult{}, err
	}
	return MoveResult{
		Status:    res.Status,
		Completed: int(res.Completed),
		Failed:    int(res.Failed),
		Warning:   int(res.Warning),
	}, err
}

// Echo verifies that the archive answers.
func (r *Remote) Echo(ctx context.Context) error {
	assoc, err := r.connect(ctx, types.VerificationSOPClass)
	if err != nil {
		return err
	}
	defer r.release(ctx, assoc)
	return assoc.SendCEcho(ctx)
}
