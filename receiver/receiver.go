// Package receiver implements the local C-STORE SCP that receives the
// objects an archive sends in answer to the export's moves.
package receiver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/caio-sobreiro/rtexport/anonymize"
	"github.com/caio-sobreiro/rtexport/dicom"
	dicomerrors "github.com/caio-sobreiro/rtexport/errors"
	"github.com/caio-sobreiro/rtexport/interfaces"
	"github.com/caio-sobreiro/rtexport/plan"
	"github.com/caio-sobreiro/rtexport/server"
	"github.com/caio-sobreiro/rtexport/services"
	"github.com/caio-sobreiro/rtexport/types"
)

// UnroutedFolder holds objects that arrive without a matching route.
const UnroutedFolder = "_unrouted"

// Subfolder returns the folder objects of a modality are written to,
// relative to their transfer's destination.
func Subfolder(modality string) string {
	m := strings.ToUpper(strings.TrimSpace(modality))
	switch {
	case m == types.ModalityRTStruct:
		return "Structure"
	case m == types.ModalityRTPlan:
		return "Plan"
	case m == types.ModalityRTDose:
		return "Dose"
	case types.IsRegistrationModality(m):
		return "Registrations"
	default:
		return ""
	}
}

// Acceptor accepts verification and every storage SOP class.
func Acceptor(uid string) bool {
	return uid == types.VerificationSOPClass || types.IsStorageSOPClass(uid)
}

// Config is the session configuration of a receiver. It does not change
// during a run.
type Config struct {
	AETitle    string
	ExportRoot string
	RunID      string

	Anonymize  bool
	Anonymizer anonymize.Anonymizer

	Sink         Sink          // default: DirSink
	ReadTimeout  time.Duration // idle timeout per association
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Receiver stores incoming objects under the destination of the transfer
// that requested them.
type Receiver struct {
	cfg      Config
	routes   *RouteTable
	registry *services.Registry
	logger   *slog.Logger

	stored atomic.Int64
	failed atomic.Int64
}

// New returns a receiver for cfg.
func New(cfg Config) (*Receiver, error) {
	if cfg.AETitle == "" {
		return nil, errors.New("receiver: AE title is required")
	}
	if cfg.ExportRoot == "" {
		return nil, errors.New("receiver: export root is required")
	}
	if cfg.Anonymize && cfg.Anonymizer == nil {
		return nil, errors.New("receiver: anonymization requested without an anonymizer")
	}
	if cfg.Sink == nil {
		cfg.Sink = DirSink{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Receiver{
		cfg:    cfg,
		routes: NewRouteTable(),
		logger: logger.With("run_id", cfg.RunID),
	}
	r.registry = services.NewRegistry(r.logger)
	r.registry.RegisterHandler(types.CEchoRQ, services.NewEchoService(r.logger))
	r.registry.RegisterHandler(types.CStoreRQ, r)
	return r, nil
}

// Routes returns the route table transfers register with.
func (r *Receiver) Routes() *RouteTable {
	return r.routes
}

// UnroutedDir is where objects without a route are kept.
func (r *Receiver) UnroutedDir() string {
	return filepath.Join(r.cfg.ExportRoot, UnroutedFolder, r.cfg.RunID)
}

// Handler returns the DIMSE handler answering C-ECHO and C-STORE.
func (r *Receiver) Handler() interfaces.ServiceHandler {
	return r.registry
}

// Stats returns the number of objects stored and rejected so far.
func (r *Receiver) Stats() (stored, failed int64) {
	return r.stored.Load(), r.failed.Load()
}

// Serve accepts associations on listener until ctx is done.
func (r *Receiver) Serve(ctx context.Context, listener net.Listener) error {
	srv := server.New(r.cfg.AETitle, r.registry,
		server.WithLogger(r.logger),
		server.WithAcceptor(Acceptor),
		server.WithReadTimeout(r.cfg.ReadTimeout),
		server.WithWriteTimeout(r.cfg.WriteTimeout))
	return srv.Serve(ctx, listener)
}

// HandleDIMSE stores one C-STORE request.
func (r *Receiver) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	status := r.store(ctx, msg, data, meta)
	if status == types.StatusSuccess {
		r.stored.Add(1)
	} else {
		r.failed.Add(1)
	}
	return services.NewCStoreResponse(msg, status), nil, nil
}

func (r *Receiver) store(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) uint16 {
	ts := meta.TransferSyntaxUID
	logger := r.logger.With("sop_instance", msg.AffectedSOPInstanceUID, "calling_ae", meta.CallingAETitle)

	ds, err := dicom.ParseDataset(data, ts)
	if err != nil {
		logger.WarnContext(ctx, "Unreadable dataset", "error", err)
		return types.StatusFailure
	}

	sopInstanceUID := msg.AffectedSOPInstanceUID
	if sopInstanceUID == "" {
		sopInstanceUID = ds.GetString(tag.SOPInstanceUID)
	}
	sopClassUID := msg.AffectedSOPClassUID
	if sopClassUID == "" {
		sopClassUID = ds.GetString(tag.SOPClassUID)
	}
	if sopInstanceUID == "" {
		logger.WarnContext(ctx, "Dataset has no SOP Instance UID")
		return types.StatusFailure
	}
	modality := ds.GetString(tag.Modality)

	dir := r.UnroutedDir()
	route, routed := r.routes.Lookup(sopInstanceUID, ds.GetString(tag.SeriesInstanceUID))
	if routed {
		dir = route.Destination
	} else {
		logger.WarnContext(ctx, "Storing unrouted object",
			"series_instance_uid", ds.GetString(tag.SeriesInstanceUID),
			"error", dicomerrors.ErrRouteNotFound)
	}
	dir = filepath.Join(dir, Subfolder(modality))

	if r.cfg.Anonymize {
		data, err = r.cfg.Anonymizer.Anonymize(data, ts)
		if err != nil {
			logger.ErrorContext(ctx, "Anonymization failed, object not stored", "error", err)
			return types.StatusFailure
		}
	}

	name := plan.SanitizeFolderName(sopInstanceUID) + ".dcm"
	fileMeta := dicom.FileMeta{
		MediaStorageSOPClassUID:    sopClassUID,
		MediaStorageSOPInstanceUID: sopInstanceUID,
		TransferSyntaxUID:          ts,
		SourceAETitle:              meta.CallingAETitle,
	}
	if err := r.cfg.Sink.Write(dir, name, fileMeta, data); err != nil {
		logger.ErrorContext(ctx, "Failed to store object", "dir", dir, "error", err)
		return types.StatusOutOfResources
	}

	if routed {
		route.markReceived()
	}
	logger.DebugContext(ctx, "Object stored",
		"modality", modality,
		"path", filepath.Join(dir, name),
		"anonymized", r.cfg.Anonymize)
	return types.StatusSuccess
}

