package export

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/otcheredev/imaging-gateway/internal/dicomio"
	"github.com/otcheredev/imaging-gateway/internal/models"
	"github.com/otcheredev/imaging-gateway/pkg/dimse"
)

// DestinationStore resolves named DIMSE export destinations.
type DestinationStore interface {
	GetDestinationByName(ctx context.Context, name string) (*models.DestinationApplicationEntity, error)
}

// ExecutionRecorder tracks transmitted instances for outbound correlation.
type ExecutionRecorder interface {
	Create(ctx context.Context, rec *models.RemoteAppExecution) error
}

// DimseSender ships files to remote DIMSE destinations with C-STORE over
// pooled associations.
type DimseSender struct {
	destinations DestinationStore
	executions   ExecutionRecorder
	callingAET   string
	timeout      time.Duration

	mu    sync.Mutex
	pools map[string]*dimse.ConnectionPool
}

// NewDimseSender creates the sender.
func NewDimseSender(destinations DestinationStore, executions ExecutionRecorder, callingAET string, timeout time.Duration) *DimseSender {
	return &DimseSender{
		destinations: destinations,
		executions:   executions,
		callingAET:   callingAET,
		timeout:      timeout,
		pools:        make(map[string]*dimse.ConnectionPool),
	}
}

// Name identifies the exporter in logs and lifecycle status.
func (s *DimseSender) Name() string { return "dimse-export" }

// SendRemote resolves every named destination and issues a C-STORE per
// destination.
func (s *DimseSender) SendRemote(ctx context.Context, msg *models.ExportRequestDataMessage) {
	if len(msg.Request.Destinations) == 0 {
		msg.SetFailed(models.FileExportConfigurationError, "export request names no destinations")
		return
	}

	dataset, _, err := dicomio.StripPart10(msg.Data)
	if err != nil {
		// Fall back to the raw bytes. ParseDataset below still reads msg.Data
		// as a Part-10 stream, so an object without a Part-10 header fails
		// there as unreadable.
		dataset = msg.Data
	}
	ds, err := dicomio.ParseDataset(msg.Data)
	if err != nil {
		msg.SetFailed(models.FileExportServiceError, fmt.Sprintf("unreadable object: %v", err))
		return
	}
	identity := dicomio.ExtractIdentity(&ds)

	for _, name := range msg.Request.Destinations {
		dest, err := s.destinations.GetDestinationByName(ctx, name)
		if err != nil {
			msg.SetFailed(models.FileExportConfigurationError, fmt.Sprintf("unknown destination %q", name))
			return
		}
		if err := s.store(ctx, dest, identity, dataset); err != nil {
			msg.SetFailed(models.FileExportServiceError, err.Error())
			log.Error().Err(err).
				Str("file", msg.Name).
				Str("destination", name).
				Msg("C-STORE export failed")
			return
		}

		record := &models.RemoteAppExecution{
			OutgoingUID:   identity.SopInstanceUID,
			CorrelationID: msg.Request.CorrelationID,
			ExportTaskID:  msg.Request.ExportTaskID,
			OriginalUIDs: map[string]string{
				"study":  identity.StudyInstanceUID,
				"series": identity.SeriesInstanceUID,
			},
		}
		if err := s.executions.Create(ctx, record); err != nil {
			log.Warn().Err(err).Str("outgoing_uid", identity.SopInstanceUID).Msg("Failed to record remote execution")
		}
	}
	msg.SetSucceeded()
}

// store sends one object through the destination's association pool.
func (s *DimseSender) store(ctx context.Context, dest *models.DestinationApplicationEntity, identity dicomio.Identity, dataset []byte) error {
	pool := s.poolFor(dest, identity.SopClassUID)
	assoc, err := pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("no association to %s: %w", dest.Name, err)
	}
	err = assoc.CStore(ctx, identity.SopClassUID, identity.SopInstanceUID, dataset)
	if err != nil {
		assoc.Close()
		return err
	}
	pool.Put(assoc)
	return nil
}

// poolFor returns the association pool for a destination, keyed by name and
// SOP class so the proposed presentation contexts always match.
func (s *DimseSender) poolFor(dest *models.DestinationApplicationEntity, sopClassUID string) *dimse.ConnectionPool {
	key := dest.Name + "|" + sopClassUID
	s.mu.Lock()
	defer s.mu.Unlock()
	if pool, ok := s.pools[key]; ok {
		return pool
	}
	pool := dimse.NewConnectionPool(dimse.PoolConfig{
		AssociationConfig: dimse.AssociationConfig{
			Host:       dest.HostIP,
			Port:       dest.Port,
			CallingAET: s.callingAET,
			CalledAET:  dest.AeTitle,
			Timeout:    s.timeout,
			SopClasses: []string{sopClassUID},
		},
		MaxPoolSize: 3,
		MaxIdleTime: time.Minute,
	})
	s.pools[key] = pool
	return pool
}

// Close releases every association pool.
func (s *DimseSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, pool := range s.pools {
		_ = pool.Close()
		delete(s.pools, key)
	}
	return nil
}
