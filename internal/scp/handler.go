package scp

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/otcheredev/imaging-gateway/internal/cache"
	"github.com/otcheredev/imaging-gateway/internal/dicomio"
	"github.com/otcheredev/imaging-gateway/internal/metrics"
	"github.com/otcheredev/imaging-gateway/internal/models"
	"github.com/otcheredev/imaging-gateway/internal/services"
)

// aeCacheTTL bounds how long admission lookups may be served from cache.
const aeCacheTTL = 5 * time.Minute

// AeTitleStore is the slice of the AE repository the handler needs.
type AeTitleStore interface {
	GetLocalByAeTitle(ctx context.Context, aeTitle string) (*models.LocalApplicationEntity, error)
	SourceExists(ctx context.Context, aeTitle, hostIP string) (bool, error)
}

// DicomIngestor is the shared ingest path for admitted instances.
type DicomIngestor interface {
	ProcessDicom(ctx context.Context, in services.DicomInput) (*models.FileStorageMetadata, error)
}

// AssociationRecorder persists association audit records.
type AssociationRecorder interface {
	Create(ctx context.Context, info *models.DicomAssociationInfo) error
}

// GatewayHandler implements the SCP admission policy and C-STORE processing
// over the shared ingest path.
type GatewayHandler struct {
	aeTitles             AeTitleStore
	associations         AssociationRecorder
	ingest               DicomIngestor
	cache                cache.Cache
	rejectUnknownSources bool
}

// NewGatewayHandler wires the handler.
func NewGatewayHandler(aeTitles AeTitleStore, associations AssociationRecorder, ingest DicomIngestor, c cache.Cache, rejectUnknownSources bool) *GatewayHandler {
	return &GatewayHandler{
		aeTitles:             aeTitles,
		associations:         associations,
		ingest:               ingest,
		cache:                c,
		rejectUnknownSources: rejectUnknownSources,
	}
}

// OnAssociationRequest validates the calling and called AE titles against
// configuration.
func (h *GatewayHandler) OnAssociationRequest(ctx context.Context, info *AssociationInfo) *RejectReason {
	if h.rejectUnknownSources {
		known, err := h.sourceAllowed(ctx, info.CallingAETitle, info.RemoteHost)
		if err != nil {
			log.Error().Err(err).Str("calling_ae", info.CallingAETitle).Msg("Source AE lookup failed")
			r := RejectCallingAENotRecognized
			return &r
		}
		if !known {
			r := RejectCallingAENotRecognized
			return &r
		}
	}

	if _, err := h.localAE(ctx, info.CalledAETitle); err != nil {
		r := RejectCalledAENotRecognized
		return &r
	}
	return nil
}

// OnCEchoRequest acknowledges verification requests.
func (h *GatewayHandler) OnCEchoRequest(ctx context.Context, info *AssociationInfo) uint16 {
	log.Debug().Str("association_id", info.ID.String()).Msg("C-ECHO received")
	return StatusSuccess
}

// OnCStoreRequest runs the C-STORE processing sequence: SOP class filtering,
// plug-ins, buffering, upload enqueue and payload assembly.
func (h *GatewayHandler) OnCStoreRequest(ctx context.Context, req *CStoreRequest) uint16 {
	info := req.Association
	logger := log.With().
		Str("association_id", info.ID.String()).
		Str("sop_instance_uid", req.SOPInstanceUID).
		Logger()

	ae, err := h.localAE(ctx, info.CalledAETitle)
	if err != nil {
		info.AddError(err)
		logger.Error().Err(err).Str("called_ae", info.CalledAETitle).Msg("Called AE no longer configured")
		return StatusProcessingFailure
	}

	if !ae.AcceptsSopClass(req.SOPClassUID) {
		metrics.InstancesIgnored.Inc()
		logger.Info().Str("sop_class_uid", req.SOPClassUID).Msg("Instance skipped by SOP class filter")
		return StatusSuccess
	}

	if len(req.Data) == 0 {
		info.AddError(errors.New("empty dataset"))
		return StatusCannotUnderstand
	}

	part10 := dicomio.WrapPart10(req.SOPClassUID, req.SOPInstanceUID, req.TransferSyntax, req.Data)
	_, err = h.ingest.ProcessDicom(ctx, services.DicomInput{
		AE:            ae,
		CorrelationID: info.CorrelationID,
		Source:        info.CallingAETitle,
		Destination:   info.CalledAETitle,
		DataService:   models.DataServiceDimse,
		Part10:        part10,
	})
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, services.ErrInsufficientStorage):
		info.AddError(err)
		logger.Error().Err(err).Msg("Rejecting instance under disk pressure")
		return StatusOutOfResources
	case errors.Is(err, services.ErrPluginFailure):
		info.AddError(err)
		logger.Error().Err(err).Msg("Input plug-in chain failed")
		return StatusProcessingFailure
	default:
		info.AddError(err)
		logger.Error().Err(err).Msg("Failed to process instance")
		return StatusProcessingFailure
	}
}

// OnAssociationClosed persists the audit record for a terminal association.
func (h *GatewayHandler) OnAssociationClosed(ctx context.Context, info *AssociationInfo, state AssociationState) {
	now := time.Now().UTC()
	record := &models.DicomAssociationInfo{
		CorrelationID:  info.CorrelationID,
		CallingAeTitle: info.CallingAETitle,
		CalledAeTitle:  info.CalledAETitle,
		RemoteHost:     info.RemoteHost,
		RemotePort:     info.RemotePort,
		FileCount:      info.FileCount,
		Errors:         info.Errors,
		CreatedAt:      info.CreatedAt,
		DisconnectedAt: now,
		Duration:       now.Sub(info.CreatedAt).Milliseconds(),
	}
	if err := h.associations.Create(ctx, record); err != nil {
		log.Error().Err(err).Str("association_id", info.ID.String()).Msg("Failed to persist association record")
	}
	log.Info().
		Str("association_id", info.ID.String()).
		Str("state", string(state)).
		Int("file_count", info.FileCount).
		Msg("Association closed")
}

// sourceAllowed checks the source AE allow-list, serving hot lookups from
// cache.
func (h *GatewayHandler) sourceAllowed(ctx context.Context, aeTitle, host string) (bool, error) {
	key := cache.SourceAeKey(aeTitle, host)
	if cached, err := h.cache.Get(ctx, key); err == nil {
		return string(cached) == "1", nil
	}
	allowed, err := h.aeTitles.SourceExists(ctx, aeTitle, host)
	if err != nil {
		return false, err
	}
	value := []byte("0")
	if allowed {
		value = []byte("1")
	}
	_ = h.cache.Set(ctx, key, value, aeCacheTTL)
	return allowed, nil
}

// localAE resolves the called AE, serving hot lookups from cache.
func (h *GatewayHandler) localAE(ctx context.Context, aeTitle string) (*models.LocalApplicationEntity, error) {
	key := cache.LocalAeKey(aeTitle)
	if cached, err := h.cache.Get(ctx, key); err == nil {
		var ae models.LocalApplicationEntity
		if jsonErr := json.Unmarshal(cached, &ae); jsonErr == nil {
			return &ae, nil
		}
	}
	ae, err := h.aeTitles.GetLocalByAeTitle(ctx, aeTitle)
	if err != nil {
		return nil, err
	}
	if encoded, jsonErr := json.Marshal(ae); jsonErr == nil {
		_ = h.cache.Set(ctx, key, encoded, aeCacheTTL)
	}
	return ae, nil
}
