package scp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/imaging-gateway/internal/dicomio"
	"github.com/otcheredev/imaging-gateway/internal/metrics"
)

// AssociationState is the per-association state machine position.
type AssociationState string

const (
	StateRequested AssociationState = "Requested"
	StateAccepted  AssociationState = "Accepted"
	StateRejected  AssociationState = "Rejected"
	StateStoring   AssociationState = "Storing"
	StateReleased  AssociationState = "Released"
	StateAborted   AssociationState = "Aborted"
)

// AssociationInfo is the in-flight view of one association, persisted as an
// audit record when the association reaches a terminal state.
type AssociationInfo struct {
	ID             uuid.UUID
	CorrelationID  string
	CallingAETitle string
	CalledAETitle  string
	RemoteHost     string
	RemotePort     int
	FileCount      int
	Errors         []string
	CreatedAt      time.Time
}

// AddError records a non-fatal failure for the audit trail.
func (a *AssociationInfo) AddError(err error) {
	a.Errors = append(a.Errors, err.Error())
}

// CStoreRequest is one received composite object.
type CStoreRequest struct {
	Association    *AssociationInfo
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string

	// Data is the bare dataset as received; wrap with WrapPart10 to persist.
	Data []byte
}

// Handler reacts to association and DIMSE events. Admission steps that need
// configuration state (source and called AE lookups) live here; the server
// enforces the protocol-level steps around it.
type Handler interface {
	OnAssociationRequest(ctx context.Context, info *AssociationInfo) *RejectReason
	OnCEchoRequest(ctx context.Context, info *AssociationInfo) uint16
	OnCStoreRequest(ctx context.Context, req *CStoreRequest) uint16
	OnAssociationClosed(ctx context.Context, info *AssociationInfo, state AssociationState)
}

// Config holds the listener settings.
type Config struct {
	Port                       int
	MaxAssociations            int
	VerificationServiceEnabled bool
	IdleTimeout                time.Duration
}

// Server runs the DICOM SCP: accepts associations, negotiates presentation
// contexts and dispatches C-ECHO / C-STORE to the handler.
type Server struct {
	cfg     Config
	handler Handler

	active   atomic.Int32
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer creates the SCP.
func NewServer(cfg Config, handler Handler) *Server {
	return &Server{cfg: cfg, handler: handler}
}

// Addr reports the bound listener address; nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveAssociations reports the currently open associations.
func (s *Server) ActiveAssociations() int {
	return int(s.active.Load())
}

// Start begins listening and returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on %d: %w", s.cfg.Port, err)
	}
	s.listener = listener
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve(ctx)
	}()
	log.Info().Int("port", s.cfg.Port).Msg("DICOM SCP listening")
	return nil
}

// Stop closes the listener and waits for open associations to finish.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) serve(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Msg("Accept failed")
			continue
		}
		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConnection(ctx, c)
		}(conn)
	}
}

// handleConnection runs the association state machine for one connection:
// Requested -> Accepted|Rejected -> (Storing)* -> Released|Aborted.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	info := &AssociationInfo{
		ID:        uuid.New(),
		CreatedAt: time.Now().UTC(),
	}
	info.CorrelationID = info.ID.String()
	if host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		info.RemoteHost = host
		info.RemotePort, _ = strconv.Atoi(portStr)
	}
	logger := log.With().
		Str("association_id", info.ID.String()).
		Str("remote_host", info.RemoteHost).
		Logger()

	s.touchDeadline(conn)
	first, err := readPDU(conn)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to read association request")
		return
	}
	if first.Type != pduTypeAssociateRQ {
		logger.Warn().Int("pdu_type", int(first.Type)).Msg("Expected A-ASSOCIATE-RQ")
		_ = writePDU(conn, pduTypeAbort, buildAbort(0x02))
		return
	}

	rq, err := parseAssociateRQ(first.Data)
	if err != nil {
		logger.Warn().Err(err).Msg("Malformed association request")
		_ = writePDU(conn, pduTypeAbort, buildAbort(0x06))
		return
	}
	info.CallingAETitle = rq.CallingAETitle
	info.CalledAETitle = rq.CalledAETitle

	// Admission policy, in order.
	reject := s.admit(ctx, info, rq)
	if reject != nil {
		metrics.AssociationsRejected.WithLabelValues(reject.Label).Inc()
		logger.Info().
			Str("reason", reject.Label).
			Str("calling_ae", rq.CallingAETitle).
			Str("called_ae", rq.CalledAETitle).
			Msg("Association rejected")
		_ = writePDU(conn, pduTypeAssociateRJ, buildAssociateRJ(*reject))
		s.handler.OnAssociationClosed(ctx, info, StateRejected)
		return
	}

	accepted := s.negotiate(rq)
	if err := writePDU(conn, pduTypeAssociateAC, buildAssociateAC(rq, accepted)); err != nil {
		logger.Warn().Err(err).Msg("Failed to send A-ASSOCIATE-AC")
		return
	}

	s.active.Add(1)
	metrics.ActiveAssociations.Inc()
	defer func() {
		s.active.Add(-1)
		metrics.ActiveAssociations.Dec()
	}()

	logger.Info().
		Str("calling_ae", rq.CallingAETitle).
		Str("called_ae", rq.CalledAETitle).
		Msg("Association accepted")

	state := s.messageLoop(ctx, conn, info, accepted, logger)
	s.handler.OnAssociationClosed(ctx, info, state)
}

// admit runs the four ordered admission checks.
func (s *Server) admit(ctx context.Context, info *AssociationInfo, rq *associateRQ) *RejectReason {
	if !s.cfg.VerificationServiceEnabled && echoOnly(rq) {
		r := RejectNoReasonGiven
		return &r
	}
	if reject := s.handler.OnAssociationRequest(ctx, info); reject != nil {
		return reject
	}
	if int(s.active.Load()) >= s.cfg.MaxAssociations {
		r := RejectLocalLimitExceeded
		return &r
	}
	return nil
}

// echoOnly reports whether every proposed context is the verification class.
func echoOnly(rq *associateRQ) bool {
	if len(rq.Contexts) == 0 {
		return false
	}
	for _, ctx := range rq.Contexts {
		if ctx.AbstractSyntax != dicomio.VerificationSOPClass {
			return false
		}
	}
	return true
}

// negotiate accepts any abstract syntax the gateway can buffer, choosing the
// first supported transfer syntax.
func (s *Server) negotiate(rq *associateRQ) []acceptedContext {
	out := make([]acceptedContext, 0, len(rq.Contexts))
	for _, proposed := range rq.Contexts {
		accepted := acceptedContext{
			ID:             proposed.ID,
			Result:         presRejectTransferSyntax,
			AbstractSyntax: proposed.AbstractSyntax,
		}
		if proposed.AbstractSyntax == dicomio.VerificationSOPClass && !s.cfg.VerificationServiceEnabled {
			accepted.Result = presRejectAbstractSyntax
		} else {
			for _, ts := range proposed.TransferSyntaxes {
				if ts == dicomio.ImplicitVRLittleEndian || ts == dicomio.ExplicitVRLittleEndian {
					accepted.Result = presAcceptance
					accepted.TransferSyntax = ts
					break
				}
			}
		}
		out = append(out, accepted)
	}
	return out
}

// messageLoop reassembles PDVs into DIMSE messages until release or abort.
func (s *Server) messageLoop(ctx context.Context, conn net.Conn, info *AssociationInfo, contexts []acceptedContext, logger zerolog.Logger) AssociationState {
	var (
		commandBuf []byte
		datasetBuf []byte
		current    *command
		currentCtx byte
	)

	for {
		s.touchDeadline(conn)
		p, err := readPDU(conn)
		if err != nil {
			if err != io.EOF {
				info.AddError(fmt.Errorf("read pdu: %w", err))
				logger.Warn().Err(err).Msg("Association read failed")
			}
			return StateAborted
		}

		switch p.Type {
		case pduTypePDataTF:
			pdvs, err := parsePDataTF(p.Data)
			if err != nil {
				info.AddError(err)
				_ = writePDU(conn, pduTypeAbort, buildAbort(0x06))
				return StateAborted
			}
			for _, v := range pdvs {
				if v.IsCommand {
					commandBuf = append(commandBuf, v.Data...)
					if !v.IsLast {
						continue
					}
					current, err = parseCommand(commandBuf)
					commandBuf = nil
					if err != nil {
						info.AddError(err)
						_ = writePDU(conn, pduTypeAbort, buildAbort(0x06))
						return StateAborted
					}
					currentCtx = v.ContextID
					if !current.HasDataSet() {
						if done := s.dispatch(ctx, conn, info, contexts, current, currentCtx, nil, logger); done != nil {
							return *done
						}
						current = nil
					}
					continue
				}

				datasetBuf = append(datasetBuf, v.Data...)
				if !v.IsLast {
					continue
				}
				if current == nil {
					info.AddError(fmt.Errorf("dataset pdv without command"))
					_ = writePDU(conn, pduTypeAbort, buildAbort(0x06))
					return StateAborted
				}
				dataset := datasetBuf
				datasetBuf = nil
				if done := s.dispatch(ctx, conn, info, contexts, current, currentCtx, dataset, logger); done != nil {
					return *done
				}
				current = nil
			}

		case pduTypeReleaseRQ:
			_ = writePDU(conn, pduTypeReleaseRP, []byte{0x00, 0x00, 0x00, 0x00})
			return StateReleased

		case pduTypeAbort:
			logger.Info().Msg("Association aborted by peer")
			return StateAborted

		default:
			logger.Warn().Int("pdu_type", int(p.Type)).Msg("Unhandled PDU type")
		}
	}
}

// dispatch routes one complete DIMSE message. A non-nil return ends the
// association with that state.
func (s *Server) dispatch(ctx context.Context, conn net.Conn, info *AssociationInfo, contexts []acceptedContext, cmd *command, contextID byte, dataset []byte, logger zerolog.Logger) *AssociationState {
	switch cmd.CommandField {
	case cmdCEchoRQ:
		status := s.handler.OnCEchoRequest(ctx, info)
		rsp := buildResponse(cmdCEchoRSP, cmd.MessageID, status, cmd.AffectedSOPClassUID, "")
		if err := writePDU(conn, pduTypePDataTF, buildPDataTF(contextID, true, true, rsp)); err != nil {
			info.AddError(err)
			aborted := StateAborted
			return &aborted
		}
		return nil

	case cmdCStoreRQ:
		transferSyntax, err := transferSyntaxFor(contexts, contextID)
		if err != nil {
			info.AddError(err)
			aborted := StateAborted
			return &aborted
		}
		status := s.handler.OnCStoreRequest(ctx, &CStoreRequest{
			Association:    info,
			SOPClassUID:    cmd.AffectedSOPClassUID,
			SOPInstanceUID: cmd.AffectedSOPInstanceUID,
			TransferSyntax: transferSyntax,
			Data:           dataset,
		})
		if status == StatusSuccess {
			info.FileCount++
		}
		rsp := buildResponse(cmdCStoreRSP, cmd.MessageID, status, cmd.AffectedSOPClassUID, cmd.AffectedSOPInstanceUID)
		if err := writePDU(conn, pduTypePDataTF, buildPDataTF(contextID, true, true, rsp)); err != nil {
			info.AddError(err)
			aborted := StateAborted
			return &aborted
		}
		return nil

	default:
		logger.Warn().
			Int("command_field", int(cmd.CommandField)).
			Msg("Unsupported DIMSE command")
		rsp := buildResponse(cmd.CommandField|0x8000, cmd.MessageID, StatusSOPClassNotSupp, cmd.AffectedSOPClassUID, "")
		if err := writePDU(conn, pduTypePDataTF, buildPDataTF(contextID, true, true, rsp)); err != nil {
			info.AddError(err)
			aborted := StateAborted
			return &aborted
		}
		return nil
	}
}

func (s *Server) touchDeadline(conn net.Conn) {
	if s.cfg.IdleTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}
}

// transferSyntaxFor resolves the negotiated transfer syntax of a context id.
func transferSyntaxFor(contexts []acceptedContext, id byte) (string, error) {
	for _, ctx := range contexts {
		if ctx.ID == id && ctx.Result == presAcceptance {
			return ctx.TransferSyntax, nil
		}
	}
	return "", fmt.Errorf("presentation context %d not accepted", id)
}
