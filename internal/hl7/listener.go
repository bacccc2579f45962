package hl7

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/imaging-gateway/internal/metrics"
	"github.com/otcheredev/imaging-gateway/internal/models"
	"github.com/otcheredev/imaging-gateway/internal/services"
)

// MLLP framing bytes.
const (
	startBlock = 0x0B // VT
	endBlock   = 0x1C // FS
	carriage   = 0x0D // CR
)

// Config holds the MLLP listener settings.
type Config struct {
	Port           int
	GroupingWindow time.Duration
}

// BlobIngestor is the shared ingest path for non-DICOM objects.
type BlobIngestor interface {
	ProcessBlob(ctx context.Context, in services.BlobInput) error
}

// Listener accepts MLLP-framed HL7 v2 messages, acknowledges them and routes
// the content into the shared ingest path.
type Listener struct {
	cfg    Config
	ingest BlobIngestor

	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewListener creates the MLLP listener.
func NewListener(cfg Config, ingest BlobIngestor) *Listener {
	return &Listener{cfg: cfg, ingest: ingest}
}

// Start binds the port and accepts connections until stopped.
func (l *Listener) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", l.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on %d: %w", l.cfg.Port, err)
	}
	l.listener = listener
	ctx, l.cancel = context.WithCancel(ctx)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				log.Warn().Err(err).Msg("HL7 accept failed")
				continue
			}
			l.wg.Add(1)
			go func(c net.Conn) {
				defer l.wg.Done()
				l.handleConnection(ctx, c)
			}(conn)
		}
	}()
	log.Info().Int("port", l.cfg.Port).Msg("HL7 MLLP listener started")
	return nil
}

// Stop closes the listener and waits for open connections.
func (l *Listener) Stop(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
	}
	if l.listener != nil {
		_ = l.listener.Close()
	}
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleConnection reads framed messages until the peer disconnects. All
// messages on one connection share a correlation id, so the assembler groups
// them into one payload.
func (l *Listener) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	correlationID := uuid.NewString()
	logger := log.With().
		Str("correlation_id", correlationID).
		Str("remote_addr", conn.RemoteAddr().String()).
		Logger()
	logger.Info().Msg("HL7 connection accepted")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	scanner.Split(splitMLLP)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		raw := append([]byte(nil), scanner.Bytes()...)
		msg, err := parseMessage(raw)
		if err != nil {
			logger.Warn().Err(err).Msg("Discarding unparsable HL7 message")
			continue
		}

		if err := l.route(ctx, correlationID, msg, raw); err != nil {
			logger.Error().Err(err).Str("control_id", msg.ControlID).Msg("Failed to ingest HL7 message")
			l.writeAck(conn, msg, "AE")
			continue
		}
		metrics.Hl7MessagesReceived.Inc()
		l.writeAck(conn, msg, "AA")
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		logger.Warn().Err(err).Msg("HL7 connection ended")
	} else {
		logger.Info().Msg("HL7 connection closed")
	}
}

// route builds the metadata record and hands the message to the ingest path.
func (l *Listener) route(ctx context.Context, correlationID string, msg *Message, raw []byte) error {
	m := &models.FileStorageMetadata{
		ID:               uuid.NewString(),
		CorrelationID:    correlationID,
		Source:           msg.SendingApplication,
		Destination:      msg.ReceivingApplication,
		DataService:      models.DataServiceHl7,
		MessageControlID: msg.ControlID,
		DateReceived:     time.Now().UTC(),
	}
	return l.ingest.ProcessBlob(ctx, services.BlobInput{
		Metadata:    m,
		Data:        raw,
		ContentType: "text/plain",
		GroupKey:    correlationID,
		Timeout:     l.cfg.GroupingWindow,
	})
}

// writeAck sends the MLLP-framed acknowledgement. code is AA or AE.
func (l *Listener) writeAck(conn net.Conn, msg *Message, code string) {
	ack := buildAck(msg, code)
	framed := make([]byte, 0, len(ack)+3)
	framed = append(framed, startBlock)
	framed = append(framed, ack...)
	framed = append(framed, endBlock, carriage)
	if _, err := conn.Write(framed); err != nil {
		log.Warn().Err(err).Msg("Failed to write HL7 ACK")
	}
}

// splitMLLP is a bufio.SplitFunc yielding the bytes between VT and FS CR.
func splitMLLP(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.IndexByte(data, startBlock)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.IndexByte(data[start:], endBlock)
	if end < 0 {
		if atEOF {
			return 0, nil, errors.New("unterminated MLLP frame")
		}
		return start, nil, nil
	}
	end += start
	advance = end + 1
	if advance < len(data) && data[advance] == carriage {
		advance++
	}
	return advance, data[start+1 : end], nil
}

// Message is the header slice of one HL7 v2 message.
type Message struct {
	SendingApplication   string
	SendingFacility      string
	ReceivingApplication string
	ReceivingFacility    string
	MessageType          string
	ControlID            string
	Version              string
}

// parseMessage extracts the MSH fields the gateway needs.
func parseMessage(raw []byte) (*Message, error) {
	segments := strings.FieldsFunc(string(raw), func(r rune) bool { return r == '\r' || r == '\n' })
	if len(segments) == 0 {
		return nil, errors.New("empty message")
	}
	msh := segments[0]
	if !strings.HasPrefix(msh, "MSH") || len(msh) < 8 {
		return nil, errors.New("message does not start with MSH")
	}
	sep := string(msh[3])
	fields := strings.Split(msh, sep)
	if len(fields) < 10 {
		return nil, fmt.Errorf("MSH has %d fields, need 10", len(fields))
	}
	msg := &Message{
		SendingApplication:   fields[2],
		SendingFacility:      fields[3],
		ReceivingApplication: fields[4],
		ReceivingFacility:    fields[5],
		MessageType:          fields[8],
		ControlID:            fields[9],
	}
	if len(fields) > 11 {
		msg.Version = fields[11]
	}
	if msg.ControlID == "" {
		return nil, errors.New("MSH-10 message control id is empty")
	}
	return msg, nil
}

// buildAck renders the two-segment acknowledgement for msg.
func buildAck(msg *Message, code string) []byte {
	version := msg.Version
	if version == "" {
		version = "2.3"
	}
	ts := time.Now().UTC().Format("20060102150405")
	msh := strings.Join([]string{
		"MSH", "^~\\&",
		msg.ReceivingApplication, msg.ReceivingFacility,
		msg.SendingApplication, msg.SendingFacility,
		ts, "", "ACK", msg.ControlID, "P", version,
	}, "|")
	msa := strings.Join([]string{"MSA", code, msg.ControlID}, "|")
	return []byte(msh + "\r" + msa + "\r")
}
