package export

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/otcheredev/imaging-gateway/internal/broker"
	"github.com/otcheredev/imaging-gateway/internal/metrics"
	"github.com/otcheredev/imaging-gateway/internal/models"
	"github.com/otcheredev/imaging-gateway/internal/plugins"
	"github.com/otcheredev/imaging-gateway/internal/repository"
	"github.com/otcheredev/imaging-gateway/internal/storage"
)

// Sender ships one downloaded, transformed file to its remote destination
// and sets the per-file status on the message.
type Sender interface {
	Name() string
	SendRemote(ctx context.Context, msg *models.ExportRequestDataMessage)
}

// Service is the base export pipeline: it subscribes to the export-request
// topic and drives each task through download, plug-in transform and remote
// send stages, aggregating per-file statuses into an ExportComplete event.
type Service struct {
	subscriber  broker.Subscriber
	publisher   broker.Publisher
	topic       string
	store       storage.ObjectStore
	bucket      string
	info        storage.InfoProvider
	sender      Sender
	concurrency int
	retryDelays []time.Duration
	outputChain plugins.OutputChain

	// inFlight deduplicates export task ids under a process-wide lock.
	mu       sync.Mutex
	inFlight map[string]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService wires the base pipeline around a protocol-specific sender.
func NewService(subscriber broker.Subscriber, publisher broker.Publisher, completeTopic string, store storage.ObjectStore, bucket string, info storage.InfoProvider, sender Sender, concurrency int, retryDelays []time.Duration, outputChain plugins.OutputChain) *Service {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Service{
		subscriber:  subscriber,
		publisher:   publisher,
		topic:       completeTopic,
		store:       store,
		bucket:      bucket,
		info:        info,
		sender:      sender,
		concurrency: concurrency,
		retryDelays: retryDelays,
		outputChain: outputChain,
		inFlight:    make(map[string]struct{}),
		done:        make(chan struct{}),
	}
}

// Start begins consuming export requests.
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	go func() {
		defer close(s.done)
		if err := s.subscriber.Consume(ctx, s.handleMessage); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("exporter", s.sender.Name()).Msg("Export subscription ended")
		}
	}()
	log.Info().Str("exporter", s.sender.Name()).Int("concurrency", s.concurrency).Msg("Export service started")
	return nil
}

// Stop cancels the pipeline; in-flight tasks finish their current stage and
// persist terminal state before the grace period ends.
func (s *Service) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleMessage is the admission gate. Returning an error leaves the message
// uncommitted so the broker redelivers it.
func (s *Service) handleMessage(ctx context.Context, key, value []byte) error {
	var req models.ExportRequestEvent
	if err := json.Unmarshal(value, &req); err != nil {
		// Poison message; surface and drop.
		log.Error().Err(err).Str("exporter", s.sender.Name()).Msg("Dropping malformed export request")
		return nil
	}

	if !s.info.HasSpaceToExport() {
		return fmt.Errorf("insufficient storage for export %s", req.ExportTaskID)
	}

	s.mu.Lock()
	if _, dup := s.inFlight[req.ExportTaskID]; dup {
		s.mu.Unlock()
		log.Warn().Str("export_task_id", req.ExportTaskID).Msg("Export task already in flight, dropping duplicate")
		return nil
	}
	s.inFlight[req.ExportTaskID] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inFlight, req.ExportTaskID)
		s.mu.Unlock()
	}()

	statuses := s.runTask(ctx, &req)
	event := models.NewExportCompleteEvent(&req, statuses, nil)
	if err := repository.WithRetry(ctx, "export.publish_complete", s.retryDelays, func() error {
		return s.publisher.Publish(ctx, s.topic, req.ExportTaskID, event)
	}); err != nil {
		return fmt.Errorf("failed to publish export complete: %w", err)
	}

	metrics.ExportsCompleted.WithLabelValues(string(event.Status)).Inc()
	log.Info().
		Str("export_task_id", req.ExportTaskID).
		Str("status", string(event.Status)).
		Int("files", len(req.Files)).
		Msg("Export task finished")
	return nil
}

// runTask drives the three-stage dataflow for one request. Stages are
// connected by bounded channels; a failed file skips later stages but still
// reaches the aggregator.
func (s *Service) runTask(ctx context.Context, req *models.ExportRequestEvent) map[string]models.FileExportStatus {
	downloadIn := make(chan *models.ExportRequestDataMessage, s.concurrency)
	transformIn := make(chan *models.ExportRequestDataMessage, s.concurrency)
	sendIn := make(chan *models.ExportRequestDataMessage, s.concurrency)
	results := make(chan *models.ExportRequestDataMessage, len(req.Files))

	g, gctx := errgroup.WithContext(ctx)

	// Stage 1: download from the object store with retry.
	g.Go(func() error {
		defer close(transformIn)
		dg, dctx := errgroup.WithContext(gctx)
		dg.SetLimit(s.concurrency)
		for msg := range downloadIn {
			m := msg
			dg.Go(func() error {
				s.download(dctx, m)
				transformIn <- m
				return nil
			})
		}
		return dg.Wait()
	})

	// Stage 2: output plug-in chain; failed files pass through.
	g.Go(func() error {
		defer close(sendIn)
		for msg := range transformIn {
			if err := s.outputChain.Execute(gctx, msg); err != nil {
				msg.SetFailed(models.FileExportServiceError, err.Error())
				log.Error().Err(err).Str("file", msg.Name).Msg("Output plug-in chain failed")
			}
			sendIn <- msg
		}
		return nil
	})

	// Stage 3: remote send, component specific.
	g.Go(func() error {
		sg, sctx := errgroup.WithContext(gctx)
		sg.SetLimit(s.concurrency)
		for msg := range sendIn {
			m := msg
			sg.Go(func() error {
				if !m.Failed {
					s.sender.SendRemote(sctx, m)
				}
				results <- m
				return nil
			})
		}
		return sg.Wait()
	})

	for _, name := range req.Files {
		downloadIn <- &models.ExportRequestDataMessage{Request: req, Name: name}
	}
	close(downloadIn)

	// Aggregator: the task completes when every file has a status.
	statuses := make(map[string]models.FileExportStatus, len(req.Files))
	for range req.Files {
		msg := <-results
		statuses[msg.Name] = msg.Status
	}
	_ = g.Wait()
	return statuses
}

// download streams one object into memory, failing the file with
// DownloadError when retries are exhausted.
func (s *Service) download(ctx context.Context, msg *models.ExportRequestDataMessage) {
	err := repository.WithRetry(ctx, "export.download", s.retryDelays, func() error {
		data, err := s.store.Download(ctx, s.bucket, msg.Name)
		if err != nil {
			return err
		}
		msg.Data = data
		return nil
	})
	if err != nil {
		msg.SetFailed(models.FileExportDownloadError, err.Error())
		log.Error().Err(err).Str("file", msg.Name).Msg("Failed to download export file")
	}
}
