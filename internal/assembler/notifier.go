package assembler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/otcheredev/imaging-gateway/internal/metrics"
	"github.com/otcheredev/imaging-gateway/internal/models"
)

// maxPublishRetries bounds re-publication attempts per payload.
const maxPublishRetries = 3

// Publisher is the bus surface the notifier needs.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, event any) error
}

// MetadataRemover deletes metadata rows once a payload is acknowledged.
type MetadataRemover interface {
	Delete(ctx context.Context, m *models.FileStorageMetadata) error
}

// Notifier consumes completed payloads from the assembler and announces them
// as workflow requests. A payload id is published at most once per transition
// to Published.
type Notifier struct {
	assembler   *Assembler
	payloads    PayloadStore
	meta        MetadataRemover
	publisher   Publisher
	topic       string
	bucket      string
	workers     int
	retryDelays []time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewNotifier creates a notifier draining the assembler's completed channel.
func NewNotifier(a *Assembler, payloads PayloadStore, meta MetadataRemover, publisher Publisher, topic, bucket string, workers int, retryDelays []time.Duration) *Notifier {
	if workers < 1 {
		workers = 1
	}
	return &Notifier{
		assembler:   a,
		payloads:    payloads,
		meta:        meta,
		publisher:   publisher,
		topic:       topic,
		bucket:      bucket,
		workers:     workers,
		retryDelays: retryDelays,
	}
}

// Start launches the notification workers.
func (n *Notifier) Start(ctx context.Context) error {
	ctx, n.cancel = context.WithCancel(ctx)
	for i := 0; i < n.workers; i++ {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.run(ctx)
		}()
	}
	return nil
}

// Stop cancels the workers and waits for in-flight notifications.
func (n *Notifier) Stop(ctx context.Context) error {
	if n.cancel != nil {
		n.cancel()
	}
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-n.assembler.Completed():
			n.notify(ctx, p)
		}
	}
}

// notify publishes the workflow request, retrying with the configured
// backoff. The payload retry counter survives restarts; exhausting it moves
// the payload to the terminal Failed state.
func (n *Notifier) notify(ctx context.Context, p *models.Payload) {
	logger := log.With().Str("payload_id", p.PayloadID.String()).Logger()
	event := n.buildEvent(p)

	for {
		err := n.publisher.Publish(ctx, n.topic, p.PayloadID.String(), event)
		if err == nil {
			break
		}
		p.RetryCount++
		if updateErr := n.payloads.Update(ctx, p); updateErr != nil {
			logger.Error().Err(updateErr).Msg("Failed to persist payload retry count")
		}
		if p.RetryCount > maxPublishRetries {
			p.State = models.PayloadStateFailed
			if updateErr := n.payloads.Update(ctx, p); updateErr != nil {
				logger.Error().Err(updateErr).Msg("Failed to persist Failed payload state")
			}
			metrics.PayloadsFailed.Inc()
			logger.Error().Err(err).Int("retries", p.RetryCount).Msg("Giving up publishing workflow request")
			return
		}

		delay := n.retryDelays[min(p.RetryCount-1, len(n.retryDelays)-1)]
		logger.Warn().Err(err).
			Int("attempt", p.RetryCount).
			Dur("delay", delay).
			Msg("Workflow request publish failed, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}

	if err := n.payloads.Transition(ctx, p, models.PayloadStatePublished); err != nil {
		logger.Error().Err(err).Msg("Failed to mark payload Published")
		return
	}
	metrics.PayloadsPublished.Inc()
	logger.Info().Int("files", len(p.Files)).Msg("Workflow request published")

	// The durable metadata rows are only needed until the payload is
	// announced; downstream owns the object-store copies now.
	for _, f := range p.Files {
		if err := n.meta.Delete(ctx, f); err != nil {
			logger.Warn().Err(err).Str("identifier", f.ID).Msg("Failed to delete metadata row")
		}
	}
}

// buildEvent assembles the workflow request from the payload contents.
func (n *Notifier) buildEvent(p *models.Payload) *models.WorkflowRequestEvent {
	var origins []models.DataOrigin
	var workflows []string
	files := make([]models.BlockReference, 0, len(p.Files))
	for _, f := range p.Files {
		origins = appendOrigin(origins, models.DataOrigin{
			DataService: f.DataService,
			Source:      f.Source,
			Destination: f.Destination,
		})
		workflows = appendUnique(workflows, f.Workflows)
		files = append(files, models.BlockReference{Path: f.File.RemotePath, Metadata: f})
	}

	trigger := models.DataOrigin{}
	if len(origins) > 0 {
		trigger = origins[0]
	}

	return &models.WorkflowRequestEvent{
		PayloadID:          p.PayloadID,
		Bucket:             n.bucket,
		CorrelationID:      p.CorrelationID,
		WorkflowInstanceID: p.WorkflowInstanceID,
		Workflows:          workflows,
		DataTrigger:        trigger,
		DataOrigins:        origins,
		Files:              files,
		FileCount:          len(files),
		Timestamp:          time.Now().UTC(),
	}
}

func appendOrigin(origins []models.DataOrigin, o models.DataOrigin) []models.DataOrigin {
	for _, existing := range origins {
		if existing == o {
			return origins
		}
	}
	return append(origins, o)
}

func appendUnique(dst []string, src []string) []string {
	for _, s := range src {
		found := false
		for _, existing := range dst {
			if existing == s {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, s)
		}
	}
	return dst
}
