package assembler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/otcheredev/imaging-gateway/internal/metrics"
	"github.com/otcheredev/imaging-gateway/internal/models"
	"github.com/otcheredev/imaging-gateway/internal/storage"
)

// scanInterval is the timer tick that looks for expired grouping windows.
const scanInterval = 500 * time.Millisecond

// uploadPollInterval is how often a closing bucket re-checks upload state.
const uploadPollInterval = 500 * time.Millisecond

// PayloadStore is the durable side of the assembler state machine.
type PayloadStore interface {
	Create(ctx context.Context, p *models.Payload) error
	Update(ctx context.Context, p *models.Payload) error
	Transition(ctx context.Context, p *models.Payload, next models.PayloadState) error
	GetUnpublished(ctx context.Context) ([]*models.Payload, error)
}

// MetadataStore reloads file-metadata rows so the assembler observes upload
// progress made by the upload workers.
type MetadataStore interface {
	Get(ctx context.Context, correlationID, identity string) (*models.FileStorageMetadata, error)
}

// bucket is the in-memory assembly state for one grouping key.
type bucket struct {
	payload  *models.Payload
	deadline time.Time
	inFlight bool
}

// Assembler coalesces file metadata sharing a grouping key into payloads
// bounded by a sliding inactivity window. Completed payloads (uploads done,
// state advanced to Notify) are emitted on the channel returned by Completed.
type Assembler struct {
	payloads PayloadStore
	meta     MetadataStore
	store    storage.ObjectStore

	payloadBucket string
	procThreads   int

	mu      sync.Mutex
	buckets map[string]*bucket

	completed chan *models.Payload
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates an assembler. procThreads bounds concurrent window closes.
func New(payloads PayloadStore, meta MetadataStore, store storage.ObjectStore, payloadBucket string, procThreads int) *Assembler {
	if procThreads < 1 {
		procThreads = 1
	}
	return &Assembler{
		payloads:      payloads,
		meta:          meta,
		store:         store,
		payloadBucket: payloadBucket,
		procThreads:   procThreads,
		buckets:       make(map[string]*bucket),
		completed:     make(chan *models.Payload, procThreads),
		done:          make(chan struct{}),
	}
}

// Completed is the channel of payloads ready to be announced.
func (a *Assembler) Completed() <-chan *models.Payload {
	return a.completed
}

// compositeKey scopes grouping keys by their source endpoint so two senders
// using the same study never share a payload.
func compositeKey(key, source string) string {
	return key + "\x1f" + source
}

// Queue adds one metadata record to the bucket for key, creating the bucket
// (and its durable payload row) on first sight. Idempotent per
// (key, m.ID): replays extend the window without duplicating files.
func (a *Assembler) Queue(ctx context.Context, key string, m *models.FileStorageMetadata, origin models.DataOrigin, timeout time.Duration) (uuid.UUID, error) {
	if key == "" {
		return uuid.Nil, fmt.Errorf("grouping key is required")
	}
	if timeout <= 0 {
		timeout = models.DefaultGroupingWindowSeconds * time.Second
	}
	ck := compositeKey(key, origin.Source)

	// The mutex covers the existence check and the durable insert, so one
	// payload row is written exactly once per bucket even under concurrent
	// ingestion of the same key.
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.buckets[ck]
	if !ok {
		hostname, _ := os.Hostname()
		payload := &models.Payload{
			PayloadID:     uuid.New(),
			Key:           key,
			CorrelationID: m.CorrelationID,
			State:         models.PayloadStateCreated,
			Timeout:       int(timeout / time.Second),
			MachineName:   hostname,
			DateCreated:   time.Now().UTC(),
		}
		// Durable row first; the in-memory bucket only exists once the
		// payload can be recovered after a crash.
		if err := a.payloads.Create(ctx, payload); err != nil {
			return uuid.Nil, fmt.Errorf("failed to create payload: %w", err)
		}
		b = &bucket{payload: payload}
		a.buckets[ck] = b
	}

	if b.payload.HasFile(m.ID) {
		// Replay after a crash or duplicate send; the window still slides.
		if d := time.Now().Add(timeout); d.After(b.deadline) {
			b.deadline = d
		}
		return b.payload.PayloadID, nil
	}

	pid := b.payload.PayloadID
	m.PayloadID = &pid
	b.payload.Files = append(b.payload.Files, m)
	if d := time.Now().Add(timeout); d.After(b.deadline) {
		b.deadline = d
	}

	if err := a.payloads.Update(ctx, b.payload); err != nil {
		return uuid.Nil, fmt.Errorf("failed to update payload: %w", err)
	}

	log.Debug().
		Str("payload_id", pid.String()).
		Str("key", key).
		Int("files", len(b.payload.Files)).
		Msg("Queued file into payload bucket")
	return pid, nil
}

// Start rehydrates unfinished payloads and launches the window timer.
func (a *Assembler) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	if err := a.restore(ctx); err != nil {
		return err
	}
	go a.scanLoop(ctx)
	return nil
}

// Stop halts the timer. In-flight window closes finish their current step.
func (a *Assembler) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// restore rebuilds buckets from payloads that never reached Published.
// Payloads already in Notify are re-emitted directly; publication is
// idempotent by payload id.
func (a *Assembler) restore(ctx context.Context) error {
	unpublished, err := a.payloads.GetUnpublished(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore payloads: %w", err)
	}
	for _, p := range unpublished {
		if p.State == models.PayloadStateNotify {
			select {
			case a.completed <- p:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		source := ""
		if len(p.Files) > 0 {
			source = p.Files[0].Source
		}
		timeout := time.Duration(p.Timeout) * time.Second
		if timeout <= 0 {
			timeout = models.DefaultGroupingWindowSeconds * time.Second
		}
		a.mu.Lock()
		a.buckets[compositeKey(p.Key, source)] = &bucket{
			payload:  p,
			deadline: time.Now().Add(timeout),
		}
		a.mu.Unlock()
		log.Info().
			Str("payload_id", p.PayloadID.String()).
			Str("state", string(p.State)).
			Int("files", len(p.Files)).
			Msg("Restored payload bucket")
	}
	return nil
}

// scanLoop fires the window timer and closes expired buckets with bounded
// parallelism.
func (a *Assembler) scanLoop(ctx context.Context) {
	defer close(a.done)
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.procThreads)

	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return
		case <-ticker.C:
		}

		for _, expired := range a.claimExpired() {
			b := expired
			g.Go(func() error {
				a.closeBucket(gctx, b)
				return nil
			})
		}
	}
}

// claimExpired collects due buckets and marks them in flight so the next
// tick cannot pick them up again.
func (a *Assembler) claimExpired() []*bucket {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()

	var due []*bucket
	for _, b := range a.buckets {
		if !b.inFlight && len(b.payload.Files) > 0 && !b.deadline.After(now) {
			b.inFlight = true
			due = append(due, b)
		}
	}
	return due
}

// closeBucket drives one payload through Move, waits for uploads, then
// advances to Notify and emits it.
func (a *Assembler) closeBucket(ctx context.Context, b *bucket) {
	p := b.payload
	logger := log.With().Str("payload_id", p.PayloadID.String()).Logger()

	if p.State == models.PayloadStateCreated {
		if err := a.payloads.Transition(ctx, p, models.PayloadStateMove); err != nil {
			logger.Error().Err(err).Msg("Failed to advance payload to Move")
			a.release(b)
			return
		}
	}

	ok, err := a.waitForUploads(ctx, p)
	if err != nil {
		logger.Error().Err(err).Msg("Aborted waiting for uploads")
		a.release(b)
		return
	}
	if !ok {
		a.fail(ctx, b, "one or more uploads failed terminally")
		return
	}

	if err := a.moveObjects(ctx, p); err != nil {
		logger.Error().Err(err).Msg("Failed to move payload objects")
		a.release(b)
		return
	}

	if err := a.payloads.Transition(ctx, p, models.PayloadStateNotify); err != nil {
		logger.Error().Err(err).Msg("Failed to advance payload to Notify")
		a.release(b)
		return
	}

	a.remove(b)
	select {
	case a.completed <- p:
		logger.Info().Int("files", len(p.Files)).Msg("Payload ready for notification")
	case <-ctx.Done():
	}
}

// waitForUploads polls the durable metadata rows until every file is in the
// object store. Returns false when any upload failed terminally.
func (a *Assembler) waitForUploads(ctx context.Context, p *models.Payload) (bool, error) {
	ticker := time.NewTicker(uploadPollInterval)
	defer ticker.Stop()

	for {
		allUploaded := true
		for i, f := range p.Files {
			if f.IsUploaded() {
				continue
			}
			current, err := a.meta.Get(ctx, f.CorrelationID, f.ID)
			if err != nil {
				allUploaded = false
				continue
			}
			if current.IsFailed() {
				return false, nil
			}
			if current.IsUploaded() {
				current.PayloadID = f.PayloadID
				p.Files[i] = current
				continue
			}
			allUploaded = false
		}
		if allUploaded {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// moveObjects relocates every uploaded object from its temporary key to the
// payload prefix in the payload bucket. Idempotent: already-moved files are
// skipped, so a crash between Move and Notify replays safely.
func (a *Assembler) moveObjects(ctx context.Context, p *models.Payload) error {
	prefix := p.PayloadID.String()
	for _, f := range p.Files {
		targets := []*models.FileInfo{&f.File}
		suffixes := []string{f.RelativePath()}
		if f.JSONFile != nil {
			targets = append(targets, f.JSONFile)
			suffixes = append(suffixes, f.RelativePath()+".json")
		}
		for i, info := range targets {
			dstKey := prefix + "/" + suffixes[i]
			if info.RemoteBucket == a.payloadBucket && info.RemotePath == dstKey {
				continue
			}
			if err := a.store.Copy(ctx, info.RemoteBucket, info.RemotePath, a.payloadBucket, dstKey); err != nil {
				return err
			}
			if err := a.store.Delete(ctx, info.RemoteBucket, info.RemotePath); err != nil {
				log.Warn().Err(err).Str("key", info.RemotePath).Msg("Failed to delete temporary object")
			}
			info.RemoteBucket = a.payloadBucket
			info.RemotePath = dstKey
		}
	}
	return a.payloads.Update(ctx, p)
}

// fail moves the payload to its terminal Failed state and drops the bucket.
func (a *Assembler) fail(ctx context.Context, b *bucket, reason string) {
	p := b.payload
	p.State = models.PayloadStateFailed
	if err := a.payloads.Update(ctx, p); err != nil {
		log.Error().Err(err).Str("payload_id", p.PayloadID.String()).Msg("Failed to persist Failed payload state")
	}
	metrics.PayloadsFailed.Inc()
	log.Error().
		Str("payload_id", p.PayloadID.String()).
		Str("reason", reason).
		Msg("Payload failed")
	a.remove(b)
}

func (a *Assembler) release(b *bucket) {
	a.mu.Lock()
	b.inFlight = false
	a.mu.Unlock()
}

func (a *Assembler) remove(b *bucket) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, v := range a.buckets {
		if v == b {
			delete(a.buckets, k)
			return
		}
	}
}

