package assembler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcheredev/imaging-gateway/internal/models"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []*models.WorkflowRequestEvent
	keys   []string
	fail   int
}

func (f *fakePublisher) Publish(ctx context.Context, topic, key string, event any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("broker unavailable")
	}
	if e, ok := event.(*models.WorkflowRequestEvent); ok {
		f.events = append(f.events, e)
		f.keys = append(f.keys, key)
	}
	return nil
}

type fakeRemover struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeRemover) Delete(ctx context.Context, m *models.FileStorageMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, m.ID)
	return nil
}

func notifyPayload() *models.Payload {
	f1 := uploadedMetadata("corr-1", "1.2.3.4")
	f1.File.RemoteBucket = "payloads"
	f1.File.RemotePath = "pid/1.2.3/1.2.3.1/1.2.3.4.dcm"
	f1.Workflows = []string{"liver-seg"}
	return &models.Payload{
		PayloadID:     uuid.New(),
		Key:           "1.2.3",
		CorrelationID: "corr-1",
		State:         models.PayloadStateNotify,
		Files:         []*models.FileStorageMetadata{f1},
	}
}

func runNotifier(t *testing.T, payloads *fakePayloadStore, pub *fakePublisher, remover *fakeRemover, p *models.Payload) {
	t.Helper()
	a := New(payloads, newFakeMetadataStore(), newFakeObjectStore(), "payloads", 1)
	n := NewNotifier(a, payloads, remover, pub, "md.workflow.request", "payloads", 1, []time.Duration{time.Millisecond})

	require.NoError(t, n.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = n.Stop(ctx)
	}()

	a.completed <- p

	assert.Eventually(t, func() bool {
		return payloads.state(p.PayloadID) == models.PayloadStatePublished ||
			payloads.state(p.PayloadID) == models.PayloadStateFailed
	}, 5*time.Second, 50*time.Millisecond)
}

func TestNotifierPublishesWorkflowRequest(t *testing.T) {
	payloads := newFakePayloadStore()
	pub := &fakePublisher{}
	remover := &fakeRemover{}
	p := notifyPayload()
	payloads.payloads[p.PayloadID] = p

	runNotifier(t, payloads, pub, remover, p)

	assert.Equal(t, models.PayloadStatePublished, payloads.state(p.PayloadID))
	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.events, 1)
	event := pub.events[0]
	assert.Equal(t, p.PayloadID, event.PayloadID)
	assert.Equal(t, "payloads", event.Bucket)
	assert.Equal(t, 1, event.FileCount)
	assert.Equal(t, []string{"liver-seg"}, event.Workflows)
	require.Len(t, event.Files, 1)
	assert.Equal(t, "pid/1.2.3/1.2.3.1/1.2.3.4.dcm", event.Files[0].Path)
	// Published payloads release their metadata rows.
	remover.mu.Lock()
	defer remover.mu.Unlock()
	assert.Equal(t, []string{"1.2.3.4"}, remover.deleted)
}

func TestNotifierRetriesThenPublishes(t *testing.T) {
	payloads := newFakePayloadStore()
	pub := &fakePublisher{fail: 2}
	p := notifyPayload()
	payloads.payloads[p.PayloadID] = p

	runNotifier(t, payloads, pub, &fakeRemover{}, p)

	assert.Equal(t, models.PayloadStatePublished, payloads.state(p.PayloadID))
	assert.Equal(t, 2, p.RetryCount)
}

func TestNotifierGivesUpAfterRetryBudget(t *testing.T) {
	payloads := newFakePayloadStore()
	pub := &fakePublisher{fail: 100}
	p := notifyPayload()
	payloads.payloads[p.PayloadID] = p

	runNotifier(t, payloads, pub, &fakeRemover{}, p)

	assert.Equal(t, models.PayloadStateFailed, payloads.state(p.PayloadID))
	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Empty(t, pub.events)
}
