package export

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcheredev/imaging-gateway/internal/models"
	"github.com/otcheredev/imaging-gateway/internal/storage"
)

type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) Upload(ctx context.Context, bucket, key string, body io.Reader, contentType string, metadata map[string]string) error {
	return nil
}

func (f *fakeObjectStore) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if data, ok := f.objects[bucket+"/"+key]; ok {
		return data, nil
	}
	return nil, errors.New("no such object")
}

func (f *fakeObjectStore) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	return nil
}

func (f *fakeObjectStore) Delete(ctx context.Context, bucket, key string) error {
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*models.ExportCompleteEvent
}

func (f *fakePublisher) Publish(ctx context.Context, topic, key string, event any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := event.(*models.ExportCompleteEvent); ok {
		f.events = append(f.events, e)
	}
	return nil
}

func (f *fakePublisher) Close() error { return nil }

type fakeSender struct {
	mu    sync.Mutex
	seen  []string
	fail  bool
	delay time.Duration
}

func (f *fakeSender) Name() string { return "fake-export" }

func (f *fakeSender) SendRemote(ctx context.Context, msg *models.ExportRequestDataMessage) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.seen = append(f.seen, msg.Name)
	f.mu.Unlock()
	if f.fail {
		msg.SetFailed(models.FileExportServiceError, "remote down")
		return
	}
	msg.SetSucceeded()
}

type alwaysSpace struct{}

func (alwaysSpace) HasSpaceToStore() bool           { return true }
func (alwaysSpace) HasSpaceToExport() bool          { return true }
func (alwaysSpace) AvailableBytes() (uint64, error) { return 1 << 40, nil }

type noSpace struct{ alwaysSpace }

func (noSpace) HasSpaceToExport() bool { return false }

func newTestService(store *fakeObjectStore, pub *fakePublisher, sender Sender, info storage.InfoProvider) *Service {
	return NewService(nil, pub, "md.export.complete", store, "payloads", info, sender, 2, []time.Duration{time.Millisecond}, nil)
}

func requestJSON(t *testing.T, req *models.ExportRequestEvent) []byte {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return data
}

func TestExportHappyPath(t *testing.T) {
	store := newFakeObjectStore()
	store.objects["payloads/f1"] = []byte{0x01}
	pub := &fakePublisher{}
	sender := &fakeSender{}
	svc := newTestService(store, pub, sender, alwaysSpace{})

	req := &models.ExportRequestEvent{ExportTaskID: "task-1", Files: []string{"f1"}, Destinations: []string{"d1"}}
	require.NoError(t, svc.handleMessage(context.Background(), nil, requestJSON(t, req)))

	require.Len(t, pub.events, 1)
	event := pub.events[0]
	assert.Equal(t, models.ExportStatusSuccess, event.Status)
	assert.Equal(t, models.FileExportSuccess, event.FileStatuses["f1"])
	assert.Equal(t, []string{"f1"}, sender.seen)
}

func TestExportDownloadErrorSkipsSend(t *testing.T) {
	store := newFakeObjectStore() // empty: download fails
	pub := &fakePublisher{}
	sender := &fakeSender{}
	svc := newTestService(store, pub, sender, alwaysSpace{})

	req := &models.ExportRequestEvent{ExportTaskID: "task-2", Files: []string{"missing"}}
	require.NoError(t, svc.handleMessage(context.Background(), nil, requestJSON(t, req)))

	require.Len(t, pub.events, 1)
	event := pub.events[0]
	assert.Equal(t, models.ExportStatusFailure, event.Status)
	assert.Equal(t, models.FileExportDownloadError, event.FileStatuses["missing"])
	// Failed downloads never reach the remote stage.
	assert.Empty(t, sender.seen)
}

func TestExportPartialFailure(t *testing.T) {
	store := newFakeObjectStore()
	store.objects["payloads/ok"] = []byte{0x01}
	pub := &fakePublisher{}
	sender := &fakeSender{}
	svc := newTestService(store, pub, sender, alwaysSpace{})

	req := &models.ExportRequestEvent{ExportTaskID: "task-3", Files: []string{"ok", "missing"}}
	require.NoError(t, svc.handleMessage(context.Background(), nil, requestJSON(t, req)))

	require.Len(t, pub.events, 1)
	event := pub.events[0]
	assert.Equal(t, models.ExportStatusFailure, event.Status)
	assert.Equal(t, models.FileExportSuccess, event.FileStatuses["ok"])
	assert.Equal(t, models.FileExportDownloadError, event.FileStatuses["missing"])
}

func TestExportRejectsUnderDiskPressure(t *testing.T) {
	pub := &fakePublisher{}
	svc := newTestService(newFakeObjectStore(), pub, &fakeSender{}, noSpace{})

	req := &models.ExportRequestEvent{ExportTaskID: "task-4", Files: []string{"f1"}}
	err := svc.handleMessage(context.Background(), nil, requestJSON(t, req))
	// The message must go back to the broker.
	assert.Error(t, err)
	assert.Empty(t, pub.events)
}

func TestExportDropsMalformedMessage(t *testing.T) {
	pub := &fakePublisher{}
	svc := newTestService(newFakeObjectStore(), pub, &fakeSender{}, alwaysSpace{})

	assert.NoError(t, svc.handleMessage(context.Background(), nil, []byte("not json")))
	assert.Empty(t, pub.events)
}

func TestExportDeduplicatesInFlightTasks(t *testing.T) {
	store := newFakeObjectStore()
	store.objects["payloads/f1"] = []byte{0x01}
	pub := &fakePublisher{}
	sender := &fakeSender{delay: 300 * time.Millisecond}
	svc := newTestService(store, pub, sender, alwaysSpace{})

	req := requestJSON(t, &models.ExportRequestEvent{ExportTaskID: "dup", Files: []string{"f1"}})

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			_ = svc.handleMessage(context.Background(), nil, req)
		}()
	}
	wg.Wait()

	// The duplicate was dropped; only one completion is published.
	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Len(t, pub.events, 1)
}
