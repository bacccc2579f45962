package storage

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcheredev/imaging-gateway/internal/models"
)

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (f *fakeStore) Upload(ctx context.Context, bucket, key string, body io.Reader, contentType string, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("store unavailable")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.objects[bucket+"/"+key] = data
	return nil
}

func (f *fakeStore) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if data, ok := f.objects[bucket+"/"+key]; ok {
		return data, nil
	}
	return nil, errors.New("no such object")
}

func (f *fakeStore) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[dstBucket+"/"+dstKey] = f.objects[srcBucket+"/"+srcKey]
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, bucket+"/"+key)
	return nil
}

type fakeSaver struct {
	mu    sync.Mutex
	saved []*models.FileStorageMetadata
}

func (f *fakeSaver) Save(ctx context.Context, m *models.FileStorageMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *m
	f.saved = append(f.saved, &copied)
	return nil
}

func (f *fakeSaver) last() *models.FileStorageMetadata {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.saved) == 0 {
		return nil
	}
	return f.saved[len(f.saved)-1]
}

func memoryMetadata(id string, data []byte) *models.FileStorageMetadata {
	return &models.FileStorageMetadata{
		ID:                id,
		CorrelationID:     "corr-1",
		Source:            "SCANNER",
		DataService:       models.DataServiceDimse,
		StudyInstanceUID:  "1.2",
		SeriesInstanceUID: "1.2.1",
		SopInstanceUID:    id,
		File: models.FileInfo{
			ContentType: "application/dicom",
			Data:        data,
		},
	}
}

func TestUploadWorkerSuccess(t *testing.T) {
	queue := NewUploadQueue(2)
	store := newFakeStore()
	saver := &fakeSaver{}
	worker := NewUploadWorker(queue, store, saver, "temp", 2, []time.Duration{time.Millisecond})

	require.NoError(t, worker.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = worker.Stop(ctx)
	}()

	m := memoryMetadata("1.2.3", []byte{0xAB})
	require.NoError(t, queue.Enqueue(context.Background(), m))

	assert.Eventually(t, func() bool {
		last := saver.last()
		return last != nil && last.IsUploaded()
	}, 5*time.Second, 20*time.Millisecond)

	last := saver.last()
	assert.Equal(t, "temp", last.File.RemoteBucket)
	assert.Equal(t, "corr-1/1.2/1.2.1/1.2.3.dcm", last.File.RemotePath)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, []byte{0xAB}, store.objects["temp/corr-1/1.2/1.2.1/1.2.3.dcm"])
}

func TestUploadWorkerSidecarFirst(t *testing.T) {
	queue := NewUploadQueue(1)
	store := newFakeStore()
	saver := &fakeSaver{}
	worker := NewUploadWorker(queue, store, saver, "temp", 1, []time.Duration{time.Millisecond})

	require.NoError(t, worker.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = worker.Stop(ctx)
	}()

	m := memoryMetadata("1.2.3", []byte{0x01})
	m.JSONFile = &models.FileInfo{ContentType: "application/json", Data: []byte(`{}`)}
	require.NoError(t, queue.Enqueue(context.Background(), m))

	assert.Eventually(t, func() bool {
		last := saver.last()
		return last != nil && last.IsUploaded()
	}, 5*time.Second, 20*time.Millisecond)

	last := saver.last()
	require.NotNil(t, last.JSONFile)
	assert.True(t, last.JSONFile.Uploaded)
	assert.Equal(t, "corr-1/1.2/1.2.1/1.2.3.dcm.json", last.JSONFile.RemotePath)
}

func TestUploadWorkerFailureMarksRecord(t *testing.T) {
	queue := NewUploadQueue(1)
	store := newFakeStore()
	store.fail = true
	saver := &fakeSaver{}
	worker := NewUploadWorker(queue, store, saver, "temp", 1, []time.Duration{time.Millisecond, time.Millisecond})

	require.NoError(t, worker.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = worker.Stop(ctx)
	}()

	require.NoError(t, queue.Enqueue(context.Background(), memoryMetadata("1.2.3", []byte{0x01})))

	assert.Eventually(t, func() bool {
		last := saver.last()
		return last != nil && last.IsFailed()
	}, 5*time.Second, 20*time.Millisecond)
}

func TestUploadQueueBlocksAndCancels(t *testing.T) {
	queue := NewUploadQueue(1)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := queue.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUploadQueueBackPressure(t *testing.T) {
	queue := NewUploadQueue(1)
	require.NoError(t, queue.Enqueue(context.Background(), memoryMetadata("1", nil)))

	// The queue is full; a second enqueue blocks until cancellation.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := queue.Enqueue(ctx, memoryMetadata("2", nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
