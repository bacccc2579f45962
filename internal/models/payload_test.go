package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPayloadStateTransitions(t *testing.T) {
	assert.True(t, PayloadStateCreated.CanTransitionTo(PayloadStateMove))
	assert.True(t, PayloadStateMove.CanTransitionTo(PayloadStateNotify))
	assert.True(t, PayloadStateNotify.CanTransitionTo(PayloadStatePublished))

	// States only advance.
	assert.False(t, PayloadStateMove.CanTransitionTo(PayloadStateCreated))
	assert.False(t, PayloadStateCreated.CanTransitionTo(PayloadStateNotify))
	assert.False(t, PayloadStatePublished.CanTransitionTo(PayloadStateMove))

	// Failure is reachable from every non-published state.
	assert.True(t, PayloadStateCreated.CanTransitionTo(PayloadStateFailed))
	assert.True(t, PayloadStateNotify.CanTransitionTo(PayloadStateFailed))
	assert.False(t, PayloadStatePublished.CanTransitionTo(PayloadStateFailed))
}

func TestPayloadHasFile(t *testing.T) {
	p := &Payload{Files: []*FileStorageMetadata{{ID: "1.2.3"}}}
	assert.True(t, p.HasFile("1.2.3"))
	assert.False(t, p.HasFile("9.9.9"))
}

func TestExportCompleteAggregation(t *testing.T) {
	req := &ExportRequestEvent{ExportTaskID: "t1", Files: []string{"a", "b"}}

	ok := NewExportCompleteEvent(req, map[string]FileExportStatus{
		"a": FileExportSuccess,
		"b": FileExportSuccess,
	}, nil)
	assert.Equal(t, ExportStatusSuccess, ok.Status)

	partial := NewExportCompleteEvent(req, map[string]FileExportStatus{
		"a": FileExportSuccess,
		"b": FileExportServiceError,
	}, nil)
	assert.Equal(t, ExportStatusFailure, partial.Status)

	empty := NewExportCompleteEvent(req, map[string]FileExportStatus{}, nil)
	assert.Equal(t, ExportStatusFailure, empty.Status)
}
