package plugins

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"

	"github.com/otcheredev/imaging-gateway/internal/models"
)

type orderPlugin struct {
	name  string
	calls *[]string
	fail  bool
}

func (p *orderPlugin) Name() string { return p.name }

func (p *orderPlugin) Execute(ctx context.Context, ds *dicom.Dataset, m *models.FileStorageMetadata) error {
	*p.calls = append(*p.calls, p.name)
	if p.fail {
		return errors.New("boom")
	}
	return nil
}

func TestResolveInputChainAggregatesUnknownNames(t *testing.T) {
	_, err := ResolveInputChain([]string{"no-such-one", PluginDeidentify, "no-such-two"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-such-one")
	assert.Contains(t, err.Error(), "no-such-two")
}

func TestBuiltinsAreRegistered(t *testing.T) {
	chain, err := ResolveInputChain([]string{PluginDeidentify, PluginStudyAutofill})
	require.NoError(t, err)
	assert.Len(t, chain, 2)

	out, err := ResolveOutputChain([]string{PluginExportTagerLog})
	require.NoError(t, err)
	assert.Len(t, out, 1)

	assert.Contains(t, RegisteredInputNames(), PluginDeidentify)
}

func TestInputChainExecutesInOrder(t *testing.T) {
	var calls []string
	RegisterInput("test/first", func() InputPlugin { return &orderPlugin{name: "test/first", calls: &calls} })
	RegisterInput("test/second", func() InputPlugin { return &orderPlugin{name: "test/second", calls: &calls} })

	chain, err := ResolveInputChain([]string{"test/first", "test/second"})
	require.NoError(t, err)

	ds := &dicom.Dataset{}
	require.NoError(t, chain.Execute(context.Background(), ds, &models.FileStorageMetadata{}))
	assert.Equal(t, []string{"test/first", "test/second"}, calls)
}

func TestInputChainStopsOnFailure(t *testing.T) {
	var calls []string
	RegisterInput("test/failing", func() InputPlugin { return &orderPlugin{name: "test/failing", calls: &calls, fail: true} })
	RegisterInput("test/after", func() InputPlugin { return &orderPlugin{name: "test/after", calls: &calls} })

	chain, err := ResolveInputChain([]string{"test/failing", "test/after"})
	require.NoError(t, err)

	err = chain.Execute(context.Background(), &dicom.Dataset{}, &models.FileStorageMetadata{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "test/failing")
	assert.Equal(t, []string{"test/failing"}, calls)
}

func TestOutputChainSkipsFailedMessages(t *testing.T) {
	chain, err := ResolveOutputChain([]string{PluginExportTagerLog})
	require.NoError(t, err)

	msg := &models.ExportRequestDataMessage{
		Request: &models.ExportRequestEvent{ExportTaskID: "t"},
		Name:    "f1",
		Failed:  true,
		Status:  models.FileExportDownloadError,
	}
	require.NoError(t, chain.Execute(context.Background(), msg))
	assert.Equal(t, models.FileExportDownloadError, msg.Status)
}

func TestNewDerivedUID(t *testing.T) {
	uid := NewDerivedUID()
	assert.Contains(t, uid, "2.25.")
	assert.NotEqual(t, uid, NewDerivedUID())
	assert.LessOrEqual(t, len(uid), 64)
}
