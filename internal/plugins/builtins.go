package plugins

import (
	"context"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/otcheredev/imaging-gateway/internal/models"
)

// Built-in plug-in identifiers referenced by AE configuration.
const (
	PluginDeidentify     = "readers/deidentify"
	PluginStudyAutofill  = "readers/studyautofill"
	PluginExportTagerLog = "writers/taglogger"
)

func init() {
	RegisterInput(PluginDeidentify, func() InputPlugin { return &deidentifyPlugin{} })
	RegisterInput(PluginStudyAutofill, func() InputPlugin { return &studyAutofillPlugin{} })
	RegisterOutput(PluginExportTagerLog, func() OutputPlugin { return &tagLoggerPlugin{} })
}

// deidentifyPlugin clears patient identifying attributes before the dataset
// leaves the ingress path.
type deidentifyPlugin struct{}

func (p *deidentifyPlugin) Name() string { return PluginDeidentify }

func (p *deidentifyPlugin) Execute(ctx context.Context, ds *dicom.Dataset, m *models.FileStorageMetadata) error {
	for _, t := range []tag.Tag{tag.PatientName, tag.PatientID, tag.PatientBirthDate} {
		if err := replaceString(ds, t, "REMOVED"); err != nil {
			return err
		}
	}
	return nil
}

// studyAutofillPlugin backfills a missing Study Instance UID so grouping by
// the default tag still works for non-conformant senders.
type studyAutofillPlugin struct{}

func (p *studyAutofillPlugin) Name() string { return PluginStudyAutofill }

func (p *studyAutofillPlugin) Execute(ctx context.Context, ds *dicom.Dataset, m *models.FileStorageMetadata) error {
	if _, err := ds.FindElementByTag(tag.StudyInstanceUID); err == nil {
		return nil
	}
	generated := NewDerivedUID()
	el, err := dicom.NewElement(tag.StudyInstanceUID, []string{generated})
	if err != nil {
		return fmt.Errorf("failed to build study uid element: %w", err)
	}
	ds.Elements = append(ds.Elements, el)
	m.StudyInstanceUID = generated
	log.Debug().Str("study_uid", generated).Str("identifier", m.ID).Msg("Backfilled missing study UID")
	return nil
}

// tagLoggerPlugin logs each outbound file; useful when diagnosing remote
// rejections without turning on payload capture.
type tagLoggerPlugin struct{}

func (p *tagLoggerPlugin) Name() string { return PluginExportTagerLog }

func (p *tagLoggerPlugin) Execute(ctx context.Context, msg *models.ExportRequestDataMessage) error {
	log.Info().
		Str("export_task_id", msg.Request.ExportTaskID).
		Str("file", msg.Name).
		Int("size_bytes", len(msg.Data)).
		Msg("Export file passing output chain")
	return nil
}

// replaceString swaps the value of a string element in place; absent tags are
// ignored.
func replaceString(ds *dicom.Dataset, t tag.Tag, value string) error {
	for i, el := range ds.Elements {
		if el != nil && el.Tag == t {
			repl, err := dicom.NewElement(t, []string{value})
			if err != nil {
				return fmt.Errorf("failed to build replacement element: %w", err)
			}
			ds.Elements[i] = repl
			return nil
		}
	}
	return nil
}

// NewDerivedUID generates a UID in the 2.25 UUID-derived arc.
func NewDerivedUID() string {
	id := uuid.New()
	n := new(big.Int).SetBytes(id[:])
	return "2.25." + n.String()
}
