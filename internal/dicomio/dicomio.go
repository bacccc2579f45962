package dicomio

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// UID constants used across the gateway.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	VerificationSOPClass   = "1.2.840.10008.1.1"
)

// Identity is the three-level DICOM hierarchy of one object plus its type.
type Identity struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SopInstanceUID    string
	SopClassUID       string
}

// ParseDataset decodes a complete Part-10 object from data.
func ParseDataset(data []byte) (dicom.Dataset, error) {
	return dicom.Parse(bytes.NewReader(data), int64(len(data)), nil)
}

// StringValue returns the first string value of a tag, or "" when absent.
func StringValue(ds *dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil {
		return ""
	}
	if vals, ok := el.Value.GetValue().([]string); ok && len(vals) > 0 {
		return strings.TrimRight(vals[0], "\x00 ")
	}
	return ""
}

// ExtractIdentity pulls the UID hierarchy out of a dataset.
func ExtractIdentity(ds *dicom.Dataset) Identity {
	return Identity{
		StudyInstanceUID:  StringValue(ds, tag.StudyInstanceUID),
		SeriesInstanceUID: StringValue(ds, tag.SeriesInstanceUID),
		SopInstanceUID:    StringValue(ds, tag.SOPInstanceUID),
		SopClassUID:       StringValue(ds, tag.SOPClassUID),
	}
}

// ParseGroupingTag converts the configured "gggg,eeee" string to a tag.
func ParseGroupingTag(s string) (tag.Tag, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return tag.Tag{}, fmt.Errorf("grouping %q is not gggg,eeee", s)
	}
	var group, element uint16
	if _, err := fmt.Sscanf(strings.ToUpper(parts[0]), "%04X", &group); err != nil {
		return tag.Tag{}, fmt.Errorf("grouping %q has invalid group: %w", s, err)
	}
	if _, err := fmt.Sscanf(strings.ToUpper(parts[1]), "%04X", &element); err != nil {
		return tag.Tag{}, fmt.Errorf("grouping %q has invalid element: %w", s, err)
	}
	return tag.Tag{Group: group, Element: element}, nil
}

// SidecarJSON renders the dataset as a flat tag-keyed JSON document for the
// sidecar upload. Bulk pixel data is omitted.
func SidecarJSON(ds *dicom.Dataset) ([]byte, error) {
	out := make(map[string]any, len(ds.Elements))
	for _, el := range ds.Elements {
		if el == nil {
			continue
		}
		t := el.Tag
		if t == tag.PixelData {
			continue
		}
		key := fmt.Sprintf("%04X%04X", t.Group, t.Element)
		out[key] = map[string]any{
			"vr":    el.RawValueRepresentation,
			"Value": el.Value.GetValue(),
		}
	}
	return json.Marshal(out)
}
