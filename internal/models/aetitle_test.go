package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAeTitle(t *testing.T) {
	tests := []struct {
		name    string
		aeTitle string
		wantErr bool
	}{
		{"simple", "PACS1", false},
		{"with punctuation", "my-scp_1.2", false},
		{"sixteen chars", strings.Repeat("A", 16), false},
		{"seventeen chars", strings.Repeat("A", 17), true},
		{"empty", "", true},
		{"whitespace only", "   ", true},
		{"embedded space", "MY AE", true},
		{"non ascii", "SCPÄ", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAeTitle(tt.aeTitle)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLocalAeValidate(t *testing.T) {
	ae := &LocalApplicationEntity{
		BaseApplicationEntity: BaseApplicationEntity{Name: "scanner", AeTitle: "SCANNER"},
	}
	ae.SetDefaultValues()
	require.NoError(t, ae.Validate())

	t.Run("sop class lists are mutually exclusive", func(t *testing.T) {
		bad := &LocalApplicationEntity{
			BaseApplicationEntity: BaseApplicationEntity{Name: "x", AeTitle: "X"},
			Grouping:              DefaultGroupingTag,
			AllowedSopClasses:     []string{"1.2"},
			IgnoredSopClasses:     []string{"1.3"},
		}
		assert.Error(t, bad.Validate())
	})

	t.Run("grouping must be study or series uid", func(t *testing.T) {
		bad := &LocalApplicationEntity{
			BaseApplicationEntity: BaseApplicationEntity{Name: "x", AeTitle: "X"},
			Grouping:              "0010,0010",
		}
		assert.Error(t, bad.Validate())

		ok := &LocalApplicationEntity{
			BaseApplicationEntity: BaseApplicationEntity{Name: "x", AeTitle: "X"},
			Grouping:              SeriesGroupingTag,
		}
		assert.NoError(t, ok.Validate())
	})

	t.Run("malformed grouping tag", func(t *testing.T) {
		bad := &LocalApplicationEntity{
			BaseApplicationEntity: BaseApplicationEntity{Name: "x", AeTitle: "X"},
			Grouping:              "0020000D",
		}
		assert.Error(t, bad.Validate())
	})
}

func TestLocalAeSetDefaultValues(t *testing.T) {
	// An empty Name falls back to the AE title.
	ae := &LocalApplicationEntity{
		BaseApplicationEntity: BaseApplicationEntity{AeTitle: "SCANNER"},
	}
	ae.SetDefaultValues()
	assert.Equal(t, "SCANNER", ae.Name)
	assert.Equal(t, DefaultGroupingTag, ae.Grouping)
	assert.Equal(t, DefaultGroupingWindowSeconds, ae.Timeout)
}

func TestAcceptsSopClass(t *testing.T) {
	t.Run("no filters accepts everything", func(t *testing.T) {
		ae := &LocalApplicationEntity{}
		assert.True(t, ae.AcceptsSopClass("1.2.840.10008.5.1.4.1.1.2"))
	})

	t.Run("allow list", func(t *testing.T) {
		ae := &LocalApplicationEntity{AllowedSopClasses: []string{"1.2"}}
		assert.True(t, ae.AcceptsSopClass("1.2"))
		assert.False(t, ae.AcceptsSopClass("1.3"))
	})

	t.Run("ignore list", func(t *testing.T) {
		ae := &LocalApplicationEntity{IgnoredSopClasses: []string{"1.2.840.10008.5.1.4.1.1.1.1"}}
		assert.False(t, ae.AcceptsSopClass("1.2.840.10008.5.1.4.1.1.1.1"))
		assert.True(t, ae.AcceptsSopClass("1.3"))
	})
}

func TestDestinationAeValidate(t *testing.T) {
	ae := &DestinationApplicationEntity{
		BaseApplicationEntity: BaseApplicationEntity{Name: "pacs", AeTitle: "PACS"},
		HostIP:                "10.0.0.1",
		Port:                  104,
	}
	require.NoError(t, ae.Validate())

	ae.Port = 0
	assert.Error(t, ae.Validate())

	ae.Port = 104
	ae.HostIP = ""
	assert.Error(t, ae.Validate())
}
