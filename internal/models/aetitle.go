package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DefaultGroupingTag is the Study Instance UID tag.
const DefaultGroupingTag = "0020,000D"

// SeriesGroupingTag is the Series Instance UID tag.
const SeriesGroupingTag = "0020,000E"

// DefaultGroupingWindowSeconds is the assembler window applied when an AE
// does not configure one.
const DefaultGroupingWindowSeconds = 5

var aeTitleRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,16}$`)
var dicomTagRe = regexp.MustCompile(`^[0-9A-Fa-f]{4},[0-9A-Fa-f]{4}$`)

// ValidateAeTitle checks the 1..16 ASCII token rule shared by every AE flavor.
func ValidateAeTitle(aeTitle string) error {
	if !aeTitleRe.MatchString(strings.TrimSpace(aeTitle)) {
		return fmt.Errorf("ae title %q must be 1..16 characters of [A-Za-z0-9._-]", aeTitle)
	}
	return nil
}

// BaseApplicationEntity carries the fields common to every AE flavor.
type BaseApplicationEntity struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Name      string    `gorm:"type:varchar(255);not null;uniqueIndex" json:"name"`
	AeTitle   string    `gorm:"type:varchar(16);not null" json:"ae_title"`
	CreatedBy string    `gorm:"type:varchar(255)" json:"created_by"`
	UpdatedBy string    `gorm:"type:varchar(255)" json:"updated_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LocalApplicationEntity is an AE title the SCP listens for (a called AET).
type LocalApplicationEntity struct {
	BaseApplicationEntity

	// Grouping is the DICOM tag whose value keys the payload assembler.
	Grouping          string   `gorm:"type:varchar(9);not null;default:'0020,000D'" json:"grouping"`
	Workflows         []string `gorm:"serializer:json" json:"workflows"`
	AllowedSopClasses []string `gorm:"serializer:json" json:"allowed_sop_classes"`
	IgnoredSopClasses []string `gorm:"serializer:json" json:"ignored_sop_classes"`
	PlugInAssemblies  []string `gorm:"serializer:json" json:"plug_in_assemblies"`

	// Timeout is the assembler grouping window in seconds.
	Timeout int `gorm:"not null;default:5" json:"timeout"`
}

// TableName overrides the table name
func (LocalApplicationEntity) TableName() string {
	return "local_application_entities"
}

// BeforeCreate hook
func (a *LocalApplicationEntity) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// SetDefaultValues fills unset fields. An empty Name falls back to the AE
// title, which makes name collisions easy; kept because admin tooling relies
// on it.
func (a *LocalApplicationEntity) SetDefaultValues() {
	if strings.TrimSpace(a.Name) == "" {
		a.Name = a.AeTitle
	}
	if a.Grouping == "" {
		a.Grouping = DefaultGroupingTag
	}
	if a.Timeout <= 0 {
		a.Timeout = DefaultGroupingWindowSeconds
	}
}

// AcceptsSopClass applies the allow/ignore SOP class filters. At most one of
// the two lists is non-empty.
func (a *LocalApplicationEntity) AcceptsSopClass(sopClassUID string) bool {
	if len(a.AllowedSopClasses) > 0 {
		for _, uid := range a.AllowedSopClasses {
			if uid == sopClassUID {
				return true
			}
		}
		return false
	}
	for _, uid := range a.IgnoredSopClasses {
		if uid == sopClassUID {
			return false
		}
	}
	return true
}

// Validate enforces the AE invariants before persistence.
func (a *LocalApplicationEntity) Validate() error {
	if err := ValidateAeTitle(a.AeTitle); err != nil {
		return err
	}
	if len(a.AllowedSopClasses) > 0 && len(a.IgnoredSopClasses) > 0 {
		return fmt.Errorf("ae %q: allowed and ignored SOP class lists are mutually exclusive", a.Name)
	}
	if !dicomTagRe.MatchString(a.Grouping) {
		return fmt.Errorf("ae %q: grouping %q is not a DICOM tag (gggg,eeee)", a.Name, a.Grouping)
	}
	if g := strings.ToUpper(a.Grouping); g != DefaultGroupingTag && g != SeriesGroupingTag {
		return fmt.Errorf("ae %q: grouping must be Study UID (%s) or Series UID (%s)", a.Name, DefaultGroupingTag, SeriesGroupingTag)
	}
	return nil
}

// SourceApplicationEntity is a peer allowed to push to the SCP.
type SourceApplicationEntity struct {
	BaseApplicationEntity

	HostIP string `gorm:"type:varchar(255);not null" json:"host_ip"`
}

// TableName overrides the table name
func (SourceApplicationEntity) TableName() string {
	return "source_application_entities"
}

// BeforeCreate hook
func (a *SourceApplicationEntity) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// Validate enforces the AE invariants before persistence.
func (a *SourceApplicationEntity) Validate() error {
	if err := ValidateAeTitle(a.AeTitle); err != nil {
		return err
	}
	if strings.TrimSpace(a.HostIP) == "" {
		return fmt.Errorf("source ae %q: host ip is required", a.Name)
	}
	return nil
}

// DestinationApplicationEntity is a remote DIMSE target for exports.
type DestinationApplicationEntity struct {
	BaseApplicationEntity

	HostIP string `gorm:"type:varchar(255);not null" json:"host_ip"`
	Port   int    `gorm:"not null" json:"port"`
}

// TableName overrides the table name
func (DestinationApplicationEntity) TableName() string {
	return "destination_application_entities"
}

// BeforeCreate hook
func (a *DestinationApplicationEntity) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// Validate enforces the AE invariants before persistence.
func (a *DestinationApplicationEntity) Validate() error {
	if err := ValidateAeTitle(a.AeTitle); err != nil {
		return err
	}
	if strings.TrimSpace(a.HostIP) == "" {
		return fmt.Errorf("destination ae %q: host ip is required", a.Name)
	}
	if a.Port <= 0 || a.Port > 65535 {
		return fmt.Errorf("destination ae %q: port must be 1..65535, got %d", a.Name, a.Port)
	}
	return nil
}

// VirtualApplicationEntity is a DICOMweb endpoint with no network identity.
type VirtualApplicationEntity struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Name             string    `gorm:"type:varchar(255);not null;uniqueIndex" json:"name"`
	Workflows        []string  `gorm:"serializer:json" json:"workflows"`
	PlugInAssemblies []string  `gorm:"serializer:json" json:"plug_in_assemblies"`
	CreatedBy        string    `gorm:"type:varchar(255)" json:"created_by"`
	UpdatedBy        string    `gorm:"type:varchar(255)" json:"updated_by"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TableName overrides the table name
func (VirtualApplicationEntity) TableName() string {
	return "virtual_application_entities"
}

// BeforeCreate hook
func (a *VirtualApplicationEntity) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// Validate enforces the AE invariants before persistence.
func (a *VirtualApplicationEntity) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("virtual ae: name is required")
	}
	return nil
}
