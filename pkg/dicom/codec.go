// Package dicom exposes the narrow object-codec surface the relay needs:
// reading the four identifying attributes of a DICOM object. Objects stay in
// wire form end to end, so serialization is the identity on the raw bytes the
// engine or endpoint handed us.
package dicom

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	godicom "github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// UnknownValue is the placeholder for absent identifying attributes.
const UnknownValue = "Unknown"

// Attributes are the identifying fields of one object.
type Attributes struct {
	PatientID         string
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
}

// Codec reads identifying attributes from a raw object.
type Codec interface {
	IdentityAttributes(raw []byte) (Attributes, error)
}

// Parser is the production Codec, backed by the suyashkumar/dicom parser.
type Parser struct{}

func NewParser() Parser {
	return Parser{}
}

func (Parser) IdentityAttributes(raw []byte) (Attributes, error) {
	dataset, err := godicom.Parse(bytes.NewReader(raw), int64(len(raw)), nil)
	if err != nil {
		return Attributes{}, fmt.Errorf("parsing dataset: %w", err)
	}

	return Attributes{
		PatientID:         firstString(dataset, tag.PatientID),
		StudyInstanceUID:  firstString(dataset, tag.StudyInstanceUID),
		SeriesInstanceUID: firstString(dataset, tag.SeriesInstanceUID),
		SOPInstanceUID:    firstString(dataset, tag.SOPInstanceUID),
	}, nil
}

func firstString(dataset godicom.Dataset, t tag.Tag) string {
	element, err := dataset.FindElementByTag(t)
	if err != nil || element == nil {
		return ""
	}
	values, ok := element.Value.GetValue().([]string)
	if !ok || len(values) == 0 {
		return ""
	}
	// UI and LO values are padded to even length with trailing space or NUL.
	return strings.TrimRight(values[0], " \x00")
}

// WithDefaults fills absent attributes. Patient, study and series fall back
// to the literal placeholder; the SOP instance UID gets a time-derived
// synthetic identifier so two unnamed objects never collide on disk.
func (a Attributes) WithDefaults(now time.Time) Attributes {
	if a.PatientID == "" {
		a.PatientID = UnknownValue
	}
	if a.StudyInstanceUID == "" {
		a.StudyInstanceUID = UnknownValue
	}
	if a.SeriesInstanceUID == "" {
		a.SeriesInstanceUID = UnknownValue
	}
	if a.SOPInstanceUID == "" {
		a.SOPInstanceUID = fmt.Sprintf("instance_%d_%s", now.Unix(), strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
	}
	return a
}

// SanitizePathComponent makes an attribute value safe to use as a directory
// segment. Patient identifiers in the wild contain slashes.
func SanitizePathComponent(value string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "\x00", "_")
	return strings.TrimSpace(replacer.Replace(value))
}
