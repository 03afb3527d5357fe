// Package dicom decodes single-frame DICOM Part 10 files into the metadata
// record used by imaging ingestion, and renders their uncompressed pixel
// data into viewable rasters.
package dicom

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	dcm "github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// ErrStructural is returned when a file cannot be decoded as a dataset at all.
var ErrStructural = errors.New("dicom: structurally invalid dataset")

const (
	preambleLength = 128
	magicWord      = "DICM"
)

// PatientInfo is the patient block embedded in a file.
type PatientInfo struct {
	PatientID   Value[string]    `json:"patientId"`
	PatientName Value[string]    `json:"patientName"`
	BirthDate   Value[time.Time] `json:"birthDate"`
	Sex         Value[string]    `json:"sex"`
}

type StudyInfo struct {
	StudyInstanceUID Value[string]    `json:"studyInstanceUID"`
	StudyDate        Value[time.Time] `json:"studyDate"`
	StudyTime        Value[string]    `json:"studyTime"`
	StudyDescription Value[string]    `json:"studyDescription"`
	AccessionNumber  Value[string]    `json:"accessionNumber"`
}

type SeriesInfo struct {
	SeriesInstanceUID Value[string] `json:"seriesInstanceUID"`
	SeriesNumber      Value[int]    `json:"seriesNumber"`
	SeriesDescription Value[string] `json:"seriesDescription"`
	// Modality is always one of the recognised codes.
	Modality         string        `json:"modality"`
	BodyPartExamined Value[string] `json:"bodyPartExamined"`
}

type ImageInfo struct {
	SOPInstanceUID Value[string]    `json:"sopInstanceUID"`
	InstanceNumber Value[int]       `json:"instanceNumber"`
	Rows           Value[int]       `json:"rows"`
	Columns        Value[int]       `json:"columns"`
	BitsAllocated  Value[int]       `json:"bitsAllocated"`
	PixelSpacing   Value[[]float64] `json:"pixelSpacing"`
	WindowCenter   Value[float64]   `json:"windowCenter"`
	WindowWidth    Value[float64]   `json:"windowWidth"`
	SliceLocation  Value[float64]   `json:"sliceLocation"`
	SliceThickness Value[float64]   `json:"sliceThickness"`
}

type InstitutionInfo struct {
	InstitutionName    Value[string] `json:"institutionName"`
	ReferringPhysician Value[string] `json:"referringPhysician"`
}

// ParsedImage is everything extracted from one file. It is not modified
// after Parse returns.
type ParsedImage struct {
	Patient     PatientInfo     `json:"patient"`
	Study       StudyInfo       `json:"study"`
	Series      SeriesInfo      `json:"series"`
	Image       ImageInfo       `json:"image"`
	Institution InstitutionInfo `json:"institution"`

	Pixels PixelBlock `json:"-"`
}

// Parse decodes data and extracts the metadata record. Only a file that
// yields no data elements at all fails; every field is optional.
func Parse(data []byte) (*ParsedImage, error) {
	ds, err := decode(data)
	if err != nil {
		return nil, err
	}
	return fromDataset(ds), nil
}

// HasMagic reports whether data carries the DICM marker after the preamble.
func HasMagic(data []byte) bool {
	return len(data) >= preambleLength+len(magicWord) &&
		string(data[preambleLength:preambleLength+len(magicWord)]) == magicWord
}

// Validate accepts files with the magic marker, and otherwise only files
// that decode.
func Validate(data []byte) bool {
	if len(data) < preambleLength+len(magicWord) {
		return false
	}
	if HasMagic(data) {
		return true
	}
	_, err := decode(data)
	return err == nil
}

var allowedExtensions = map[string]bool{
	".dcm":   true,
	".dicom": true,
	".dic":   true,
}

// IsDICOMFileName accepts the usual DICOM extensions and extensionless names.
func IsDICOMFileName(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == "" || allowedExtensions[ext]
}

func decode(data []byte) (ds dcm.Dataset, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: decoder panic: %v", ErrStructural, r)
		}
	}()

	opts := []dcm.ParseOption{dcm.SkipProcessingPixelDataValue()}
	if !HasMagic(data) {
		// No preamble: read straight into the dataset as implicit VR little endian.
		opts = append(opts, dcm.SkipMetadataReadOnNewParserInit())
	}

	ds, perr := dcm.Parse(bytes.NewReader(data), int64(len(data)), nil, opts...)
	if payloadElements(ds) == 0 {
		if perr == nil {
			perr = errors.New("no data elements")
		}
		return ds, fmt.Errorf("%w: %v", ErrStructural, perr)
	}
	// A decode error after elements were read leaves a usable partial dataset.
	return ds, nil
}

func payloadElements(ds dcm.Dataset) int {
	n := 0
	for _, el := range ds.Elements {
		if el != nil && el.Tag.Group != 0x0002 {
			n++
		}
	}
	return n
}

func fromDataset(ds dcm.Dataset) *ParsedImage {
	x := NewExtractor(ds)
	p := &ParsedImage{}

	p.Patient = PatientInfo{
		PatientID:   x.String(tag.PatientID),
		PatientName: personName(x.String(tag.PatientName)),
		BirthDate:   date(x.String(tag.PatientBirthDate)),
		Sex:         x.String(tag.PatientSex),
	}

	p.Study = StudyInfo{
		StudyInstanceUID: x.String(tag.StudyInstanceUID),
		StudyDate:        date(x.String(tag.StudyDate)),
		StudyTime:        x.String(tag.StudyTime),
		StudyDescription: x.String(tag.StudyDescription),
		AccessionNumber:  x.String(tag.AccessionNumber),
	}

	p.Series = SeriesInfo{
		SeriesInstanceUID: x.String(tag.SeriesInstanceUID),
		SeriesNumber:      x.Int(tag.SeriesNumber),
		SeriesDescription: x.String(tag.SeriesDescription),
		Modality:          NormalizeModality(x.String(tag.Modality).OrElse("")),
		BodyPartExamined:  x.String(tag.BodyPartExamined),
	}

	p.Image = ImageInfo{
		SOPInstanceUID: x.String(tag.SOPInstanceUID),
		InstanceNumber: x.Int(tag.InstanceNumber),
		Rows:           x.Int(tag.Rows),
		Columns:        x.Int(tag.Columns),
		BitsAllocated:  x.Int(tag.BitsAllocated),
		PixelSpacing:   x.Floats(tag.PixelSpacing),
		WindowCenter:   x.Float(tag.WindowCenter),
		WindowWidth:    x.Float(tag.WindowWidth),
		SliceLocation:  x.Float(tag.SliceLocation),
		SliceThickness: x.Float(tag.SliceThickness),
	}

	p.Institution = InstitutionInfo{
		InstitutionName:    x.String(tag.InstitutionName),
		ReferringPhysician: personName(x.String(tag.ReferringPhysicianName)),
	}

	p.Pixels = PixelBlock{
		Rows:                p.Image.Rows,
		Columns:             p.Image.Columns,
		BitsAllocated:       p.Image.BitsAllocated,
		PixelRepresentation: x.Int(tag.PixelRepresentation).OrElse(0),
		Photometric:         x.String(tag.PhotometricInterpretation).OrElse(""),
		WindowCenter:        p.Image.WindowCenter,
		WindowWidth:         p.Image.WindowWidth,
		Samples:             x.pixelData(),
	}

	return p
}

func (x Extractor) pixelData() []byte {
	raw, ok := x.raw(tag.PixelData)
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case dcm.PixelDataInfo:
		if v.IsEncapsulated {
			return nil
		}
		return v.UnprocessedValueData
	case []byte:
		return v
	}
	return nil
}

func personName(v Value[string]) Value[string] {
	s, ok := v.Get()
	if !ok {
		return None[string]()
	}
	return FormatPersonName(s)
}

func date(v Value[string]) Value[time.Time] {
	s, ok := v.Get()
	if !ok {
		return None[time.Time]()
	}
	return ParseDate(s)
}
