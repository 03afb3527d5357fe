package dicom

import (
	"sort"
	"strconv"
	"strings"

	dcm "github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// dictionary maps the tags the engine consumes to their field names. It is
// built once at init and never written afterwards.
var dictionary = map[tag.Tag]string{
	tag.PatientID:                 "patientId",
	tag.PatientName:               "patientName",
	tag.PatientBirthDate:          "patientBirthDate",
	tag.PatientSex:                "patientSex",
	tag.StudyInstanceUID:          "studyInstanceUID",
	tag.StudyDate:                 "studyDate",
	tag.StudyTime:                 "studyTime",
	tag.StudyDescription:          "studyDescription",
	tag.AccessionNumber:           "accessionNumber",
	tag.SeriesInstanceUID:         "seriesInstanceUID",
	tag.SeriesNumber:              "seriesNumber",
	tag.SeriesDescription:         "seriesDescription",
	tag.Modality:                  "modality",
	tag.BodyPartExamined:          "bodyPartExamined",
	tag.SOPInstanceUID:            "sopInstanceUID",
	tag.InstanceNumber:            "instanceNumber",
	tag.Rows:                      "rows",
	tag.Columns:                   "columns",
	tag.BitsAllocated:             "bitsAllocated",
	tag.PixelRepresentation:       "pixelRepresentation",
	tag.PhotometricInterpretation: "photometricInterpretation",
	tag.PixelSpacing:              "pixelSpacing",
	tag.WindowCenter:              "windowCenter",
	tag.WindowWidth:               "windowWidth",
	tag.SliceLocation:             "sliceLocation",
	tag.SliceThickness:            "sliceThickness",
	tag.InstitutionName:           "institutionName",
	tag.ReferringPhysicianName:    "referringPhysicianName",
	tag.PixelData:                 "pixelData",
}

// FieldName returns the field name registered for t.
func FieldName(t tag.Tag) (string, bool) {
	name, ok := dictionary[t]
	return name, ok
}

// DictionaryTags returns the registered tags in (group, element) order.
func DictionaryTags() []tag.Tag {
	out := make([]tag.Tag, 0, len(dictionary))
	for t := range dictionary {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Element < out[j].Element
	})
	return out
}

// Extractor reads typed values out of a decoded dataset. Every accessor
// reports absence through Value and never fails.
type Extractor struct {
	ds dcm.Dataset
}

func NewExtractor(ds dcm.Dataset) Extractor {
	return Extractor{ds: ds}
}

func (x Extractor) raw(t tag.Tag) (interface{}, bool) {
	el, err := x.ds.FindElementByTag(t)
	if err != nil || el == nil || el.Value == nil {
		return nil, false
	}
	return el.Value.GetValue(), true
}

// components returns the value as its backslash-separated string parts.
func (x Extractor) components(t tag.Tag) []string {
	raw, ok := x.raw(t)
	if !ok {
		return nil
	}
	var parts []string
	switch v := raw.(type) {
	case []string:
		for _, s := range v {
			parts = append(parts, strings.Split(s, `\`)...)
		}
	case []int:
		for _, n := range v {
			parts = append(parts, strconv.Itoa(n))
		}
	case []float64:
		for _, f := range v {
			parts = append(parts, strconv.FormatFloat(f, 'f', -1, 64))
		}
	case []byte:
		parts = strings.Split(string(v), `\`)
	}
	return parts
}

// String returns the trimmed string form of t; empty results are absent.
func (x Extractor) String(t tag.Tag) Value[string] {
	parts := x.components(t)
	if len(parts) == 0 {
		return None[string]()
	}
	s := strings.Trim(strings.Join(parts, `\`), " \x00\t\r\n")
	if s == "" {
		return None[string]()
	}
	return Some(s)
}

// Int returns the native integer value of t, falling back to the first
// component of the string form parsed as a float and truncated.
func (x Extractor) Int(t tag.Tag) Value[int] {
	raw, ok := x.raw(t)
	if !ok {
		return None[int]()
	}
	if ints, ok := raw.([]int); ok && len(ints) > 0 {
		return Some(ints[0])
	}
	f, ok := x.Float(t).Get()
	if !ok {
		return None[int]()
	}
	return Some(int(f))
}

// Float returns the first numeric component of t.
func (x Extractor) Float(t tag.Tag) Value[float64] {
	for _, p := range x.components(t) {
		f, err := strconv.ParseFloat(strings.Trim(p, " \x00"), 64)
		if err != nil {
			return None[float64]()
		}
		return Some(f)
	}
	return None[float64]()
}

// Floats returns every component of t that parses as a float. Components
// that fail to parse are dropped.
func (x Extractor) Floats(t tag.Tag) Value[[]float64] {
	parts := x.components(t)
	if len(parts) == 0 {
		return None[[]float64]()
	}
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.Trim(p, " \x00"), 64)
		if err != nil {
			continue
		}
		out = append(out, f)
	}
	return Some(out)
}
