package imaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/imaging/internal/platform/dicom"
)

const (
	StudyStatusActive = "active"
)

// ImageRef points at one stored file within a series.
type ImageRef struct {
	SOPInstanceUID string     `json:"sopInstanceUID" bson:"sop_instance_uid"`
	InstanceNumber *int       `json:"instanceNumber" bson:"instance_number,omitempty"`
	FileName       string     `json:"fileName,omitempty" bson:"file_name,omitempty"`
	URL            string     `json:"url" bson:"url"`
	Key            string     `json:"key" bson:"key"`
	Size           int64      `json:"size" bson:"size"`
	PreviewURL     string     `json:"previewUrl,omitempty" bson:"preview_url,omitempty"`
	PreviewKey     string     `json:"previewKey,omitempty" bson:"preview_key,omitempty"`
	Rows           *int       `json:"rows,omitempty" bson:"rows,omitempty"`
	Columns        *int       `json:"columns,omitempty" bson:"columns,omitempty"`
	PixelSpacing   []float64  `json:"pixelSpacing,omitempty" bson:"pixel_spacing,omitempty"`
	WindowCenter   *float64   `json:"windowCenter,omitempty" bson:"window_center,omitempty"`
	WindowWidth    *float64   `json:"windowWidth,omitempty" bson:"window_width,omitempty"`
	SliceLocation  *float64   `json:"sliceLocation,omitempty" bson:"slice_location,omitempty"`
	SliceThickness *float64   `json:"sliceThickness,omitempty" bson:"slice_thickness,omitempty"`
}

// Series groups the images sharing one series instance UID, ordered by
// instance number.
type Series struct {
	SeriesInstanceUID string     `json:"seriesInstanceUID" bson:"series_instance_uid"`
	SeriesNumber      *int       `json:"seriesNumber" bson:"series_number,omitempty"`
	SeriesDescription string     `json:"seriesDescription,omitempty" bson:"series_description,omitempty"`
	Modality          string     `json:"modality" bson:"modality"`
	BodyPartExamined  string     `json:"bodyPartExamined,omitempty" bson:"body_part_examined,omitempty"`
	Images            []ImageRef `json:"images" bson:"images"`
}

func (s *Series) NumberOfImages() int {
	return len(s.Images)
}

func (s *Series) MarshalJSON() ([]byte, error) {
	type alias Series
	return json.Marshal(struct {
		*alias
		NumberOfImages int `json:"numberOfImages"`
	}{(*alias)(s), s.NumberOfImages()})
}

// DICOMPatient is the identity embedded in the uploaded files.
type DICOMPatient struct {
	PatientID   string     `json:"patientId,omitempty" bson:"patient_id,omitempty"`
	PatientName string     `json:"patientName,omitempty" bson:"patient_name,omitempty"`
	BirthDate   *time.Time `json:"birthDate,omitempty" bson:"birth_date,omitempty"`
	Sex         string     `json:"sex,omitempty" bson:"sex,omitempty"`
}

// Study is one upload batch. Image and series totals are derived from
// Series and cannot be set.
type Study struct {
	ID                   uuid.UUID    `json:"id" bson:"-"`
	ClinicID             string       `json:"clinicId" bson:"clinic_id"`
	PatientID            string       `json:"patientId" bson:"patient_id"`
	VisitID              *string      `json:"visitId,omitempty" bson:"visit_id,omitempty"`
	StudyInstanceUID     string       `json:"studyInstanceUID" bson:"study_instance_uid"`
	StudyDate            *time.Time   `json:"studyDate,omitempty" bson:"study_date,omitempty"`
	StudyTime            string       `json:"studyTime,omitempty" bson:"study_time,omitempty"`
	StudyDescription     string       `json:"studyDescription,omitempty" bson:"study_description,omitempty"`
	AccessionNumber      string       `json:"accessionNumber,omitempty" bson:"accession_number,omitempty"`
	Modality             string       `json:"modality" bson:"modality"`
	BodyPartExamined     string       `json:"bodyPartExamined,omitempty" bson:"body_part_examined,omitempty"`
	InstitutionName      string       `json:"institutionName,omitempty" bson:"institution_name,omitempty"`
	ReferringPhysician   string       `json:"referringPhysician,omitempty" bson:"referring_physician,omitempty"`
	DICOMPatient         DICOMPatient `json:"dicomPatient" bson:"dicom_patient"`
	Series               []*Series    `json:"series" bson:"series"`
	StorageSize          int64        `json:"storageSize" bson:"storage_size"`
	PatientIDValidated   bool         `json:"patientIdValidated" bson:"patient_id_validated"`
	MismatchAcknowledged bool         `json:"mismatchAcknowledged" bson:"mismatch_acknowledged"`
	IdentityConfidence   *float64     `json:"identityConfidence,omitempty" bson:"identity_confidence,omitempty"`
	Status               string       `json:"status" bson:"status"`
	UploadedBy           string       `json:"uploadedBy,omitempty" bson:"uploaded_by,omitempty"`
	CreatedAt            time.Time    `json:"createdAt" bson:"created_at"`
	UpdatedAt            time.Time    `json:"updatedAt" bson:"updated_at"`
}

func (s *Study) TotalSeries() int {
	return len(s.Series)
}

func (s *Study) TotalImages() int {
	n := 0
	for _, se := range s.Series {
		n += se.NumberOfImages()
	}
	return n
}

func (s *Study) MarshalJSON() ([]byte, error) {
	type alias Study
	return json.Marshal(struct {
		*alias
		TotalImages int `json:"totalImages"`
		TotalSeries int `json:"totalSeries"`
	}{(*alias)(s), s.TotalImages(), s.TotalSeries()})
}

// FindSeries returns the series with the given UID.
func (s *Study) FindSeries(uid string) (*Series, bool) {
	for _, se := range s.Series {
		if se.SeriesInstanceUID == uid {
			return se, true
		}
	}
	return nil, false
}

// References returns every stored object reference of the study, previews
// included.
func (s *Study) References() []string {
	var refs []string
	for _, se := range s.Series {
		for _, img := range se.Images {
			refs = append(refs, img.URL)
			if img.PreviewURL != "" {
				refs = append(refs, img.PreviewURL)
			}
		}
	}
	return refs
}

// ToFHIR renders the study as a FHIR R4 ImagingStudy resource.
func (s *Study) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "ImagingStudy",
		"id":           s.ID.String(),
		"status":       "available",
		"subject":      map[string]string{"reference": "Patient/" + s.PatientID},
		"identifier": []map[string]string{{
			"system": "urn:dicom:uid",
			"value":  "urn:oid:" + s.StudyInstanceUID,
		}},
		"numberOfSeries":    s.TotalSeries(),
		"numberOfInstances": s.TotalImages(),
		"meta":              map[string]string{"lastUpdated": s.UpdatedAt.Format(time.RFC3339)},
	}
	if s.Modality != "" {
		result["modality"] = []map[string]string{{
			"system": "http://dicom.nema.org/resources/ontology/DCM",
			"code":   s.Modality,
		}}
	}
	if s.StudyDate != nil {
		result["started"] = s.StudyDate.Format(time.RFC3339)
	}
	if s.StudyDescription != "" {
		result["description"] = s.StudyDescription
	}
	if s.VisitID != nil {
		result["encounter"] = map[string]string{"reference": "Encounter/" + *s.VisitID}
	}

	series := make([]map[string]interface{}, 0, len(s.Series))
	for _, se := range s.Series {
		entry := map[string]interface{}{
			"uid":               se.SeriesInstanceUID,
			"modality":          map[string]string{"system": "http://dicom.nema.org/resources/ontology/DCM", "code": se.Modality},
			"numberOfInstances": se.NumberOfImages(),
		}
		if se.SeriesNumber != nil {
			entry["number"] = *se.SeriesNumber
		}
		if se.SeriesDescription != "" {
			entry["description"] = se.SeriesDescription
		}
		instances := make([]map[string]interface{}, 0, len(se.Images))
		for _, img := range se.Images {
			inst := map[string]interface{}{"uid": img.SOPInstanceUID}
			if img.InstanceNumber != nil {
				inst["number"] = *img.InstanceNumber
			}
			instances = append(instances, inst)
		}
		entry["instance"] = instances
		series = append(series, entry)
	}
	result["series"] = series
	return result
}

// StudyPreview summarises a batch that was not persisted.
type StudyPreview struct {
	StudyDate   *time.Time `json:"studyDate,omitempty"`
	Modality    string     `json:"modality"`
	Description string     `json:"description,omitempty"`
	TotalImages int        `json:"totalImages"`
}

// CandidateRecord is the clinic patient an upload claims to belong to.
type CandidateRecord struct {
	ID           string     `json:"id"`
	AlternateIDs []string   `json:"alternateIds,omitempty"`
	Name         string     `json:"name"`
	BirthDate    *time.Time `json:"birthDate,omitempty"`
	Gender       string     `json:"gender,omitempty"`
}

// FieldMatch records one compared field.
type FieldMatch struct {
	Match      bool        `json:"match"`
	DICOMValue interface{} `json:"dicomValue"`
	Value      interface{} `json:"patientValue"`
}

type MatchDetails struct {
	PatientID FieldMatch `json:"patientId"`
	Name      FieldMatch `json:"name"`
	BirthDate FieldMatch `json:"birthDate"`
	Sex       FieldMatch `json:"sex"`
}

// IdentityMatchResult is the verdict of comparing an embedded identity with
// a candidate record.
type IdentityMatchResult struct {
	IsMatch              bool         `json:"isMatch"`
	Confidence           float64      `json:"confidence"`
	MatchDetails         MatchDetails `json:"matchDetails"`
	Warnings             []string     `json:"warnings"`
	RequiresConfirmation bool         `json:"requiresConfirmation"`
}

// ParsedFile is one successfully parsed upload.
type ParsedFile struct {
	Index    int
	FileName string
	Data     []byte
	Image    *dicom.ParsedImage
}

// FileError reports one file that did not make it into the study.
type FileError struct {
	Index    int    `json:"index"`
	FileName string `json:"fileName"`
	Stage    string `json:"stage"`
	Message  string `json:"error"`
}

const (
	StageParse = "parse"
	StageStore = "store"
)
