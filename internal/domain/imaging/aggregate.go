package imaging

import (
	"errors"
	"sort"

	"github.com/ehr/imaging/internal/platform/blobstore"
	"github.com/ehr/imaging/internal/platform/dicom"
)

// ErrBatchExhausted is returned when no file of a batch was parsed and stored.
var ErrBatchExhausted = errors.New("no file in the batch could be processed")

// FileResult is the outcome of processing one uploaded file. Exactly one of
// Object and Err is set.
type FileResult struct {
	Index    int
	FileName string
	Image    *dicom.ParsedImage
	Object   *blobstore.Object
	Preview  *blobstore.Object
	Err      *FileError
}

// Aggregate folds the results of one batch into a study. Results are
// processed in Index order, so completion order does not matter. Series
// headers come from the first image of each series; images are ordered by
// instance number with ties kept in upload order.
func Aggregate(results []FileResult) (*Study, []FileError, error) {
	ordered := append([]FileResult(nil), results...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	var (
		study  *Study
		errs   []FileError
		series = map[string]*Series{}
	)
	for _, r := range ordered {
		if r.Err != nil || r.Object == nil || r.Image == nil {
			errs = append(errs, failure(r))
			continue
		}
		if study == nil {
			study = studyHeader(r.Image)
		}

		uid := r.Image.Series.SeriesInstanceUID.OrElse("")
		se, ok := series[uid]
		if !ok {
			se = seriesHeader(r.Image)
			series[uid] = se
			study.Series = append(study.Series, se)
		}
		se.Images = append(se.Images, imageRef(r))
		study.StorageSize += r.Object.Size
	}

	if study == nil {
		return nil, errs, ErrBatchExhausted
	}
	for _, se := range study.Series {
		sort.SliceStable(se.Images, func(i, j int) bool {
			return instanceOrder(se.Images[i]) < instanceOrder(se.Images[j])
		})
	}
	return study, errs, nil
}

func failure(r FileResult) FileError {
	if r.Err != nil {
		return *r.Err
	}
	return FileError{Index: r.Index, FileName: r.FileName, Stage: StageStore, Message: "file was not stored"}
}

func instanceOrder(img ImageRef) int {
	if img.InstanceNumber == nil {
		return 0
	}
	return *img.InstanceNumber
}

func studyHeader(p *dicom.ParsedImage) *Study {
	return &Study{
		StudyInstanceUID:   p.Study.StudyInstanceUID.OrElse(""),
		StudyDate:          p.Study.StudyDate.Ptr(),
		StudyTime:          p.Study.StudyTime.OrElse(""),
		StudyDescription:   p.Study.StudyDescription.OrElse(""),
		AccessionNumber:    p.Study.AccessionNumber.OrElse(""),
		Modality:           p.Series.Modality,
		BodyPartExamined:   p.Series.BodyPartExamined.OrElse(""),
		InstitutionName:    p.Institution.InstitutionName.OrElse(""),
		ReferringPhysician: p.Institution.ReferringPhysician.OrElse(""),
		DICOMPatient:       dicomPatient(p),
	}
}

func dicomPatient(p *dicom.ParsedImage) DICOMPatient {
	return DICOMPatient{
		PatientID:   p.Patient.PatientID.OrElse(""),
		PatientName: p.Patient.PatientName.OrElse(""),
		BirthDate:   p.Patient.BirthDate.Ptr(),
		Sex:         p.Patient.Sex.OrElse(""),
	}
}

func seriesHeader(p *dicom.ParsedImage) *Series {
	return &Series{
		SeriesInstanceUID: p.Series.SeriesInstanceUID.OrElse(""),
		SeriesNumber:      p.Series.SeriesNumber.Ptr(),
		SeriesDescription: p.Series.SeriesDescription.OrElse(""),
		Modality:          p.Series.Modality,
		BodyPartExamined:  p.Series.BodyPartExamined.OrElse(""),
	}
}

func imageRef(r FileResult) ImageRef {
	img := r.Image.Image
	ref := ImageRef{
		SOPInstanceUID: img.SOPInstanceUID.OrElse(""),
		InstanceNumber: img.InstanceNumber.Ptr(),
		FileName:       r.FileName,
		URL:            r.Object.URL,
		Key:            r.Object.Key,
		Size:           r.Object.Size,
		Rows:           img.Rows.Ptr(),
		Columns:        img.Columns.Ptr(),
		PixelSpacing:   img.PixelSpacing.OrElse(nil),
		WindowCenter:   img.WindowCenter.Ptr(),
		WindowWidth:    img.WindowWidth.Ptr(),
		SliceLocation:  img.SliceLocation.Ptr(),
		SliceThickness: img.SliceThickness.Ptr(),
	}
	if r.Preview != nil {
		ref.PreviewURL = r.Preview.URL
		ref.PreviewKey = r.Preview.Key
	}
	return ref
}
