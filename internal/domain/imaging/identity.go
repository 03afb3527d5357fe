package imaging

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// MatchPolicy holds the weights and thresholds used to reconcile an
// embedded identity with a clinic record.
type MatchPolicy struct {
	IDWeight        float64
	NameWeight      float64
	BirthDateWeight float64
	SexWeight       float64

	// MatchThreshold and above is a match.
	MatchThreshold float64
	// PartialThreshold and above, below MatchThreshold, is a partial match.
	PartialThreshold float64
	// NameMatchThreshold is the similarity at which names count as matching.
	NameMatchThreshold float64
	// NameWarningThreshold is the similarity below which a warning is raised.
	NameWarningThreshold float64
}

// DefaultMatchPolicy returns the clinic's standard weights (40/30/20/10)
// and thresholds.
func DefaultMatchPolicy() MatchPolicy {
	return MatchPolicy{
		IDWeight:             40,
		NameWeight:           30,
		BirthDateWeight:      20,
		SexWeight:            10,
		MatchThreshold:       0.9,
		PartialThreshold:     0.6,
		NameMatchThreshold:   0.8,
		NameWarningThreshold: 0.5,
	}
}

const (
	warnMissingInfo = "Missing patient information"
	warnPartial     = "Partial match: please verify this is the correct patient"
	warnNoMatch     = "DICOM patient information does not match the selected patient"
)

// Reconciler compares embedded identities with candidate records. It holds
// no mutable state and is safe for concurrent use.
type Reconciler struct {
	policy MatchPolicy
}

func NewReconciler() *Reconciler {
	return &Reconciler{policy: DefaultMatchPolicy()}
}

func NewReconcilerWithPolicy(policy MatchPolicy) *Reconciler {
	return &Reconciler{policy: policy}
}

func (r *Reconciler) Policy() MatchPolicy {
	return r.policy
}

// Reconcile scores patient against candidate. Either being nil yields a
// zero-confidence verdict that requires confirmation.
func (r *Reconciler) Reconcile(patient *DICOMPatient, candidate *CandidateRecord) IdentityMatchResult {
	if patient == nil || candidate == nil {
		return IdentityMatchResult{
			Warnings:             []string{warnMissingInfo},
			RequiresConfirmation: true,
		}
	}

	var (
		details  MatchDetails
		warnings []string
		p        = r.policy
	)

	// Patient ID against the record id and its alternates.
	embeddedID := NormalizeString(patient.PatientID)
	idMatch := false
	if embeddedID != "" {
		for _, id := range append([]string{candidate.ID}, candidate.AlternateIDs...) {
			if NormalizeString(id) == embeddedID {
				idMatch = true
				break
			}
		}
		if !idMatch {
			warnings = append(warnings, fmt.Sprintf("Patient ID mismatch: DICOM has %q, record has %q", patient.PatientID, candidate.ID))
		}
	}
	details.PatientID = FieldMatch{Match: idMatch, DICOMValue: nullable(patient.PatientID), Value: nullable(candidate.ID)}

	// Name.
	nameSimilarity := Similarity(patient.PatientName, candidate.Name)
	namePresent := NormalizeString(patient.PatientName) != "" || NormalizeString(candidate.Name) != ""
	if namePresent && nameSimilarity < p.NameWarningThreshold {
		warnings = append(warnings, fmt.Sprintf("Patient name differs significantly: DICOM has %q, record has %q", patient.PatientName, candidate.Name))
	}
	details.Name = FieldMatch{Match: nameSimilarity >= p.NameMatchThreshold, DICOMValue: nullable(patient.PatientName), Value: nullable(candidate.Name)}

	// Birth date.
	dobMatch := sameDay(patient.BirthDate, candidate.BirthDate)
	if patient.BirthDate != nil && candidate.BirthDate != nil && !dobMatch {
		warnings = append(warnings, fmt.Sprintf("Date of birth mismatch: DICOM has %s, record has %s",
			patient.BirthDate.Format("2006-01-02"), candidate.BirthDate.Format("2006-01-02")))
	}
	details.BirthDate = FieldMatch{Match: dobMatch, DICOMValue: dateValue(patient.BirthDate), Value: dateValue(candidate.BirthDate)}

	// Sex.
	sexMatch := SexMatches(patient.Sex, candidate.Gender)
	details.Sex = FieldMatch{Match: sexMatch, DICOMValue: nullable(patient.Sex), Value: nullable(candidate.Gender)}

	total := p.IDWeight + p.NameWeight + p.BirthDateWeight + p.SexWeight
	score := p.IDWeight*boolScore(idMatch) +
		p.NameWeight*nameSimilarity +
		p.BirthDateWeight*boolScore(dobMatch) +
		p.SexWeight*boolScore(sexMatch)
	confidence := 0.0
	if total > 0 {
		confidence = score / total
	}

	// Thresholds apply to the raw score; only the reported value is rounded.
	result := IdentityMatchResult{
		Confidence:   math.Round(confidence*1000) / 1000,
		MatchDetails: details,
	}
	switch {
	case confidence >= p.MatchThreshold:
		result.IsMatch = true
	case confidence >= p.PartialThreshold:
		warnings = append(warnings, warnPartial)
	default:
		warnings = append(warnings, warnNoMatch)
	}
	result.Warnings = warnings
	if result.Warnings == nil {
		result.Warnings = []string{}
	}
	result.RequiresConfirmation = !result.IsMatch || len(warnings) > 0
	return result
}

// NormalizeString lowercases s and drops everything but a-z and 0-9.
func NormalizeString(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Similarity is 1 - editDistance/maxLen over the normalized strings.
func Similarity(a, b string) float64 {
	a, b = NormalizeString(a), NormalizeString(b)
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	maxLen := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > maxLen {
		maxLen = n
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(maxLen)
}

// SexMatches compares administrative sex codes, accepting M/male and
// F/female as equivalent.
func SexMatches(a, b string) bool {
	a, b = NormalizeString(a), NormalizeString(b)
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	pair := func(x, y string) bool { return (a == x && b == y) || (a == y && b == x) }
	return pair("m", "male") || pair("f", "female")
}

func sameDay(a, b *time.Time) bool {
	if a == nil || b == nil {
		return false
	}
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func boolScore(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func dateValue(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format("2006-01-02")
}
