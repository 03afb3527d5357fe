package imaging

import (
	"math"
	"regexp"
	"strings"
	"testing"
	"time"
)

func dob(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func janeDICOM() *DICOMPatient {
	return &DICOMPatient{
		PatientID:   "ABC-123",
		PatientName: "Jane Doe",
		BirthDate:   dob(1980, 2, 14),
		Sex:         "F",
	}
}

func janeRecord() *CandidateRecord {
	return &CandidateRecord{
		ID:        "abc123",
		Name:      "jane doe",
		BirthDate: dob(1980, 2, 14),
		Gender:    "female",
	}
}

func hasWarning(warnings []string, fragment string) bool {
	for _, w := range warnings {
		if strings.Contains(w, fragment) {
			return true
		}
	}
	return false
}

func TestReconcile_ExactMatch(t *testing.T) {
	v := NewReconciler().Reconcile(janeDICOM(), janeRecord())

	if !v.IsMatch {
		t.Error("expected match")
	}
	if v.Confidence != 1 {
		t.Errorf("expected confidence 1, got %v", v.Confidence)
	}
	if len(v.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", v.Warnings)
	}
	if v.RequiresConfirmation {
		t.Error("expected no confirmation required")
	}
	if !v.MatchDetails.PatientID.Match || !v.MatchDetails.Name.Match || !v.MatchDetails.BirthDate.Match || !v.MatchDetails.Sex.Match {
		t.Errorf("expected every field to match, got %+v", v.MatchDetails)
	}
}

func TestReconcile_MissingInput(t *testing.T) {
	r := NewReconciler()
	for name, v := range map[string]IdentityMatchResult{
		"nil patient":   r.Reconcile(nil, janeRecord()),
		"nil candidate": r.Reconcile(janeDICOM(), nil),
	} {
		if v.IsMatch || v.Confidence != 0 || !v.RequiresConfirmation {
			t.Errorf("%s: expected zero-confidence verdict requiring confirmation, got %+v", name, v)
		}
		if len(v.Warnings) != 1 || v.Warnings[0] != warnMissingInfo {
			t.Errorf("%s: expected missing info warning, got %v", name, v.Warnings)
		}
	}
}

func TestReconcile_IDMismatchIsPartial(t *testing.T) {
	p := janeDICOM()
	p.PatientID = "XYZ-999"
	v := NewReconciler().Reconcile(p, janeRecord())

	if v.IsMatch {
		t.Error("expected no match")
	}
	if v.Confidence != 0.6 {
		t.Errorf("expected confidence 0.6, got %v", v.Confidence)
	}
	if !hasWarning(v.Warnings, "Patient ID mismatch") {
		t.Errorf("expected id warning, got %v", v.Warnings)
	}
	if !hasWarning(v.Warnings, "Partial match") {
		t.Errorf("expected partial warning, got %v", v.Warnings)
	}
	if !v.RequiresConfirmation {
		t.Error("expected confirmation required")
	}
}

func TestReconcile_AlternateIdentifier(t *testing.T) {
	p := janeDICOM()
	p.PatientID = "mrn 77"
	c := janeRecord()
	c.ID = "7f0c7a2e-0000-4000-8000-000000000001"
	c.AlternateIDs = []string{"MRN-77"}

	v := NewReconciler().Reconcile(p, c)
	if !v.MatchDetails.PatientID.Match {
		t.Error("expected alternate id to match")
	}
	if !v.IsMatch {
		t.Errorf("expected match, got confidence %v", v.Confidence)
	}
}

func TestReconcile_DifferentPerson(t *testing.T) {
	p := &DICOMPatient{
		PatientID:   "ZZZ-1",
		PatientName: "Robert Johnson",
		BirthDate:   dob(1955, 9, 1),
		Sex:         "M",
	}
	v := NewReconciler().Reconcile(p, janeRecord())

	if v.IsMatch {
		t.Error("expected no match")
	}
	if v.Confidence >= 0.6 {
		t.Errorf("expected confidence below 0.6, got %v", v.Confidence)
	}
	for _, frag := range []string{"Patient ID mismatch", "name differs", "Date of birth mismatch", "does not match"} {
		if !hasWarning(v.Warnings, frag) {
			t.Errorf("expected warning containing %q, got %v", frag, v.Warnings)
		}
	}
}

func TestReconcile_AbsentBirthDate(t *testing.T) {
	p := janeDICOM()
	p.BirthDate = nil
	v := NewReconciler().Reconcile(p, janeRecord())

	if v.Confidence != 0.8 {
		t.Errorf("expected confidence 0.8, got %v", v.Confidence)
	}
	if hasWarning(v.Warnings, "Date of birth") {
		t.Errorf("expected no birth date warning, got %v", v.Warnings)
	}
	if v.MatchDetails.BirthDate.DICOMValue != nil {
		t.Errorf("expected null DICOM birth date, got %v", v.MatchDetails.BirthDate.DICOMValue)
	}
}

func TestReconcile_Properties(t *testing.T) {
	r := NewReconciler()
	ids := []string{"", "ABC-123", "other"}
	names := []string{"", "Jane Doe", "Janet Doe", "Someone Else"}
	dates := []*time.Time{nil, dob(1980, 2, 14), dob(1990, 1, 1)}
	sexes := []string{"", "F", "M", "O"}

	for _, id := range ids {
		for _, name := range names {
			for _, d := range dates {
				for _, sex := range sexes {
					v := r.Reconcile(&DICOMPatient{PatientID: id, PatientName: name, BirthDate: d, Sex: sex}, janeRecord())
					if v.Confidence < 0 || v.Confidence > 1 {
						t.Fatalf("confidence %v out of range", v.Confidence)
					}
					if v.RequiresConfirmation != (!v.IsMatch || len(v.Warnings) > 0) {
						t.Fatalf("confirmation flag inconsistent for %+v", v)
					}
					if v.IsMatch != (v.Confidence >= 0.9) {
						t.Fatalf("match flag inconsistent with confidence %v", v.Confidence)
					}
					if v.Warnings == nil {
						t.Fatal("expected non-nil warnings")
					}
				}
			}
		}
	}
}

func TestReconcile_NamesNormalizingToEmpty(t *testing.T) {
	p := janeDICOM()
	p.PatientName = "--"
	c := janeRecord()
	c.Name = "--"
	v := NewReconciler().Reconcile(p, c)

	if !v.IsMatch || v.Confidence != 1 {
		t.Errorf("expected full match, got confidence %v match %v", v.Confidence, v.IsMatch)
	}
	if !v.MatchDetails.Name.Match {
		t.Error("expected name to match")
	}
	if len(v.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", v.Warnings)
	}

	c.Name = "jane doe"
	v = NewReconciler().Reconcile(p, c)
	if v.MatchDetails.Name.Match || !hasWarning(v.Warnings, "name differs") {
		t.Errorf("expected name mismatch warning, got %+v", v)
	}
}

func TestReconcile_ThresholdUsesRawScore(t *testing.T) {
	// id matches, sex does not: raw confidence 0.8996, reported as 0.9.
	r := NewReconcilerWithPolicy(MatchPolicy{
		IDWeight:             8996,
		SexWeight:            1004,
		MatchThreshold:       0.9,
		PartialThreshold:     0.6,
		NameMatchThreshold:   0.8,
		NameWarningThreshold: 0.5,
	})
	p := janeDICOM()
	p.Sex = "M"
	v := r.Reconcile(p, janeRecord())

	if v.Confidence != 0.9 {
		t.Errorf("expected reported confidence 0.9, got %v", v.Confidence)
	}
	if v.IsMatch {
		t.Error("expected no match below the raw threshold")
	}
	if !hasWarning(v.Warnings, "Partial match") {
		t.Errorf("expected partial warning, got %v", v.Warnings)
	}
}

func TestReconcile_CustomPolicy(t *testing.T) {
	policy := DefaultMatchPolicy()
	policy.MatchThreshold = 0.5
	r := NewReconcilerWithPolicy(policy)
	if r.Policy().MatchThreshold != 0.5 {
		t.Fatalf("expected policy to be kept")
	}

	p := janeDICOM()
	p.PatientID = "XYZ-999"
	v := r.Reconcile(p, janeRecord())
	if !v.IsMatch {
		t.Errorf("expected match under relaxed threshold, confidence %v", v.Confidence)
	}
	if !v.RequiresConfirmation {
		t.Error("expected confirmation because of the id warning")
	}
}

func TestNormalizeString(t *testing.T) {
	tests := map[string]string{
		"ABC-123":     "abc123",
		" Jane  Doe ": "janedoe",
		"O'Brien":     "obrien",
		"":            "",
		"---":         "",
	}
	for in, want := range tests {
		if got := NormalizeString(in); got != want {
			t.Errorf("NormalizeString(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestSimilarity(t *testing.T) {
	if s := Similarity("Jane Doe", "jane-doe"); s != 1 {
		t.Errorf("expected 1, got %v", s)
	}
	if s := Similarity("kitten", "sitting"); math.Abs(s-4.0/7.0) > 1e-9 {
		t.Errorf("expected 4/7, got %v", s)
	}
	if s := Similarity("", "abc"); s != 0 {
		t.Errorf("expected 0, got %v", s)
	}
	if a, b := Similarity("abcd", "abxy"), Similarity("abxy", "abcd"); a != b {
		t.Errorf("expected symmetric similarity, got %v and %v", a, b)
	}
}

var normalizedPattern = regexp.MustCompile(`^[a-z0-9]*$`)

func TestNormalizeAndSimilarity_Properties(t *testing.T) {
	corpus := []string{
		"",
		" ",
		"---",
		"^^^",
		"Jane Doe",
		"JANE^DOE",
		"jAnE dOe",
		"O'Brien-Smith",
		"Müller^Jürgen",
		"Zoë Ñúñez",
		"李^小龍",
		"Δημήτρης",
		"MRN: 00042",
		"abc123",
		"ABC-123",
		"kitten",
		"sitting",
		"\t\n mixed\tWhitespace\n",
		"emoji 🙂 name",
		"ǅemal",
	}

	for _, s := range corpus {
		n := NormalizeString(s)
		if NormalizeString(n) != n {
			t.Errorf("NormalizeString not idempotent for %q: %q then %q", s, n, NormalizeString(n))
		}
		if !normalizedPattern.MatchString(n) {
			t.Errorf("NormalizeString(%q) = %q contains characters outside a-z0-9", s, n)
		}
		if s != "" {
			if sim := Similarity(s, s); sim != 1 {
				t.Errorf("Similarity(%q, %q) = %v, expected 1", s, s, sim)
			}
		}
	}

	for _, a := range corpus {
		for _, b := range corpus {
			ab, ba := Similarity(a, b), Similarity(b, a)
			if ab < 0 || ab > 1 {
				t.Errorf("Similarity(%q, %q) = %v out of range", a, b, ab)
			}
			if math.Abs(ab-ba) > 1e-9 {
				t.Errorf("Similarity not symmetric for %q and %q: %v vs %v", a, b, ab, ba)
			}
		}
	}
}

func TestSexMatches(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"M", "male", true},
		{"male", "M", true},
		{"F", "Female", true},
		{"F", "F", true},
		{"O", "other", false},
		{"M", "female", false},
		{"", "", false},
		{"F", "", false},
	}
	for _, tt := range tests {
		if got := SexMatches(tt.a, tt.b); got != tt.want {
			t.Errorf("SexMatches(%q, %q): expected %v, got %v", tt.a, tt.b, tt.want, got)
		}
	}
}
