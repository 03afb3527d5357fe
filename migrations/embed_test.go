package migrations

import (
	"strings"
	"testing"

	"github.com/ehr/imaging/internal/platform/db"
)

func TestEmbeddedMigrations(t *testing.T) {
	migs, err := db.NewMigrator(nil, FS).LoadMigrations()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(migs) < 2 {
		t.Fatalf("expected at least 2 migrations, got %d", len(migs))
	}
	for i, m := range migs {
		if m.Version != i+1 {
			t.Errorf("expected contiguous versions, got %d at position %d", m.Version, i)
		}
		if strings.TrimSpace(m.SQL) == "" {
			t.Errorf("migration %s is empty", m.Name)
		}
	}
	if !strings.Contains(migs[1].SQL, "UNIQUE (clinic_id, study_instance_uid)") {
		t.Error("expected study uid uniqueness per clinic")
	}
}
