package imaging

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	studiesCollection  = "imaging_studies"
	patientsCollection = "patients"
)

// =========== ImagingStudy Repository (Mongo) ===========

type studyDoc struct {
	ID    string `bson:"_id"`
	Study `bson:",inline"`
}

type studyRepoMongo struct{ coll *mongo.Collection }

func NewStudyRepoMongo(database *mongo.Database) StudyRepository {
	return &studyRepoMongo{coll: database.Collection(studiesCollection)}
}

// EnsureIndexes creates the unique (clinic, study UID) index and the
// patient history index.
func EnsureIndexes(ctx context.Context, database *mongo.Database) error {
	_, err := database.Collection(studiesCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "clinic_id", Value: 1}, {Key: "study_instance_uid", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "clinic_id", Value: 1}, {Key: "patient_id", Value: 1}, {Key: "study_date", Value: -1}},
		},
	})
	return err
}

func (r *studyRepoMongo) decode(doc *studyDoc) (*Study, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, err
	}
	s := doc.Study
	s.ID = id
	return &s, nil
}

func (r *studyRepoMongo) findOne(ctx context.Context, filter bson.M) (*Study, error) {
	var doc studyDoc
	if err := r.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return r.decode(&doc)
}

func (r *studyRepoMongo) Create(ctx context.Context, s *Study) error {
	s.ID = uuid.New()
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	if s.Status == "" {
		s.Status = StudyStatusActive
	}
	_, err := r.coll.InsertOne(ctx, studyDoc{ID: s.ID.String(), Study: *s})
	return err
}

func (r *studyRepoMongo) GetByID(ctx context.Context, id uuid.UUID) (*Study, error) {
	return r.findOne(ctx, bson.M{"_id": id.String()})
}

func (r *studyRepoMongo) GetByUID(ctx context.Context, clinicID, studyUID string) (*Study, error) {
	return r.findOne(ctx, bson.M{"clinic_id": clinicID, "study_instance_uid": studyUID})
}

func (r *studyRepoMongo) ListByPatient(ctx context.Context, clinicID, patientID string, filter StudyFilter) ([]*Study, error) {
	q := bson.M{"clinic_id": clinicID, "patient_id": patientID}
	if filter.Modality != "" {
		q["modality"] = filter.Modality
	}
	if filter.From != nil || filter.To != nil {
		between := bson.M{}
		if filter.From != nil {
			between["$gte"] = *filter.From
		}
		if filter.To != nil {
			between["$lte"] = *filter.To
		}
		q["study_date"] = between
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "study_date", Value: -1}, {Key: "created_at", Value: -1}}).
		SetLimit(int64(filter.limit()))
	cursor, err := r.coll.Find(ctx, q, opts)
	if err != nil {
		return nil, err
	}
	var docs []studyDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	items := make([]*Study, 0, len(docs))
	for i := range docs {
		s, err := r.decode(&docs[i])
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, nil
}

func (r *studyRepoMongo) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": id.String()})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// =========== Patient Repository (Mongo) ===========

type patientDoc struct {
	ID        string     `bson:"_id"`
	MRN       string     `bson:"mrn,omitempty"`
	FirstName string     `bson:"first_name,omitempty"`
	LastName  string     `bson:"last_name,omitempty"`
	BirthDate *time.Time `bson:"birth_date,omitempty"`
	Gender    string     `bson:"gender,omitempty"`
}

type patientRepoMongo struct{ coll *mongo.Collection }

func NewPatientRepoMongo(database *mongo.Database) PatientRepository {
	return &patientRepoMongo{coll: database.Collection(patientsCollection)}
}

func (r *patientRepoMongo) GetCandidate(ctx context.Context, id string) (*CandidateRecord, error) {
	var doc patientDoc
	err := r.coll.FindOne(ctx, bson.M{"$or": []bson.M{{"_id": id}, {"mrn": id}}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c := &CandidateRecord{
		ID:        doc.ID,
		Name:      strings.TrimSpace(doc.FirstName + " " + doc.LastName),
		BirthDate: doc.BirthDate,
		Gender:    doc.Gender,
	}
	if doc.MRN != "" && doc.MRN != doc.ID {
		c.AlternateIDs = []string{doc.MRN}
	}
	return c, nil
}
