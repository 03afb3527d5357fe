package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/ehr/imaging/internal/config"
	"github.com/ehr/imaging/internal/domain/imaging"
	"github.com/ehr/imaging/internal/platform/blobstore"
	"github.com/ehr/imaging/internal/platform/db"
)

// metadataStore is the opened metadata backend. pool is nil for mongo.
type metadataStore struct {
	studies  imaging.StudyRepository
	patients imaging.PatientRepository
	pool     *pgxpool.Pool
	checks   []db.Check
	close    func()
}

func openMetadata(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*metadataStore, error) {
	switch cfg.MetadataBackend {
	case config.BackendMongo:
		return openMongo(ctx, cfg, logger)
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to database")
		return &metadataStore{
			studies:  imaging.NewStudyRepoPG(pool),
			patients: imaging.NewPatientRepoPG(pool),
			pool:     pool,
			checks:   []db.Check{db.PoolCheck(pool)},
			close:    pool.Close,
		}, nil
	}
}

func openMongo(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*metadataStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	database := client.Database(cfg.MongoDB)
	if err := imaging.EnsureIndexes(connectCtx, database); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	logger.Info().Str("database", cfg.MongoDB).Msg("connected to mongo")

	return &metadataStore{
		studies:  imaging.NewStudyRepoMongo(database),
		patients: imaging.NewPatientRepoMongo(database),
		checks: []db.Check{{
			Name: "mongo",
			Ping: func(ctx context.Context) error { return client.Ping(ctx, readpref.Primary()) },
		}},
		close: func() { _ = client.Disconnect(context.Background()) },
	}, nil
}

func openBlobStore(ctx context.Context, cfg *config.Config) (blobstore.Store, func(), error) {
	switch cfg.BlobBackend {
	case config.BlobBolt:
		s, err := blobstore.OpenBoltStore(cfg.BlobBoltPath, cfg.BlobPublicBaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.BlobGCS:
		s, err := blobstore.NewGCSStore(ctx, cfg.GCSBucket, cfg.BlobPublicBaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return blobstore.NewMemoryStore(cfg.BlobPublicBaseURL), func() {}, nil
	}
}
