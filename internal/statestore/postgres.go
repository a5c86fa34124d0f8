package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/catalystcommunity/app-utils-go/env"
	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/jackc/pgx/v4/log/logrusadapter"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// record is the single table shape backing every collection: a flat
// (collection, key) primary key with the document stored as JSONB,
// grounded on the teacher's models.JSONB Value/Scan pair.
type record struct {
	Collection string    `gorm:"primaryKey;column:collection;type:text"`
	Key        string    `gorm:"primaryKey;column:key;type:text"`
	Doc        docJSONB  `gorm:"column:doc;type:jsonb"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (record) TableName() string { return "state_documents" }

// docJSONB reuses the teacher's JSONB Value/Scan pattern but stores a raw
// document instead of a decoded map, since StateStore is schema-agnostic.
type docJSONB json.RawMessage

func (d docJSONB) Value() (interface{}, error) {
	if len(d) == 0 {
		return nil, nil
	}
	return []byte(d), nil
}

func (d *docJSONB) Scan(value interface{}) error {
	if value == nil {
		*d = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*d = append([]byte(nil), v...)
		return nil
	case string:
		*d = []byte(v)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into docJSONB", value)
	}
}

// Postgres is the durable StateStore backend, grounded on the teacher's
// postgres_store.PostgresDbStore connection setup (gorm over pgx, retried
// connect, logrus-adapted query logging).
type Postgres struct {
	db *gorm.DB
}

// NewPostgres connects to uri, retrying per DB_CONNECT_MAX_RETRIES /
// DB_CONNECT_RETRY_INTERVAL_SECONDS, and ensures the backing table exists.
func NewPostgres(uri string) (*Postgres, error) {
	maxRetries := env.GetEnvAsIntOrDefault("DB_CONNECT_MAX_RETRIES", "30")
	retryInterval := time.Duration(env.GetEnvAsIntOrDefault("DB_CONNECT_RETRY_INTERVAL_SECONDS", "2")) * time.Second

	pgxCfg, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, err
	}
	logrusLogger := &logrus.Logger{
		Out:       logging.Log.Out,
		Formatter: new(logrus.JSONFormatter),
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.ErrorLevel,
	}
	pgxCfg.ConnConfig.Logger = logrusadapter.NewLogger(logrusLogger)

	var db *gorm.DB
	for attempt := 1; attempt <= maxRetries; attempt++ {
		db, err = gorm.Open(postgres.Open(uri), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		})
		if err == nil {
			break
		}
		logging.Log.WithField("attempt", attempt).WithError(err).Warn("statestore: postgres connect failed, retrying")
		time.Sleep(retryInterval)
	}
	if err != nil {
		return nil, fmt.Errorf("statestore: postgres connect exhausted retries: %w", err)
	}

	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, fmt.Errorf("statestore: automigrate failed: %w", err)
	}

	return &Postgres{db: db}, nil
}

func (p *Postgres) Upsert(ctx context.Context, collection, key string, doc json.RawMessage) error {
	rec := record{Collection: collection, Key: key, Doc: docJSONB(doc), UpdatedAt: time.Now().UTC()}
	return p.db.WithContext(ctx).
		Where("collection = ? AND key = ?", collection, key).
		Assign(rec).
		FirstOrCreate(&record{}).Error
}

func (p *Postgres) GetAll(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	var recs []record
	if err := p.db.WithContext(ctx).Where("collection = ?", collection).Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(recs))
	for _, r := range recs {
		out[r.Key] = json.RawMessage(r.Doc)
	}
	return out, nil
}

func (p *Postgres) Delete(ctx context.Context, collection, key string) error {
	return p.db.WithContext(ctx).Where("collection = ? AND key = ?", collection, key).Delete(&record{}).Error
}

var _ StateStore = (*Postgres)(nil)
