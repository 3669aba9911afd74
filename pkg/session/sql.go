package session

import (
	"context"
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	apperrors "github.com/kagent-dev/codegen/pkg/errors"
	"github.com/kagent-dev/codegen/pkg/keylock"
)

type sessionRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (sessionRecord) TableName() string { return "sessions" }

type messageRecord struct {
	ID        uint   `gorm:"primaryKey"`
	SessionID string `gorm:"size:64;not null;index:idx_messages_session_seq,unique"`
	Seq       int    `gorm:"not null;index:idx_messages_session_seq,unique"`
	Role      string `gorm:"size:16;not null"`
	Text      string `gorm:"type:text"`
	CreatedAt time.Time
}

func (messageRecord) TableName() string { return "messages" }

// SQLStore persists sessions through gorm. Appends run in a transaction
// while holding the session's key lock.
type SQLStore struct {
	db    *gorm.DB
	locks *keylock.KeyedMutex
}

// OpenSQLite opens (or creates) a sqlite database at dsn.
func OpenSQLite(dsn string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeConfig, "failed to open sqlite session store", err)
	}
	// sqlite allows one writer; a single connection avoids SQLITE_BUSY.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	return NewSQLStore(db)
}

// OpenPostgres connects to a postgres database using dsn.
func OpenPostgres(dsn string) (*SQLStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeConfig, "failed to open postgres session store", err)
	}
	return NewSQLStore(db)
}

// NewSQLStore creates a new SQLStore and migrates its tables
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&sessionRecord{}, &messageRecord{}); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeConfig, "failed to migrate session tables", err)
	}
	return &SQLStore{db: db, locks: keylock.New()}, nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLStore) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeSessionGet, "failed to lock session", err)
	}
	defer unlock()

	now := time.Now().UTC()
	rec := sessionRecord{ID: id, CreatedAt: now, UpdatedAt: now}
	if err := s.db.WithContext(ctx).Where(sessionRecord{ID: id}).FirstOrCreate(&rec).Error; err != nil {
		return nil, apperrors.New(apperrors.ErrCodeSessionGet, "failed to load or create session", err)
	}
	return s.load(ctx, rec)
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Session, error) {
	var rec sessionRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeSessionGet, "failed to load session", err)
	}
	return s.load(ctx, rec)
}

func (s *SQLStore) load(ctx context.Context, rec sessionRecord) (*Session, error) {
	msgs, err := s.messages(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	return &Session{ID: rec.ID, Messages: msgs, CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt}, nil
}

func (s *SQLStore) messages(ctx context.Context, id string) ([]Message, error) {
	var rows []messageRecord
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", id).
		Order("seq ASC").
		Find(&rows).Error; err != nil {
		return nil, apperrors.New(apperrors.ErrCodeSessionGet, "failed to load session history", err)
	}

	msgs := make([]Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, Message{Role: Role(r.Role), Text: r.Text, CreatedAt: r.CreatedAt})
	}
	return msgs, nil
}

func (s *SQLStore) Append(ctx context.Context, id string, msgs ...Message) error {
	if id == "" {
		return apperrors.New(apperrors.ErrCodeMissingField, "session id is required", nil)
	}

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeSessionAppend, "failed to lock session", err)
	}
	defer unlock()

	now := time.Now().UTC()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := sessionRecord{ID: id, CreatedAt: now}
		if err := tx.Where(sessionRecord{ID: id}).FirstOrCreate(&rec).Error; err != nil {
			return err
		}

		var next int
		if err := tx.Model(&messageRecord{}).
			Where("session_id = ?", id).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&next).Error; err != nil {
			return err
		}

		for _, msg := range msgs {
			next++
			created := msg.CreatedAt
			if created.IsZero() {
				created = now
			}
			row := messageRecord{SessionID: id, Seq: next, Role: string(msg.Role), Text: msg.Text, CreatedAt: created}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}

		return tx.Model(&sessionRecord{}).Where("id = ?", id).Update("updated_at", now).Error
	})
	if err != nil {
		return apperrors.New(apperrors.ErrCodeSessionAppend, "failed to append messages", err)
	}
	return nil
}

func (s *SQLStore) History(ctx context.Context, id string) ([]Message, error) {
	return s.messages(ctx, id)
}

func (s *SQLStore) Evict(ctx context.Context, id string) error {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeSessionDelete, "failed to lock session", err)
	}
	defer unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&messageRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&sessionRecord{}).Error
	})
	if err != nil {
		return apperrors.New(apperrors.ErrCodeSessionDelete, "failed to delete session", err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&sessionRecord{}).Order("id ASC").Pluck("id", &ids).Error; err != nil {
		return nil, apperrors.New(apperrors.ErrCodeSessionGet, "failed to list sessions", err)
	}
	return ids, nil
}
