package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"grouparchive/backend/internal/models"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("storage: record not found")

// Storage is the persistence collaborator of the sync engine.
type Storage interface {
	// InTx runs fn inside one database transaction.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	UpsertGroup(ctx context.Context, group *models.Group) error
	GetGroup(ctx context.Context, id int64) (*models.Group, error)
	MarkGroupFetched(ctx context.Context, id int64, at time.Time) error

	GetMessage(ctx context.Context, groupID, messageID int64) (*models.Message, error)
	CountMessages(ctx context.Context, groupID int64) (int64, error)

	InsertReactions(ctx context.Context, rows []models.Reaction) (int64, error)
	InsertAttachment(ctx context.Context, att *models.Attachment) error
	ListAttachments(ctx context.Context, groupID, messageID int64) ([]models.Attachment, error)
	ListMediaOwed(ctx context.Context, groupID int64) ([]models.Message, error)

	AppendFetchHistory(ctx context.Context, entry *models.FetchHistoryEntry) error
	ListFetchHistory(ctx context.Context, groupID int64) ([]models.FetchHistoryEntry, error)

	TombstoneMessage(ctx context.Context, groupID, messageID int64, at time.Time) error
	TombstoneAuthor(ctx context.Context, authorID int64, at time.Time) error
	ListDeletedMessages(ctx context.Context, groupID int64) ([]models.DeletedMessage, error)
}

// Service implements Storage on gorm. Redis is optional and only used by the
// lease, activity log and run event helpers.
type Service struct {
	DB    *gorm.DB
	Redis *redis.Client
}

// NewStorageService Constructor
func NewStorageService(db *gorm.DB, rdb *redis.Client) *Service {
	return &Service{
		DB:    db,
		Redis: rdb,
	}
}

// Open connects to postgres or sqlite. For postgres dsn is a key/value DSN,
// for sqlite it is a file path or URI.
func Open(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	var dialector gorm.Dialector
	switch driver {
	case "postgres", "":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// sqlite allows one writer; a single connection avoids SQLITE_BUSY.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// AutoMigrate creates or updates every table the engine uses.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Group{},
		&models.Author{},
		&models.Message{},
		&models.Reaction{},
		&models.Attachment{},
		&models.DeletedMessage{},
		&models.DeletedAuthor{},
		&models.FetchHistoryEntry{},
		&models.AccountActivity{},
	)
}

func (s *Service) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.DB.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&gormTx{db: db})
	})
}

// UpsertGroup inserts the group or refreshes its resolved attributes.
func (s *Service) UpsertGroup(ctx context.Context, group *models.Group) error {
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "handle", "is_public", "updated_at"}),
	}).Create(group).Error
}

func (s *Service) GetGroup(ctx context.Context, id int64) (*models.Group, error) {
	var group models.Group
	err := s.DB.WithContext(ctx).First(&group, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &group, nil
}

func (s *Service) MarkGroupFetched(ctx context.Context, id int64, at time.Time) error {
	return s.DB.WithContext(ctx).Model(&models.Group{}).
		Where("id = ?", id).
		Update("last_fetched_at", at.UTC()).Error
}

func (s *Service) GetMessage(ctx context.Context, groupID, messageID int64) (*models.Message, error) {
	var msg models.Message
	err := s.DB.WithContext(ctx).
		Where("group_id = ? AND message_id = ?", groupID, messageID).
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Service) CountMessages(ctx context.Context, groupID int64) (int64, error) {
	var n int64
	err := s.DB.WithContext(ctx).Model(&models.Message{}).Where("group_id = ?", groupID).Count(&n).Error
	return n, err
}

// InsertReactions appends rows, ignoring ones already stored. It returns
// the number of rows actually written.
func (s *Service) InsertReactions(ctx context.Context, rows []models.Reaction) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	res := s.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
	return res.RowsAffected, res.Error
}

func (s *Service) InsertAttachment(ctx context.Context, att *models.Attachment) error {
	return s.DB.WithContext(ctx).Create(att).Error
}

func (s *Service) ListAttachments(ctx context.Context, groupID, messageID int64) ([]models.Attachment, error) {
	var atts []models.Attachment
	err := s.DB.WithContext(ctx).
		Where("group_id = ? AND message_id = ?", groupID, messageID).
		Order("id asc").
		Find(&atts).Error
	return atts, err
}

// ListMediaOwed returns active media messages of the group that have no
// attachment row, oldest first.
func (s *Service) ListMediaOwed(ctx context.Context, groupID int64) ([]models.Message, error) {
	var msgs []models.Message
	err := s.DB.WithContext(ctx).
		Where("messages.group_id = ? AND messages.has_media = ? AND messages.is_deleted = ?", groupID, true, false).
		Where("NOT EXISTS (SELECT 1 FROM attachments a WHERE a.group_id = messages.group_id AND a.message_id = messages.message_id)").
		Where("NOT EXISTS (SELECT 1 FROM deleted_messages d WHERE d.group_id = messages.group_id AND d.message_id = messages.message_id)").
		Order("messages.sent_at asc, messages.message_id asc").
		Find(&msgs).Error
	return msgs, err
}

func (s *Service) AppendFetchHistory(ctx context.Context, entry *models.FetchHistoryEntry) error {
	return s.DB.WithContext(ctx).Create(entry).Error
}

func (s *Service) ListFetchHistory(ctx context.Context, groupID int64) ([]models.FetchHistoryEntry, error) {
	var entries []models.FetchHistoryEntry
	err := s.DB.WithContext(ctx).Where("group_id = ?", groupID).Order("completed_at asc, id asc").Find(&entries).Error
	return entries, err
}

// TombstoneMessage records a user-initiated delete and flags the stored row.
// Repeated calls keep the first deletion time.
func (s *Service) TombstoneMessage(ctx context.Context, groupID, messageID int64, at time.Time) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tomb := models.DeletedMessage{MessageID: messageID, GroupID: groupID, DeletedAt: at.UTC()}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&tomb).Error; err != nil {
			return err
		}
		return tx.Model(&models.Message{}).
			Where("group_id = ? AND message_id = ?", groupID, messageID).
			Update("is_deleted", true).Error
	})
}

func (s *Service) TombstoneAuthor(ctx context.Context, authorID int64, at time.Time) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tomb := models.DeletedAuthor{AuthorID: authorID, DeletedAt: at.UTC()}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&tomb).Error; err != nil {
			return err
		}
		return tx.Model(&models.Author{}).Where("id = ?", authorID).Update("is_deleted", true).Error
	})
}

func (s *Service) ListDeletedMessages(ctx context.Context, groupID int64) ([]models.DeletedMessage, error) {
	var tombs []models.DeletedMessage
	err := s.DB.WithContext(ctx).Where("group_id = ?", groupID).Order("message_id asc").Find(&tombs).Error
	return tombs, err
}
