package storage

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"grouparchive/backend/internal/models"
)

// Tx is the transactional view the reconciler runs its check-then-write in.
type Tx interface {
	MessageTombstoned(groupID, messageID int64) (bool, error)
	MessageExists(groupID, messageID int64) (bool, error)
	CreateMessage(msg *models.Message) error
	UpdateMessage(msg *models.Message) error

	AuthorTombstoned(authorID int64) (bool, error)
	AuthorExists(authorID int64) (bool, error)
	CreateAuthor(author *models.Author) error
	UpdateAuthor(author *models.Author) error
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) exists(model interface{}, query string, args ...interface{}) (bool, error) {
	var n int64
	if err := t.db.Model(model).Where(query, args...).Limit(1).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *gormTx) MessageTombstoned(groupID, messageID int64) (bool, error) {
	return t.exists(&models.DeletedMessage{}, "group_id = ? AND message_id = ?", groupID, messageID)
}

func (t *gormTx) MessageExists(groupID, messageID int64) (bool, error) {
	return t.exists(&models.Message{}, "group_id = ? AND message_id = ?", groupID, messageID)
}

// CreateMessage inserts msg. A concurrent insert of the same key from
// another process turns into an update instead of a duplicate.
func (t *gormTx) CreateMessage(msg *models.Message) error {
	return t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}, {Name: "group_id"}},
		UpdateAll: true,
	}).Create(msg).Error
}

// UpdateMessage overwrites every content column of the stored row. The
// reaction aggregate is skipped when msg.KeepReactionCount is set.
func (t *gormTx) UpdateMessage(msg *models.Message) error {
	omit := []string{"created_at"}
	if msg.KeepReactionCount {
		omit = append(omit, "reaction_count")
	}
	return t.db.Model(msg).Select("*").Omit(omit...).Updates(msg).Error
}

func (t *gormTx) AuthorTombstoned(authorID int64) (bool, error) {
	return t.exists(&models.DeletedAuthor{}, "author_id = ?", authorID)
}

func (t *gormTx) AuthorExists(authorID int64) (bool, error) {
	return t.exists(&models.Author{}, "id = ?", authorID)
}

func (t *gormTx) CreateAuthor(author *models.Author) error {
	return t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(author).Error
}

// UpdateAuthor keeps the locally managed photo and delete flag.
func (t *gormTx) UpdateAuthor(author *models.Author) error {
	return t.db.Model(author).Select("*").Omit("created_at", "photo_path", "is_deleted").Updates(author).Error
}
