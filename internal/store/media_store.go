package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/clipforge/api/internal/logger"
	"github.com/clipforge/api/internal/model"
)

// MediaStore persists tracked media items.
type MediaStore struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMediaStore(db *gorm.DB, log *logger.Logger) *MediaStore {
	return &MediaStore{db: db, log: log}
}

func (s *MediaStore) Create(ctx context.Context, media *model.Media) error {
	if err := s.db.WithContext(ctx).Create(media).Error; err != nil {
		s.log.Errorw("media_store_create_failed", "mediaId", media.ID, "error", err)
		return err
	}
	return nil
}

func (s *MediaStore) FindByID(ctx context.Context, id string) (*model.Media, error) {
	var media model.Media
	if err := s.db.WithContext(ctx).First(&media, "id = ?", id).Error; err != nil {
		return nil, translateNotFound(err)
	}
	return &media, nil
}

func (s *MediaStore) UpdateByID(ctx context.Context, id string, patch map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&model.Media{}).Where("id = ?", id).Updates(patch)
	if res.Error != nil {
		s.log.Errorw("media_store_update_failed", "mediaId", id, "error", res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
