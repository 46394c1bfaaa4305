package models

import (
	"context"
	"time"

	"github.com/sautiworks/linguana_backend/config"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AudioClip struct {
	ID         int        `gorm:"primary_key" json:"id"`
	Title      string     `gorm:"size:255;not null" json:"title" binding:"required"`
	FileUrl    string     `gorm:"size:500" json:"file_url"`
	Duration   float64    `gorm:"default:0" json:"duration"`
	Dialect    string     `gorm:"size:50;index" json:"dialect"`
	UploaderId int        `gorm:"not null;index" json:"uploader_id"`
	Uploader   *User      `gorm:"foreignKey:UploaderId" json:"uploader,omitempty"`
	Status     ClipStatus `gorm:"type:enum('pending','in_annotation','validated','rejected');default:'pending';index" json:"status"`

	AnnotationCount int `gorm:"not null;default:0" json:"annotation_count"`

	// Consensus outcome. ConsensusReached implies Status == validated and a
	// non-empty FinalTranscription.
	ConsensusReached   bool     `gorm:"not null;default:false;index" json:"consensus_reached"`
	ConsensusScore     *float64 `json:"consensus_score"`
	FinalTranscription *string  `gorm:"type:text" json:"final_transcription"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetClipById(ctx context.Context, id int) (*AudioClip, error) {
	db := config.GetDB()
	var clip AudioClip
	if err := db.WithContext(ctx).Where("id = ?", id).First(&clip).Error; err != nil {
		return nil, err
	}
	return &clip, nil
}

// GetClipByIdForUpdate takes a row lock on the clip inside the caller's
// transaction. Handlers that mutate clip state fetch through this.
func GetClipByIdForUpdate(tx *gorm.DB, id int) (*AudioClip, error) {
	var clip AudioClip
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&clip).Error; err != nil {
		return nil, err
	}
	return &clip, nil
}

// AcceptsAnnotations reports whether new annotations may be submitted.
func (c *AudioClip) AcceptsAnnotations() bool {
	return c.Status == ClipStatusPending || c.Status == ClipStatusInAnnotation
}

// RecountClipAnnotations refreshes AnnotationCount from the annotations table
// inside the caller's transaction and returns the fresh count.
func RecountClipAnnotations(tx *gorm.DB, clipId int) (int, error) {
	var count int64
	if err := tx.Model(&Annotation{}).Where("audio_clip_id = ?", clipId).Count(&count).Error; err != nil {
		return 0, err
	}
	if err := tx.Model(&AudioClip{}).Where("id = ?", clipId).
		Update("annotation_count", count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// MarkClipValidated records the consensus outcome on the clip row.
func MarkClipValidated(tx *gorm.DB, clipId int, finalText string, score float64) error {
	return tx.Model(&AudioClip{}).Where("id = ?", clipId).
		Updates(map[string]interface{}{
			"status":              ClipStatusValidated,
			"consensus_reached":   true,
			"consensus_score":     score,
			"final_transcription": finalText,
		}).Error
}
