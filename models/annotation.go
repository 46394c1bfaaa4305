package models

import (
	"context"
	"errors"
	"time"

	"github.com/sautiworks/linguana_backend/config"
	"github.com/sautiworks/linguana_backend/utils"
	"gorm.io/gorm"
)

const annotationModuleName = "models/annotation"

type Annotation struct {
	ID                int        `gorm:"primary_key" json:"id"`
	AudioClipId       int        `gorm:"not null;index;index:uniq_clip_annotator,unique" json:"audio_clip_id"`
	AudioClip         *AudioClip `gorm:"foreignKey:AudioClipId" json:"audio_clip,omitempty"`
	AnnotatorId       int        `gorm:"not null;index;index:uniq_clip_annotator,unique" json:"annotator_id"`
	Annotator         *User      `gorm:"foreignKey:AnnotatorId" json:"annotator,omitempty"`
	TranscriptionText string     `gorm:"type:text;not null" json:"transcription_text"`

	Validated              bool               `gorm:"not null;default:false;index" json:"validated"`
	IsConsensusContributor bool               `gorm:"not null;default:false" json:"is_consensus_contributor"`
	QualityRating          *AnnotationQuality `gorm:"type:enum('excellent','good','fair','poor')" json:"quality_rating"`
	TimeSpentSeconds       int                `gorm:"not null;default:0" json:"time_spent_seconds"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// AnnotationTask is the assignment queue row fanned out per clip so the
// next-task endpoint can hand a contributor something they have not seen.
type AnnotationTask struct {
	ID          int                  `gorm:"primary_key" json:"id"`
	AudioClipId int                  `gorm:"not null;index" json:"audio_clip_id"`
	AudioClip   *AudioClip           `gorm:"foreignKey:AudioClipId" json:"audio_clip,omitempty"`
	AssigneeId  *int                 `gorm:"index" json:"assignee_id"`
	Status      AnnotationTaskStatus `gorm:"type:enum('pending','assigned','completed','skipped');default:'pending';index" json:"status"`
	AssignedAt  *time.Time           `json:"assigned_at"`
	CompletedAt *time.Time           `json:"completed_at"`
	CreatedAt   time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

type CreateAnnotationInput struct {
	AudioClipId       int    `json:"audio_clip_id" binding:"required"`
	TranscriptionText string `json:"transcription_text" binding:"required"`
	TimeSpentSeconds  int    `json:"time_spent_seconds"`
}

// CreateAnnotation records one contributor's transcription of a clip and
// enqueues a consensus check once enough independent annotations exist. The
// per-clip redis lock keeps concurrent submissions from racing the count.
func CreateAnnotation(ctx context.Context, annotatorId int, input CreateAnnotationInput) (*Annotation, error) {
	logger := config.GetLogger()
	functionName := "CreateAnnotation"

	lock, err := utils.ClipLock(ctx, input.AudioClipId, annotationModuleName, functionName)
	if err != nil {
		return nil, err
	}
	defer lock.Release(context.Background())

	db := config.GetDB()
	policy := config.GetRewardPolicy()

	var created Annotation
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		clip, err := GetClipByIdForUpdate(tx, input.AudioClipId)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}
		if !clip.AcceptsAnnotations() {
			return ErrClipNotAnnotatable
		}
		if clip.UploaderId == annotatorId {
			return ErrOwnClip
		}

		var existing int64
		if err := tx.Model(&Annotation{}).
			Where("audio_clip_id = ? AND annotator_id = ?", input.AudioClipId, annotatorId).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrDuplicateAnnotation
		}

		created = Annotation{
			AudioClipId:       input.AudioClipId,
			AnnotatorId:       annotatorId,
			TranscriptionText: input.TranscriptionText,
			TimeSpentSeconds:  input.TimeSpentSeconds,
		}
		if err := tx.Create(&created).Error; err != nil {
			return err
		}

		count, err := RecountClipAnnotations(tx, input.AudioClipId)
		if err != nil {
			return err
		}
		if clip.Status == ClipStatusPending {
			if err := tx.Model(&AudioClip{}).Where("id = ?", clip.ID).
				Update("status", ClipStatusInAnnotation).Error; err != nil {
				return err
			}
		}

		if err := completeAssignedTask(tx, input.AudioClipId, annotatorId); err != nil {
			return err
		}
		if err := AddUserPoints(tx, annotatorId, 5); err != nil {
			return err
		}
		if err := UpdateUserStreak(tx, annotatorId, time.Now()); err != nil {
			return err
		}

		if count >= policy.RequiredAnnotations {
			if err := EnqueueTask(ctx, tx, TaskReferenceTypeConsensusCheck, clip.ID, clip.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		config.LogError(logger, annotationModuleName, functionName, "Failed to create annotation", input, err)
		return nil, err
	}
	return &created, nil
}

func completeAssignedTask(tx *gorm.DB, clipId int, annotatorId int) error {
	now := time.Now().UTC()
	return tx.Model(&AnnotationTask{}).
		Where("audio_clip_id = ? AND assignee_id = ? AND status = ?", clipId, annotatorId, AnnotationTaskStatusAssigned).
		Updates(map[string]interface{}{
			"status":       AnnotationTaskStatusCompleted,
			"completed_at": &now,
		}).Error
}

// NextAnnotationTask assigns the oldest available clip the user has neither
// uploaded nor already annotated. Returns ErrorRecordNotFound when the queue
// has nothing for them.
func NextAnnotationTask(ctx context.Context, userId int) (*AnnotationTask, error) {
	db := config.GetDB()
	var task AnnotationTask

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subAnnotated := tx.Model(&Annotation{}).
			Select("audio_clip_id").
			Where("annotator_id = ?", userId)

		err := tx.
			Joins("JOIN audio_clips ON audio_clips.id = annotation_tasks.audio_clip_id").
			Where("annotation_tasks.status = ?", AnnotationTaskStatusPending).
			Where("audio_clips.uploader_id <> ?", userId).
			Where("audio_clips.status IN ?", []ClipStatus{ClipStatusPending, ClipStatusInAnnotation}).
			Where("annotation_tasks.audio_clip_id NOT IN (?)", subAnnotated).
			Order("annotation_tasks.created_at ASC, annotation_tasks.id ASC").
			First(&task).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}

		now := time.Now().UTC()
		res := tx.Model(&AnnotationTask{}).
			Where("id = ? AND status = ?", task.ID, AnnotationTaskStatusPending).
			Updates(map[string]interface{}{
				"status":      AnnotationTaskStatusAssigned,
				"assignee_id": userId,
				"assigned_at": &now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race for this row; caller can simply retry.
			return utils.ErrorRecordNotFound
		}
		task.Status = AnnotationTaskStatusAssigned
		task.AssigneeId = &userId
		task.AssignedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	var clip AudioClip
	if err := db.WithContext(ctx).Where("id = ?", task.AudioClipId).First(&clip).Error; err == nil {
		task.AudioClip = &clip
	}
	return &task, nil
}

// GetAnnotationsForConsensus returns a clip's annotations in deterministic
// submission order. The consensus engine's tie break depends on this ordering.
func GetAnnotationsForConsensus(tx *gorm.DB, clipId int) ([]Annotation, error) {
	var annotations []Annotation
	err := tx.Where("audio_clip_id = ?", clipId).
		Order("created_at ASC, id ASC").
		Find(&annotations).Error
	return annotations, err
}

// MarkConsensusContributors flips validation flags on a clip's annotations
// after acceptance. Contributing annotation ids get the extra contributor bit.
func MarkConsensusContributors(tx *gorm.DB, clipId int, contributingIds []int) error {
	if err := tx.Model(&Annotation{}).
		Where("audio_clip_id = ?", clipId).
		Update("validated", true).Error; err != nil {
		return err
	}
	if len(contributingIds) == 0 {
		return nil
	}
	return tx.Model(&Annotation{}).
		Where("audio_clip_id = ? AND id IN ?", clipId, contributingIds).
		Update("is_consensus_contributor", true).Error
}
