package models

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sautiworks/linguana_backend/config"
	"github.com/sautiworks/linguana_backend/utils"
	"gorm.io/gorm"
)

// TaskMessageRecord implements the transactional outbox: rows are written
// inside the caller's DB transaction and published to Pub/Sub asynchronously
// by the outbox dispatcher after commit. The worker side tracks its own
// attempt count and backoff schedule on the same row.
type TaskMessageRecord struct {
	ID            int               `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	ReferenceType TaskReferenceType `gorm:"type:enum('CC','RD','RS','WP','WS');not null;index" json:"reference_type"`
	ReferenceId   int               `gorm:"not null;index" json:"reference_id"`
	ClipId        int               `gorm:"index" json:"clip_id"`
	IsProcessed   bool              `gorm:"index;not null" json:"is_processed"`

	// Publish metadata (dispatcher side).
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`

	// Processing metadata (worker side).
	ProcessingStatus     OutboxProcessStatus `gorm:"size:20;index;not null;default:'PENDING'" json:"processing_status"`
	ProcessAttempts      int                 `gorm:"not null;default:0" json:"process_attempts"`
	NextProcessAttemptAt *time.Time          `gorm:"index" json:"next_process_attempt_at"`
	LastProcessError     *string             `gorm:"type:text" json:"last_process_error"`
	ProcessedAt          *time.Time          `gorm:"index" json:"processed_at"`

	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func ConvertToTaskMessage(record TaskMessageRecord) config.TaskMessage {
	return config.TaskMessage{
		ID:            record.ID,
		ReferenceType: string(record.ReferenceType),
		ReferenceId:   record.ReferenceId,
		ClipId:        record.ClipId,
		EnqueuedAt:    record.CreatedAt,
		CorrelationId: record.CorrelationId,
	}
}

// EnqueueTask writes an outbox row inside the caller's transaction. It does
// NOT publish; the dispatcher picks the row up after commit.
func EnqueueTask(ctx context.Context, tx *gorm.DB, refType TaskReferenceType, refId int, clipId int) error {
	record := TaskMessageRecord{
		ReferenceType:    refType,
		ReferenceId:      refId,
		ClipId:           clipId,
		IsProcessed:      false,
		PublishStatus:    OutboxPublishStatusPending,
		ProcessingStatus: OutboxProcessStatusPending,
		CorrelationId:    correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// ReprocessOutbox resets stuck or DEAD rows for one reference so the
// dispatcher and worker pick them up again. Ops tooling only.
func ReprocessOutbox(ctx context.Context, referenceType TaskReferenceType, referenceId int) (int64, error) {
	now := time.Now().UTC()
	db := config.GetDB()

	res := db.WithContext(ctx).
		Model(&TaskMessageRecord{}).
		Where("reference_type = ? AND reference_id = ? AND is_processed = 0", referenceType, referenceId).
		Updates(map[string]interface{}{
			"locked_at":               nil,
			"locked_by":               nil,
			"publish_status":          OutboxPublishStatusPending,
			"next_attempt_at":         nil,
			"processing_status":       OutboxProcessStatusPending,
			"next_process_attempt_at": &now,
			"last_process_error":      nil,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, gorm.ErrRecordNotFound
	}
	return res.RowsAffected, nil
}
