package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireClipLock serializes consensus evaluation per clip across instances using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same *gorm.DB that will do the consensus transaction.
func AcquireClipLock(tx *gorm.DB, clipId int) error {
	lockName := fmt.Sprintf("clip:%d", clipId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire clip lock for clip_id=%d", clipId)
	}
	return nil
}

func ReleaseClipLock(tx *gorm.DB, clipId int) {
	lockName := fmt.Sprintf("clip:%d", clipId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
