package models

import (
	"github.com/sautiworks/linguana_backend/config"
)

// MigrateTable runs AutoMigrate for every entity. Called once at startup
// after the DB connection is established.
func MigrateTable() error {
	db := config.GetDB()
	return db.AutoMigrate(
		&User{},
		&AudioClip{},
		&Annotation{},
		&AnnotationTask{},
		&ConsensusResult{},
		&Reward{},
		&RewardPool{},
		&ChainTransaction{},
		&WithdrawalRequest{},
		&Badge{},
		&UserBadge{},
		&IdempotencyKey{},
		&TaskMessageRecord{},
	)
}
