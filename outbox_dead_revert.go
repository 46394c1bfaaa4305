package main

import (
	"context"

	"github.com/sautiworks/linguana_backend/config"
	"github.com/sautiworks/linguana_backend/models"
	"github.com/sautiworks/linguana_backend/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// compensateOnDead applies the terminal compensation for a task that ran out
// of processing attempts. Reward payouts fall back to a ledger credit and
// withdrawals refund the reserved balance, but only while no transfer was
// broadcast; a pending transaction may still mine, so those rows are left in
// processing for operator replay. Consensus checks need nothing; a later
// annotation re-enqueues them.
func compensateOnDead(ctx context.Context, logger *logrus.Logger, msg config.TaskMessage) {
	if msg.ReferenceId <= 0 {
		return
	}

	db := config.GetDB()
	var err error

	switch models.TaskReferenceType(msg.ReferenceType) {
	case models.TaskReferenceTypeRewardDistribution, models.TaskReferenceTypeRewardSettlement:
		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return workflow.CompensateDeadRewardTask(tx, logger, msg.ReferenceId, "task dead after max attempts")
		})
	case models.TaskReferenceTypeWithdrawalProcess, models.TaskReferenceTypeWithdrawalSettlement:
		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return workflow.CompensateDeadWithdrawalTask(tx, logger, msg.ReferenceId, "task dead after max attempts")
		})
	default:
		return
	}

	if logger == nil {
		return
	}
	fields := logrus.Fields{
		"field":          "OutboxDeadRevert",
		"reference_type": msg.ReferenceType,
		"reference_id":   msg.ReferenceId,
		"correlation_id": msg.CorrelationId,
	}
	if err != nil {
		logger.WithFields(fields).Warn("DEAD task compensation failed: " + err.Error())
		return
	}
	logger.WithFields(fields).Info("DEAD task compensated")
}
