package workflow

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/sautiworks/linguana_backend/chain"
	"github.com/sautiworks/linguana_backend/config"
	"github.com/sautiworks/linguana_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	handlerRewardSettlement     = "RewardSettlement"
	handlerWithdrawalSettlement = "WithdrawalSettlement"
)

// ErrReceiptPending signals the transaction is not mined yet. The processing
// retry machinery re-queues the task with backoff; attempts exhausted moves
// the task to DEAD and compensation takes over.
var ErrReceiptPending = errors.New("chain receipt still pending")

// ProcessRewardSettlement confirms or reverts a submitted reward payout.
// Receipt polling happens outside any transaction.
func ProcessRewardSettlement(ctx context.Context, db *gorm.DB, logger *logrus.Logger,
	msg config.TaskMessage, gateway chain.Gateway) error {

	messageId := strconv.Itoa(msg.ID)

	var (
		reward *models.Reward
		done   bool
	)
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		skip, err := BeginIdempotency(tx, handlerRewardSettlement, messageId)
		if err != nil {
			return err
		}
		if skip {
			done = true
			return nil
		}
		reward, err = models.GetRewardByIdForUpdate(tx, msg.ReferenceId)
		if err != nil {
			return err
		}
		if reward.Released {
			done = true
			return MarkIdempotencySucceeded(tx, handlerRewardSettlement, messageId)
		}
		if reward.TxHash == nil {
			// Nothing was ever submitted; settle by fallback credit.
			if err := ApplyRewardFallbackCredit(tx, reward.ID, "settlement without transaction hash"); err != nil {
				return err
			}
			done = true
			return MarkIdempotencySucceeded(tx, handlerRewardSettlement, messageId)
		}
		return nil
	})
	if err != nil || done {
		return err
	}

	receipt, receiptErr := gatewayReceipt(ctx, gateway, *reward.TxHash)
	if receiptErr != nil || receipt == nil {
		retryErr := receiptErr
		if retryErr == nil {
			retryErr = ErrReceiptPending
		}
		// The marker must commit on its own. Written inside the finalize
		// transaction, the returned error would roll it back and leave the
		// key STARTED, blocking every retry inside the reclaim window.
		if err := markSettlementRetry(ctx, db, handlerRewardSettlement, messageId, retryErr); err != nil {
			return err
		}
		return retryErr
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh, err := models.GetRewardByIdForUpdate(tx, reward.ID)
		if err != nil {
			return err
		}
		if fresh.Released {
			return MarkIdempotencySucceeded(tx, handlerRewardSettlement, messageId)
		}

		audit := &models.ChainTransaction{
			Kind:        models.ChainTransactionKindRewardPayout,
			ReferenceId: fresh.ID,
			TxHash:      receipt.TxHash,
			Amount:      fresh.Amount,
			GasUsed:     receipt.GasUsed,
			BlockNumber: receipt.BlockNumber,
			Confirmed:   receipt.Success,
		}
		if err := models.AppendChainTransaction(tx, audit); err != nil {
			return err
		}

		if !receipt.Success {
			logger.WithFields(logrus.Fields{
				"reward_id":      fresh.ID,
				"tx_hash":        receipt.TxHash,
				"correlation_id": msg.CorrelationId,
			}).Warn("reward payout reverted on chain, applying ledger fallback")
			if err := ApplyRewardFallbackCredit(tx, fresh.ID, "on-chain transfer reverted"); err != nil {
				return err
			}
			return MarkIdempotencySucceeded(tx, handlerRewardSettlement, messageId)
		}

		if err := models.BumpUserEarnings(tx, fresh.RecipientId, fresh.Amount); err != nil {
			return err
		}
		if err := models.ReleaseReward(tx, fresh.ID, models.RewardStatusCompleted, fresh.TxHash, nil); err != nil {
			return err
		}
		return MarkIdempotencySucceeded(tx, handlerRewardSettlement, messageId)
	})
}

// ProcessWithdrawalSettlement confirms or reverts a submitted withdrawal. The
// balance was reserved at processing start; confirmation makes the debit
// permanent, failure refunds it.
func ProcessWithdrawalSettlement(ctx context.Context, db *gorm.DB, logger *logrus.Logger,
	msg config.TaskMessage, gateway chain.Gateway) error {

	messageId := strconv.Itoa(msg.ID)

	var (
		withdrawal *models.WithdrawalRequest
		done       bool
	)
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		skip, err := BeginIdempotency(tx, handlerWithdrawalSettlement, messageId)
		if err != nil {
			return err
		}
		if skip {
			done = true
			return nil
		}
		withdrawal, err = models.GetWithdrawalByIdForUpdate(tx, msg.ReferenceId)
		if err != nil {
			return err
		}
		if withdrawal.Status == models.WithdrawalStatusCompleted || withdrawal.Status == models.WithdrawalStatusFailed {
			done = true
			return MarkIdempotencySucceeded(tx, handlerWithdrawalSettlement, messageId)
		}
		if withdrawal.TxHash == nil {
			if err := ApplyWithdrawalRefund(tx, withdrawal.ID, "settlement without transaction hash"); err != nil {
				return err
			}
			done = true
			return MarkIdempotencySucceeded(tx, handlerWithdrawalSettlement, messageId)
		}
		return nil
	})
	if err != nil || done {
		return err
	}

	receipt, receiptErr := gatewayReceipt(ctx, gateway, *withdrawal.TxHash)
	if receiptErr != nil || receipt == nil {
		retryErr := receiptErr
		if retryErr == nil {
			retryErr = ErrReceiptPending
		}
		if err := markSettlementRetry(ctx, db, handlerWithdrawalSettlement, messageId, retryErr); err != nil {
			return err
		}
		return retryErr
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh, err := models.GetWithdrawalByIdForUpdate(tx, withdrawal.ID)
		if err != nil {
			return err
		}
		if fresh.Status == models.WithdrawalStatusCompleted || fresh.Status == models.WithdrawalStatusFailed {
			return MarkIdempotencySucceeded(tx, handlerWithdrawalSettlement, messageId)
		}

		audit := &models.ChainTransaction{
			Kind:        models.ChainTransactionKindWithdrawal,
			ReferenceId: fresh.ID,
			TxHash:      receipt.TxHash,
			ToAddress:   fresh.DestinationAddress,
			Amount:      fresh.Amount,
			GasUsed:     receipt.GasUsed,
			BlockNumber: receipt.BlockNumber,
			Confirmed:   receipt.Success,
		}
		if err := models.AppendChainTransaction(tx, audit); err != nil {
			return err
		}

		if !receipt.Success {
			logger.WithFields(logrus.Fields{
				"withdrawal_id":  fresh.ID,
				"tx_hash":        receipt.TxHash,
				"correlation_id": msg.CorrelationId,
			}).Warn("withdrawal reverted on chain, refunding reserved balance")
			if err := ApplyWithdrawalRefund(tx, fresh.ID, "on-chain transfer reverted"); err != nil {
				return err
			}
			return MarkIdempotencySucceeded(tx, handlerWithdrawalSettlement, messageId)
		}

		now := time.Now().UTC()
		if err := tx.Model(&models.WithdrawalRequest{}).Where("id = ?", fresh.ID).
			Updates(map[string]interface{}{
				"status":       models.WithdrawalStatusCompleted,
				"completed_at": &now,
			}).Error; err != nil {
			return err
		}
		return MarkIdempotencySucceeded(tx, handlerWithdrawalSettlement, messageId)
	})
}

// ApplyWithdrawalRefund fails a withdrawal and returns the reserved amount to
// the user's balance. The balance_reserved flag guards against double refund.
func ApplyWithdrawalRefund(tx *gorm.DB, withdrawalId int, reason string) error {
	withdrawal, err := models.GetWithdrawalByIdForUpdate(tx, withdrawalId)
	if err != nil {
		return err
	}
	if withdrawal.Status == models.WithdrawalStatusCompleted || withdrawal.Status == models.WithdrawalStatusFailed {
		return nil
	}
	if withdrawal.BalanceReserved {
		if err := models.RefundUserBalance(tx, withdrawal.UserId, withdrawal.Amount); err != nil {
			return err
		}
	}
	return tx.Model(&models.WithdrawalRequest{}).Where("id = ?", withdrawalId).
		Updates(map[string]interface{}{
			"status":           models.WithdrawalStatusFailed,
			"balance_reserved": false,
			"error_message":    &reason,
		}).Error
}

func gatewayReceipt(ctx context.Context, gateway chain.Gateway, txHash string) (*chain.Receipt, error) {
	if gateway == nil {
		return nil, chain.ErrNotConfigured
	}
	return gateway.Receipt(ctx, txHash)
}

// markSettlementRetry records the retryable outcome in its own committed
// transaction so the next delivery can begin fresh instead of hitting
// ErrIdempotencyInProgress.
func markSettlementRetry(ctx context.Context, db *gorm.DB, handlerName, messageId string, cause error) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return MarkIdempotencyFailed(tx, handlerName, messageId, cause)
	})
}

// CompensateDeadRewardTask settles a reward whose task ran out of processing
// attempts. A reward with a broadcast transfer is left alone: the transaction
// may still mine, so a ledger credit here could pay the recipient twice. Those
// rows stay processing for operator replay.
func CompensateDeadRewardTask(tx *gorm.DB, logger *logrus.Logger, rewardId int, reason string) error {
	reward, err := models.GetRewardByIdForUpdate(tx, rewardId)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if reward.Released {
		return nil
	}
	if reward.TxHash != nil {
		logger.WithFields(logrus.Fields{
			"reward_id": reward.ID,
			"tx_hash":   *reward.TxHash,
		}).Warn("dead reward task has a broadcast transfer, leaving for operator replay")
		return nil
	}
	return ApplyRewardFallbackCredit(tx, rewardId, reason)
}

// CompensateDeadWithdrawalTask refunds a withdrawal whose task died before
// any transfer was broadcast. With a transaction hash present the refund is
// skipped for the same double-pay reason.
func CompensateDeadWithdrawalTask(tx *gorm.DB, logger *logrus.Logger, withdrawalId int, reason string) error {
	withdrawal, err := models.GetWithdrawalByIdForUpdate(tx, withdrawalId)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if withdrawal.Status == models.WithdrawalStatusCompleted || withdrawal.Status == models.WithdrawalStatusFailed {
		return nil
	}
	if withdrawal.TxHash != nil {
		logger.WithFields(logrus.Fields{
			"withdrawal_id": withdrawal.ID,
			"tx_hash":       *withdrawal.TxHash,
		}).Warn("dead withdrawal task has a broadcast transfer, leaving for operator replay")
		return nil
	}
	return ApplyWithdrawalRefund(tx, withdrawalId, reason)
}
