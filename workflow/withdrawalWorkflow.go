package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/sautiworks/linguana_backend/chain"
	"github.com/sautiworks/linguana_backend/config"
	"github.com/sautiworks/linguana_backend/models"
	"github.com/sautiworks/linguana_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const withdrawalWorkflowModuleName = "workflow/withdrawalWorkflow"

const handlerWithdrawalProcess = "WithdrawalProcess"

// ProcessWithdrawalProcess takes an approved withdrawal on-chain. The amount
// is reserved (debited) up front; a failed submission refunds it immediately,
// a submitted transfer is finalized by the settlement handler.
func ProcessWithdrawalProcess(ctx context.Context, db *gorm.DB, logger *logrus.Logger,
	msg config.TaskMessage, gateway chain.Gateway) error {

	functionName := "ProcessWithdrawalProcess"
	messageId := strconv.Itoa(msg.ID)

	var (
		withdrawal *models.WithdrawalRequest
		done       bool
	)
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		skip, err := BeginIdempotency(tx, handlerWithdrawalProcess, messageId)
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

		switch withdrawal.Status {
		case models.WithdrawalStatusApproved:
			// Fall through to reservation below.
		case models.WithdrawalStatusProcessing:
			if withdrawal.TxHash != nil {
				// Resumed after a crash between submission and settlement
				// enqueue; just re-enqueue settlement.
				done = true
				return enqueueWithdrawalSettlement(tx, msg, withdrawal.ID)
			}
		default:
			logger.WithFields(logrus.Fields{
				"withdrawal_id":  withdrawal.ID,
				"status":         withdrawal.Status,
				"correlation_id": msg.CorrelationId,
			}).Warn("withdrawal process task for non-approved request, dropping")
			done = true
			return MarkIdempotencySucceeded(tx, handlerWithdrawalProcess, messageId)
		}

		if gateway == nil {
			reason := chain.ErrNotConfigured.Error()
			if err := tx.Model(&models.WithdrawalRequest{}).Where("id = ?", withdrawal.ID).
				Updates(map[string]interface{}{
					"status":        models.WithdrawalStatusFailed,
					"error_message": &reason,
				}).Error; err != nil {
				return err
			}
			done = true
			return MarkIdempotencySucceeded(tx, handlerWithdrawalProcess, messageId)
		}

		if !withdrawal.BalanceReserved {
			if err := models.DebitUserBalance(tx, withdrawal.UserId, withdrawal.Amount); err != nil {
				if errors.Is(err, models.ErrInsufficientBalance) {
					reason := err.Error()
					if updErr := tx.Model(&models.WithdrawalRequest{}).Where("id = ?", withdrawal.ID).
						Updates(map[string]interface{}{
							"status":        models.WithdrawalStatusFailed,
							"error_message": &reason,
						}).Error; updErr != nil {
						return updErr
					}
					done = true
					return MarkIdempotencySucceeded(tx, handlerWithdrawalProcess, messageId)
				}
				return err
			}
		}
		return tx.Model(&models.WithdrawalRequest{}).Where("id = ?", withdrawal.ID).
			Updates(map[string]interface{}{
				"status":           models.WithdrawalStatusProcessing,
				"balance_reserved": true,
			}).Error
	})
	if err != nil || done {
		return err
	}

	// Chain I/O with no locks held.
	txHash, transferErr := gateway.Transfer(ctx, withdrawal.DestinationAddress, withdrawal.Amount)

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if transferErr != nil {
			config.LogError(logger, withdrawalWorkflowModuleName, functionName, "Withdrawal transfer submission failed", withdrawal.ID, transferErr)
			if err := ApplyWithdrawalRefund(tx, withdrawal.ID, fmt.Sprintf("transfer submission failed: %v", transferErr)); err != nil {
				return err
			}
			return MarkIdempotencySucceeded(tx, handlerWithdrawalProcess, messageId)
		}

		if err := tx.Model(&models.WithdrawalRequest{}).Where("id = ?", withdrawal.ID).
			Update("tx_hash", &txHash).Error; err != nil {
			return err
		}
		return enqueueWithdrawalSettlement(tx, msg, withdrawal.ID)
	})
}

func enqueueWithdrawalSettlement(tx *gorm.DB, msg config.TaskMessage, withdrawalId int) error {
	messageId := strconv.Itoa(msg.ID)
	enqueueCtx := utils.SetCorrelationIdInContext(context.Background(), msg.CorrelationId)
	if err := models.EnqueueTask(enqueueCtx, tx, models.TaskReferenceTypeWithdrawalSettlement, withdrawalId, msg.ClipId); err != nil {
		return err
	}
	return MarkIdempotencySucceeded(tx, handlerWithdrawalProcess, messageId)
}
