package workflow

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sautiworks/linguana_backend/chain"
	"github.com/sautiworks/linguana_backend/config"
	"github.com/sautiworks/linguana_backend/models"
	"github.com/sautiworks/linguana_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const rewardModuleName = "workflow/rewardWorkflow"

const handlerRewardDistribution = "RewardDistribution"

// PayoutPath selects how a reward reaches its recipient.
type PayoutPath int

const (
	PayoutPathLedger PayoutPath = iota
	PayoutPathChain
)

// RoutePayout picks on-chain only for a verified, non-empty wallet and a
// configured gateway. Everything else credits the ledger balance.
func RoutePayout(walletVerified bool, walletAddress *string, gatewayAvailable bool) PayoutPath {
	if !gatewayAvailable {
		return PayoutPathLedger
	}
	if !walletVerified || walletAddress == nil || *walletAddress == "" {
		return PayoutPathLedger
	}
	return PayoutPathChain
}

// ProcessRewardDistribution pays out one reward. Chain submission happens
// outside any transaction or lock; state is committed in short transactions
// on either side of it.
//
// Outcomes:
//   - ledger path: credit balance and complete in one transaction
//   - chain path: mark processing, submit transfer, record hash and enqueue
//     a settlement task
//   - submission failure: mark failed with the message and apply the ledger
//     fallback credit, exactly once
func ProcessRewardDistribution(ctx context.Context, db *gorm.DB, logger *logrus.Logger,
	msg config.TaskMessage, gateway chain.Gateway) error {

	functionName := "ProcessRewardDistribution"
	messageId := strconv.Itoa(msg.ID)

	var (
		path      PayoutPath
		recipient *models.User
		reward    *models.Reward
		done      bool
	)

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		skip, err := BeginIdempotency(tx, handlerRewardDistribution, messageId)
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
			return MarkIdempotencySucceeded(tx, handlerRewardDistribution, messageId)
		}

		recipient, err = models.GetUserById2(tx, reward.RecipientId)
		if err != nil {
			return err
		}

		path = RoutePayout(recipient.WalletVerified, recipient.WalletAddress, gateway != nil)
		if path == PayoutPathLedger {
			if err := models.CreditUserBalance(tx, reward.RecipientId, reward.Amount); err != nil {
				return err
			}
			if err := models.ReleaseReward(tx, reward.ID, models.RewardStatusCompleted, nil, nil); err != nil {
				return err
			}
			done = true
			return MarkIdempotencySucceeded(tx, handlerRewardDistribution, messageId)
		}

		// Chain path: reserve the row before leaving the transaction. A
		// prior attempt that already submitted leaves its hash behind.
		if reward.Status == models.RewardStatusProcessing && reward.TxHash != nil {
			done = true
			return enqueueSettlementAndSucceed(tx, msg, reward.ID)
		}
		return models.MarkRewardProcessing(tx, reward.ID, nil)
	})
	if err != nil || done {
		return err
	}

	// Chain I/O with no locks held.
	txHash, transferErr := gateway.Transfer(ctx, *recipient.WalletAddress, reward.Amount)

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if transferErr != nil {
			config.LogError(logger, rewardModuleName, functionName, "Chain transfer submission failed", reward.ID, transferErr)
			if err := ApplyRewardFallbackCredit(tx, reward.ID, fmt.Sprintf("transfer submission failed: %v", transferErr)); err != nil {
				return err
			}
			return MarkIdempotencySucceeded(tx, handlerRewardDistribution, messageId)
		}

		if err := models.MarkRewardProcessing(tx, reward.ID, &txHash); err != nil {
			return err
		}
		return enqueueSettlementAndSucceed(tx, msg, reward.ID)
	})
}

func enqueueSettlementAndSucceed(tx *gorm.DB, msg config.TaskMessage, rewardId int) error {
	messageId := strconv.Itoa(msg.ID)
	enqueueCtx := utils.SetCorrelationIdInContext(context.Background(), msg.CorrelationId)
	if err := models.EnqueueTask(enqueueCtx, tx, models.TaskReferenceTypeRewardSettlement, rewardId, msg.ClipId); err != nil {
		return err
	}
	return MarkIdempotencySucceeded(tx, handlerRewardDistribution, messageId)
}

// ApplyRewardFallbackCredit marks a reward failed and credits the recipient's
// ledger balance instead, provided nothing has paid it yet. Safe to call from
// the distribution handler, the settlement handler and dead-letter
// compensation; the released flag guarantees at most one credit.
func ApplyRewardFallbackCredit(tx *gorm.DB, rewardId int, reason string) error {
	reward, err := models.GetRewardByIdForUpdate(tx, rewardId)
	if err != nil {
		return err
	}
	if reward.Released {
		return nil
	}
	if err := models.CreditUserBalance(tx, reward.RecipientId, reward.Amount); err != nil {
		return err
	}
	return models.ReleaseReward(tx, reward.ID, models.RewardStatusFailed, reward.TxHash, &reason)
}
