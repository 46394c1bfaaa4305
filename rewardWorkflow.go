package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/sautiworks/linguana_backend/chain"
	"github.com/sautiworks/linguana_backend/config"
	"github.com/sautiworks/linguana_backend/models"
	"github.com/sautiworks/linguana_backend/utils"
	"github.com/sautiworks/linguana_backend/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	clipMutexMap = make(map[int]*sync.Mutex)
	globalMutex  = &sync.Mutex{}
)

// errTaskDead wraps a processing error whose task just went DEAD. The Pub/Sub
// callback Acks these so delivery stops; compensation has already run.
var errTaskDead = errors.New("task moved to DEAD")

func RunRewardWorkflow(gateway chain.Gateway) error {
	logger := config.GetLogger()
	ctx := context.Background()
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(client, os.Getenv("PUBSUB_TOPIC"))
	if err != nil {
		return err
	}
	sub, err := config.CreateSubscriptionIfNotExists(client, os.Getenv("PUBSUB_SUBSCRIPTION"), topic)
	if err != nil {
		return err
	}
	// Specify the number of concurrent processes
	sub.ReceiveSettings.MaxOutstandingMessages = 10

	callback := func(ctx context.Context, msg *pubsub.Message) {
		m := config.TaskMessage{}
		err := json.Unmarshal(msg.Data, &m)
		if err != nil {
			config.LogError(logger, "rewardWorkflow.go", "RunRewardWorkflow", "Unmarshaling pubsub message", msg.Data, err)
			msg.Ack()
			return
		}

		ctx = utils.SetCorrelationIdInContext(ctx, m.CorrelationId)
		if err := ProcessMessage(ctx, logger, m, gateway); err != nil {
			logger.WithFields(logrus.Fields{
				"field":          "RewardWorkflow",
				"reference_type": m.ReferenceType,
				"reference_id":   m.ReferenceId,
				"message_id":     msg.ID,
			}).Error("pubsub processing failed: " + err.Error())
			if errors.Is(err, errTaskDead) {
				msg.Ack()
				return
			}
			msg.Nack()
			return
		}
		msg.Ack()
	}

	go func() {
		err := sub.Receive(ctx, callback)
		if err != nil {
			config.LogError(logger, "rewardWorkflow.go", "RunRewardWorkflow", "Failed to receive messages", nil, err)
		}
	}()

	return nil
}

// ProcessMessage dispatches one task to its handler and keeps the outbox
// row's processing bookkeeping in sync. Consensus checks run inside a single
// transaction under the clip's locks; the chain-interacting handlers manage
// their own transactions so no lock is ever held across chain I/O.
func ProcessMessage(ctx context.Context, logger *logrus.Logger, m config.TaskMessage, gateway chain.Gateway) error {
	markOutboxProcessing(ctx, m.ID)

	err := dispatchTask(ctx, logger, m, gateway)
	if err != nil {
		if dead := markOutboxProcessFailure(ctx, logger, m, err); dead {
			compensateOnDead(ctx, logger, m)
			return errors.Join(errTaskDead, err)
		}
		return err
	}

	markOutboxProcessSuccess(ctx, logger, m)
	return nil
}

func dispatchTask(ctx context.Context, logger *logrus.Logger, m config.TaskMessage, gateway chain.Gateway) error {
	db := config.GetDB()

	switch models.TaskReferenceType(m.ReferenceType) {
	case models.TaskReferenceTypeConsensusCheck:
		if err := processConsensusCheck(ctx, db, logger, m); err != nil {
			return err
		}
		// Gamification runs post-commit and never blocks the pipeline.
		go workflow.AwardBadgesForClip(context.Background(), m.ReferenceId)
		return nil
	case models.TaskReferenceTypeRewardDistribution:
		return workflow.ProcessRewardDistribution(ctx, db, logger, m, gateway)
	case models.TaskReferenceTypeRewardSettlement:
		return workflow.ProcessRewardSettlement(ctx, db, logger, m, gateway)
	case models.TaskReferenceTypeWithdrawalProcess:
		return workflow.ProcessWithdrawalProcess(ctx, db, logger, m, gateway)
	case models.TaskReferenceTypeWithdrawalSettlement:
		return workflow.ProcessWithdrawalSettlement(ctx, db, logger, m, gateway)
	}

	// Unknown reference types are dropped, not retried.
	if logger != nil {
		logger.WithFields(logrus.Fields{
			"field":          "RewardWorkflow",
			"reference_type": m.ReferenceType,
			"reference_id":   m.ReferenceId,
		}).Warn("unknown task reference type, dropping")
	}
	return nil
}

func processConsensusCheck(ctx context.Context, db *gorm.DB, logger *logrus.Logger, m config.TaskMessage) error {
	// Get or create the mutex for the current clip
	globalMutex.Lock()
	mutex, exists := clipMutexMap[m.ReferenceId]
	if !exists {
		mutex = &sync.Mutex{}
		clipMutexMap[m.ReferenceId] = mutex
	}
	globalMutex.Unlock()

	mutex.Lock()
	defer mutex.Unlock()

	return db.Transaction(func(tx *gorm.DB) error {
		// Enforce strict per-clip ordering across instances.
		if err := workflow.AcquireClipLock(tx.WithContext(ctx), m.ReferenceId); err != nil {
			return err
		}
		defer workflow.ReleaseClipLock(tx.WithContext(ctx), m.ReferenceId)

		handlerName := m.ReferenceType
		messageId := strconv.Itoa(m.ID)

		skip, err := workflow.BeginIdempotency(tx.WithContext(ctx), handlerName, messageId)
		if err != nil {
			return err
		}
		if skip {
			return nil
		}

		if err := workflow.ProcessConsensusWorkflow(tx.WithContext(ctx), logger, m); err != nil {
			_ = workflow.MarkIdempotencyFailed(tx.WithContext(ctx), handlerName, messageId, err)
			return err
		}
		return workflow.MarkIdempotencySucceeded(tx.WithContext(ctx), handlerName, messageId)
	})
}
