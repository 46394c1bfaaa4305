package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/sautiworks/linguana_backend/config"
	"github.com/sautiworks/linguana_backend/models"
	"github.com/sautiworks/linguana_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const consensusModuleName = "workflow/consensusWorkflow"

// ProcessConsensusWorkflow evaluates one clip for consensus. Runs inside the
// worker's transaction while the clip's advisory lock is held.
//
// A clip that already reached consensus is terminal: re-delivery and late
// annotations are acknowledged without effect. Below the required annotation
// count, or below the score threshold, the clip stays collecting.
func ProcessConsensusWorkflow(tx *gorm.DB, logger *logrus.Logger, msg config.TaskMessage) error {
	functionName := "ProcessConsensusWorkflow"
	policy := config.GetRewardPolicy()

	clip, err := models.GetClipByIdForUpdate(tx, msg.ReferenceId)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.WithFields(logrus.Fields{
				"clip_id":        msg.ReferenceId,
				"correlation_id": msg.CorrelationId,
			}).Warn("consensus check for missing clip, dropping")
			return nil
		}
		return err
	}
	if clip.ConsensusReached || clip.Status == models.ClipStatusValidated || clip.Status == models.ClipStatusRejected {
		return nil
	}

	count, err := models.RecountClipAnnotations(tx, clip.ID)
	if err != nil {
		return err
	}
	if count < policy.RequiredAnnotations {
		return nil
	}

	annotations, err := models.GetAnnotationsForConsensus(tx, clip.ID)
	if err != nil {
		return err
	}
	texts := make([]string, len(annotations))
	for i, a := range annotations {
		texts[i] = a.TranscriptionText
	}

	comp, ok := ComputeConsensus(texts, policy.RequiredAnnotations)
	if !ok {
		return nil
	}

	// Every annotation in the evaluated set counts toward the consensus.
	contributingIds := make([]int, len(annotations))
	for i, a := range annotations {
		contributingIds[i] = a.ID
	}

	if err := models.UpsertConsensusResult(tx, clip.ID, comp.FinalText, comp.AverageScore,
		len(annotations), comp.Matrix, contributingIds); err != nil {
		return err
	}

	if comp.AverageScore < policy.ConsensusThreshold {
		config.GetLogger().WithFields(logrus.Fields{
			"clip_id":        clip.ID,
			"score":          comp.AverageScore,
			"threshold":      policy.ConsensusThreshold,
			"correlation_id": msg.CorrelationId,
		}).Info("consensus below threshold, clip stays collecting")
		return nil
	}

	if err := acceptConsensus(tx, logger, msg, clip, annotations, comp, contributingIds); err != nil {
		config.LogError(logger, consensusModuleName, functionName, "Consensus acceptance failed", clip.ID, err)
		return err
	}
	return nil
}

func acceptConsensus(tx *gorm.DB, logger *logrus.Logger, msg config.TaskMessage,
	clip *models.AudioClip, annotations []models.Annotation,
	comp ConsensusComputation, contributingIds []int) error {

	policy := config.GetRewardPolicy()

	if err := models.MarkClipValidated(tx, clip.ID, comp.FinalText, comp.AverageScore); err != nil {
		return err
	}
	if err := models.MarkConsensusContributors(tx, clip.ID, contributingIds); err != nil {
		return err
	}

	if err := models.BumpUserContributions(tx, clip.UploaderId); err != nil {
		return err
	}
	if err := models.UpdateUserStreak(tx, clip.UploaderId, time.Now()); err != nil {
		return err
	}
	for _, a := range annotations {
		if err := models.BumpUserValidations(tx, a.AnnotatorId); err != nil {
			return err
		}
	}

	// Rewards are created exactly once per clip. The count check protects
	// against re-acceptance races; the unique constraint backs it up.
	existing, err := models.CountRewardsForClip(tx, clip.ID)
	if err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}

	// The uploader is the contributor; every annotator earns a validator share.
	validatorCount := len(annotations)
	alloc, err := AllocateRewards(policy.DefaultRewardBudget, policy.ContributorPct, policy.ValidatorPct, validatorCount)
	if err != nil {
		return err
	}
	// Pool accounting is advisory. An unfunded pool must not block validation,
	// only flag the shortfall for the operators.
	if err := models.DeductPoolFunds(tx, alloc.TotalAllocated); err != nil {
		if !errors.Is(err, models.ErrPoolExhausted) {
			return err
		}
		logger.WithFields(logrus.Fields{
			"clip_id":        clip.ID,
			"amount":         alloc.TotalAllocated,
			"correlation_id": msg.CorrelationId,
		}).Warn("reward pool unfunded or exhausted, distributing anyway")
	}

	rewards := make([]models.Reward, 0, len(annotations)+1)
	rewards = append(rewards, models.Reward{
		AudioClipId: clip.ID,
		RecipientId: clip.UploaderId,
		Kind:        models.RewardKindContributor,
		Amount:      alloc.ContributorAmount,
		Status:      models.RewardStatusPending,
	})
	for _, a := range annotations {
		rewards = append(rewards, models.Reward{
			AudioClipId: clip.ID,
			RecipientId: a.AnnotatorId,
			Kind:        models.RewardKindValidator,
			Amount:      alloc.ValidatorAmount,
			Status:      models.RewardStatusPending,
		})
	}

	enqueueCtx := utils.SetCorrelationIdInContext(context.Background(), msg.CorrelationId)
	for i := range rewards {
		if rewards[i].Amount.IsZero() {
			continue
		}
		if err := tx.Create(&rewards[i]).Error; err != nil {
			return err
		}
		if err := models.EnqueueTask(enqueueCtx, tx,
			models.TaskReferenceTypeRewardDistribution, rewards[i].ID, clip.ID); err != nil {
			return err
		}
	}

	logger.WithFields(logrus.Fields{
		"clip_id":        clip.ID,
		"score":          comp.AverageScore,
		"rewards":        len(rewards),
		"correlation_id": msg.CorrelationId,
	}).Info("consensus accepted, rewards enqueued")
	return nil
}

// AwardBadgesForClip runs the gamification hook for everyone who touched the
// clip. Fire and forget after the acceptance transaction commits.
func AwardBadgesForClip(ctx context.Context, clipId int) {
	db := config.GetDB()

	clip, err := models.GetClipById(ctx, clipId)
	if err != nil {
		return
	}

	var annotatorIds []int
	if err := db.WithContext(ctx).Model(&models.Annotation{}).
		Where("audio_clip_id = ?", clipId).
		Pluck("annotator_id", &annotatorIds).Error; err != nil {
		return
	}

	models.CheckAndAwardBadges(ctx, clip.UploaderId)
	for _, id := range annotatorIds {
		models.CheckAndAwardBadges(ctx, id)
	}
}
