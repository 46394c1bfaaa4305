package models

import (
	"context"
	"errors"
	"time"

	"github.com/sautiworks/linguana_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Reward is one recipient's share of a validated clip's budget. The
// (clip, recipient, kind) unique constraint is the second line of defense
// against double-creation; the handler's existence check is the first.
type Reward struct {
	ID          int             `gorm:"primary_key" json:"id"`
	AudioClipId int             `gorm:"not null;index;index:uniq_clip_recipient_kind,unique" json:"audio_clip_id"`
	RecipientId int             `gorm:"not null;index;index:uniq_clip_recipient_kind,unique" json:"recipient_id"`
	Recipient   *User           `gorm:"foreignKey:RecipientId" json:"recipient,omitempty"`
	Kind        RewardKind      `gorm:"type:enum('contributor','validator');not null;index:uniq_clip_recipient_kind,unique" json:"kind"`
	Amount      decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"amount"`
	Status      RewardStatus    `gorm:"type:enum('pending','processing','completed','failed');default:'pending';index" json:"status"`

	// Released means the recipient has been paid through exactly one path,
	// either on-chain or by ledger credit. Payment appliers re-check it under
	// a row lock before crediting.
	Released     bool       `gorm:"not null;default:false;index" json:"released"`
	TxHash       *string    `gorm:"size:66;index" json:"tx_hash"`
	ErrorMessage *string    `gorm:"type:text" json:"error_message"`
	ReleasedAt   *time.Time `json:"released_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetRewardByIdForUpdate(tx *gorm.DB, id int) (*Reward, error) {
	var reward Reward
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&reward).Error; err != nil {
		return nil, err
	}
	return &reward, nil
}

// CountRewardsForClip guards reward creation: a clip with any reward rows has
// already been through acceptance.
func CountRewardsForClip(tx *gorm.DB, clipId int) (int64, error) {
	var count int64
	err := tx.Model(&Reward{}).Where("audio_clip_id = ?", clipId).Count(&count).Error
	return count, err
}

func MarkRewardProcessing(tx *gorm.DB, rewardId int, txHash *string) error {
	updates := map[string]interface{}{"status": RewardStatusProcessing}
	if txHash != nil {
		updates["tx_hash"] = txHash
	}
	return tx.Model(&Reward{}).Where("id = ?", rewardId).Updates(updates).Error
}

// ReleaseReward finalizes a paid reward. Caller holds the row lock and has
// verified Released == false.
func ReleaseReward(tx *gorm.DB, rewardId int, status RewardStatus, txHash *string, errMsg *string) error {
	now := time.Now().UTC()
	return tx.Model(&Reward{}).Where("id = ?", rewardId).
		Updates(map[string]interface{}{
			"status":        status,
			"released":      true,
			"released_at":   &now,
			"tx_hash":       txHash,
			"error_message": errMsg,
		}).Error
}

// RewardPool tracks the funded stablecoin budget distributions draw from.
type RewardPool struct {
	ID          int             `gorm:"primary_key" json:"id"`
	Name        string          `gorm:"size:100;not null;unique" json:"name"`
	TotalFunded decimal.Decimal `gorm:"type:decimal(12,2);default:0" json:"total_funded"`
	Distributed decimal.Decimal `gorm:"type:decimal(12,2);default:0" json:"distributed"`
	Remaining   decimal.Decimal `gorm:"type:decimal(12,2);default:0" json:"remaining"`
	IsActive    bool            `gorm:"not null;default:true;index" json:"is_active"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// AddPoolFunds credits the active pool in one statement.
func AddPoolFunds(tx *gorm.DB, poolId int, amount decimal.Decimal) error {
	res := tx.Model(&RewardPool{}).Where("id = ?", poolId).
		Updates(map[string]interface{}{
			"total_funded": gorm.Expr("total_funded + ?", amount),
			"remaining":    gorm.Expr("remaining + ?", amount),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

const defaultRewardPoolName = "main"

// FundRewardPool credits the named pool, creating the row on first funding.
// Backs the ops funding endpoint.
func FundRewardPool(ctx context.Context, name string, amount decimal.Decimal) (*RewardPool, error) {
	if name == "" {
		name = defaultRewardPoolName
	}
	if !amount.IsPositive() {
		return nil, errors.New("funding amount must be positive")
	}

	db := config.GetDB()
	var pool RewardPool
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seed := RewardPool{Name: name, IsActive: true}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoNothing: true,
		}).Create(&seed).Error; err != nil {
			return err
		}
		if err := tx.Where("name = ?", name).First(&pool).Error; err != nil {
			return err
		}
		if err := AddPoolFunds(tx, pool.ID, amount); err != nil {
			return err
		}
		return tx.Where("id = ?", pool.ID).First(&pool).Error
	})
	if err != nil {
		return nil, err
	}
	return &pool, nil
}

// DeductPoolFunds debits the active pool; the WHERE clause rejects overdrawn
// distributions atomically.
func DeductPoolFunds(tx *gorm.DB, amount decimal.Decimal) error {
	res := tx.Model(&RewardPool{}).
		Where("is_active = 1 AND remaining >= ?", amount).
		Updates(map[string]interface{}{
			"distributed": gorm.Expr("distributed + ?", amount),
			"remaining":   gorm.Expr("remaining - ?", amount),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrPoolExhausted
	}
	return nil
}

// ChainTransaction is the append-only audit trail of on-chain movements.
type ChainTransaction struct {
	ID          int                  `gorm:"primary_key" json:"id"`
	Kind        ChainTransactionKind `gorm:"type:enum('reward_payout','pool_funding','withdrawal');not null;index" json:"kind"`
	ReferenceId int                  `gorm:"not null;index" json:"reference_id"`
	TxHash      string               `gorm:"size:66;not null;index" json:"tx_hash"`
	FromAddress string               `gorm:"size:42" json:"from_address"`
	ToAddress   string               `gorm:"size:42" json:"to_address"`
	Amount      decimal.Decimal      `gorm:"type:decimal(12,2);not null" json:"amount"`
	GasUsed     uint64               `gorm:"default:0" json:"gas_used"`
	BlockNumber uint64               `gorm:"default:0" json:"block_number"`
	Confirmed   bool                 `gorm:"not null;default:false;index" json:"confirmed"`
	CreatedAt   time.Time            `gorm:"autoCreateTime" json:"created_at"`
}

func AppendChainTransaction(tx *gorm.DB, record *ChainTransaction) error {
	return tx.Create(record).Error
}

type RewardSummary struct {
	Balance          decimal.Decimal `json:"balance"`
	TotalEarnings    decimal.Decimal `json:"total_earnings"`
	PendingRewards   decimal.Decimal `json:"pending_rewards"`
	CompletedRewards int64           `json:"completed_rewards"`
	Points           int             `json:"points"`
	Level            int             `json:"level"`
	StreakDays       int             `json:"streak_days"`
}

// GetRewardSummary builds the rewards dashboard view for one user.
func GetRewardSummary(ctx context.Context, userId int) (*RewardSummary, error) {
	db := config.GetDB()

	user, err := GetUserById(ctx, userId)
	if err != nil {
		return nil, err
	}

	summary := RewardSummary{
		Balance:       user.Balance,
		TotalEarnings: user.TotalEarnings,
		Points:        user.Points,
		Level:         user.Level,
		StreakDays:    user.StreakDays,
	}

	var pending struct {
		Total decimal.NullDecimal
	}
	if err := db.WithContext(ctx).Model(&Reward{}).
		Select("SUM(amount) as total").
		Where("recipient_id = ? AND status IN ?", userId,
			[]RewardStatus{RewardStatusPending, RewardStatusProcessing}).
		Scan(&pending).Error; err != nil {
		return nil, err
	}
	if pending.Total.Valid {
		summary.PendingRewards = pending.Total.Decimal
	}

	if err := db.WithContext(ctx).Model(&Reward{}).
		Where("recipient_id = ? AND status = ?", userId, RewardStatusCompleted).
		Count(&summary.CompletedRewards).Error; err != nil {
		return nil, err
	}
	return &summary, nil
}
