package models

import (
	"context"
	"errors"
	"time"

	"github.com/sautiworks/linguana_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type User struct {
	ID       int      `gorm:"primary_key" json:"id"`
	Username string   `gorm:"size:100;not null;unique" json:"username" binding:"required"`
	Email    *string  `gorm:"size:100;unique" json:"email"`
	Nickname string   `gorm:"size:50" json:"nickname"`
	Role     UserRole `gorm:"type:enum('contributor','validator','admin','researcher');default:'contributor'" json:"role"`
	IsActive *bool    `gorm:"not null;default:true" json:"is_active"`

	// Wallet identity. A payout goes on-chain only when WalletVerified is true
	// and WalletAddress is set; everything else lands on the ledger balance.
	WalletAddress  *string `gorm:"size:42;unique;index" json:"wallet_address"`
	WalletVerified bool    `gorm:"not null;default:false" json:"wallet_verified"`

	// Ledger account. Balance and TotalEarnings are the single source of truth
	// for off-chain funds; mutate them only through the atomic-delta helpers
	// below, never by read-modify-write.
	Balance       decimal.Decimal `gorm:"type:decimal(10,2);default:0" json:"balance"`
	TotalEarnings decimal.Decimal `gorm:"type:decimal(10,2);default:0" json:"total_earnings"`

	TotalContributions   int        `gorm:"not null;default:0" json:"total_contributions"`
	TotalValidations     int        `gorm:"not null;default:0" json:"total_validations"`
	Points               int        `gorm:"not null;default:0" json:"points"`
	Level                int        `gorm:"not null;default:1" json:"level"`
	StreakDays           int        `gorm:"not null;default:0" json:"streak_days"`
	LastContributionDate *time.Time `json:"last_contribution_date"`
	PreferredLanguage    string     `gorm:"size:10;default:'en'" json:"preferred_language"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetUserById(ctx context.Context, id int) (*User, error) {
	db := config.GetDB()
	var user User
	if err := db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func GetUserById2(tx *gorm.DB, id int) (*User, error) {
	var user User
	if err := tx.Where("id = ?", id).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// CreditUserBalance applies `balance += amount, total_earnings += amount` as a
// single UPDATE. Concurrent credits and debits on the same account are safe.
func CreditUserBalance(tx *gorm.DB, userId int, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return errors.New("credit amount must not be negative")
	}
	res := tx.Model(&User{}).
		Where("id = ?", userId).
		Updates(map[string]interface{}{
			"balance":        gorm.Expr("balance + ?", amount),
			"total_earnings": gorm.Expr("total_earnings + ?", amount),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DebitUserBalance reserves funds for a withdrawal. The WHERE clause rejects
// the debit when the balance is insufficient, without a prior read.
func DebitUserBalance(tx *gorm.DB, userId int, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return errors.New("debit amount must not be negative")
	}
	res := tx.Model(&User{}).
		Where("id = ? AND balance >= ?", userId, amount).
		Update("balance", gorm.Expr("balance - ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// RefundUserBalance restores a previously reserved withdrawal amount.
func RefundUserBalance(tx *gorm.DB, userId int, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return errors.New("refund amount must not be negative")
	}
	res := tx.Model(&User{}).
		Where("id = ?", userId).
		Update("balance", gorm.Expr("balance + ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// BumpUserEarnings records confirmed on-chain income without touching the
// off-chain balance.
func BumpUserEarnings(tx *gorm.DB, userId int, amount decimal.Decimal) error {
	return tx.Model(&User{}).
		Where("id = ?", userId).
		Update("total_earnings", gorm.Expr("total_earnings + ?", amount)).Error
}

// AddUserPoints bumps points and recomputes the level (one level per 100
// points) in a single statement.
func AddUserPoints(tx *gorm.DB, userId int, points int) error {
	return tx.Model(&User{}).
		Where("id = ?", userId).
		Updates(map[string]interface{}{
			"points": gorm.Expr("points + ?", points),
			"level":  gorm.Expr("FLOOR((points + ?) / 100) + 1", points),
		}).Error
}

func BumpUserValidations(tx *gorm.DB, userId int) error {
	return tx.Model(&User{}).
		Where("id = ?", userId).
		Update("total_validations", gorm.Expr("total_validations + 1")).Error
}

func BumpUserContributions(tx *gorm.DB, userId int) error {
	return tx.Model(&User{}).
		Where("id = ?", userId).
		Update("total_contributions", gorm.Expr("total_contributions + 1")).Error
}

// UpdateUserStreak advances the daily contribution streak. Same-day repeat
// contributions do not change it; a gap resets it to 1.
func UpdateUserStreak(tx *gorm.DB, userId int, now time.Time) error {
	var user User
	if err := tx.Where("id = ?", userId).First(&user).Error; err != nil {
		return err
	}

	today := now.UTC().Truncate(24 * time.Hour)
	streak := 1
	if user.LastContributionDate != nil {
		last := user.LastContributionDate.UTC().Truncate(24 * time.Hour)
		diff := int(today.Sub(last).Hours() / 24)
		if diff == 0 {
			return nil
		}
		if diff == 1 {
			streak = user.StreakDays + 1
		}
	}

	return tx.Model(&User{}).
		Where("id = ?", userId).
		Updates(map[string]interface{}{
			"streak_days":            streak,
			"last_contribution_date": &today,
		}).Error
}

// HasPayoutWallet reports whether payouts for this user may go on-chain.
func (u *User) HasPayoutWallet() bool {
	return u.WalletVerified && u.WalletAddress != nil && *u.WalletAddress != ""
}
