package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sautiworks/linguana_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const withdrawalModuleName = "models/withdrawal"

type WithdrawalRequest struct {
	ID                 int              `gorm:"primary_key" json:"id"`
	UserId             int              `gorm:"not null;index" json:"user_id"`
	User               *User            `gorm:"foreignKey:UserId" json:"user,omitempty"`
	Amount             decimal.Decimal  `gorm:"type:decimal(10,2);not null" json:"amount"`
	DestinationAddress string           `gorm:"size:42;not null" json:"destination_address"`
	Status             WithdrawalStatus `gorm:"type:enum('pending','approved','processing','completed','rejected','failed');default:'pending';index" json:"status"`

	// BalanceReserved flips when the amount has been debited from the user's
	// ledger at processing start. Refund paths check it before crediting back.
	BalanceReserved bool       `gorm:"not null;default:false" json:"balance_reserved"`
	TxHash          *string    `gorm:"size:66;index" json:"tx_hash"`
	ErrorMessage    *string    `gorm:"type:text" json:"error_message"`
	AdminNotes      *string    `gorm:"type:text" json:"admin_notes"`
	ReviewedBy      *int       `json:"reviewed_by"`
	CompletedAt     *time.Time `json:"completed_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type CreateWithdrawalInput struct {
	Amount             string `json:"amount" binding:"required"`
	DestinationAddress string `json:"destination_address" binding:"required"`
}

// ValidateWithdrawalAmount is the pure request check: positive 2-dp amount
// not exceeding the available balance.
func ValidateWithdrawalAmount(amount decimal.Decimal, balance decimal.Decimal) error {
	if !amount.IsPositive() {
		return errors.New("withdrawal amount must be positive")
	}
	if amount.Exponent() < -2 {
		return errors.New("withdrawal amount must have at most 2 decimal places")
	}
	if amount.GreaterThan(balance) {
		return ErrInsufficientBalance
	}
	return nil
}

// CreateWithdrawal validates and records a withdrawal request in pending
// state. Funds are not reserved here; processing does that after approval.
func CreateWithdrawal(ctx context.Context, userId int, input CreateWithdrawalInput) (*WithdrawalRequest, error) {
	logger := config.GetLogger()
	functionName := "CreateWithdrawal"

	amount, err := decimal.NewFromString(strings.TrimSpace(input.Amount))
	if err != nil {
		return nil, errors.New("invalid withdrawal amount")
	}
	if !common42HexAddress(input.DestinationAddress) {
		return nil, errors.New("invalid destination address")
	}

	db := config.GetDB()
	var request WithdrawalRequest
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := GetUserById2(tx, userId)
		if err != nil {
			return err
		}
		if err := ValidateWithdrawalAmount(amount, user.Balance); err != nil {
			return err
		}
		request = WithdrawalRequest{
			UserId:             userId,
			Amount:             amount,
			DestinationAddress: input.DestinationAddress,
			Status:             WithdrawalStatusPending,
		}
		return tx.Create(&request).Error
	})
	if err != nil {
		config.LogError(logger, withdrawalModuleName, functionName, "Failed to create withdrawal", input, err)
		return nil, err
	}
	return &request, nil
}

// ApproveWithdrawal flips a pending request to approved and enqueues the
// processing task. Admin only.
func ApproveWithdrawal(ctx context.Context, withdrawalId int, reviewerId int, notes *string) error {
	logger := config.GetLogger()
	functionName := "ApproveWithdrawal"

	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var request WithdrawalRequest
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", withdrawalId).First(&request).Error; err != nil {
			return err
		}
		if request.Status != WithdrawalStatusPending {
			return ErrWithdrawalNotApproved
		}
		if err := tx.Model(&WithdrawalRequest{}).Where("id = ?", withdrawalId).
			Updates(map[string]interface{}{
				"status":      WithdrawalStatusApproved,
				"reviewed_by": reviewerId,
				"admin_notes": notes,
			}).Error; err != nil {
			return err
		}
		return EnqueueTask(ctx, tx, TaskReferenceTypeWithdrawalProcess, withdrawalId, 0)
	})
	if err != nil {
		config.LogError(logger, withdrawalModuleName, functionName, "Failed to approve withdrawal", withdrawalId, err)
	}
	return err
}

func GetWithdrawalByIdForUpdate(tx *gorm.DB, id int) (*WithdrawalRequest, error) {
	var request WithdrawalRequest
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&request).Error; err != nil {
		return nil, err
	}
	return &request, nil
}

func common42HexAddress(addr string) bool {
	if len(addr) != 42 || !strings.HasPrefix(addr, "0x") {
		return false
	}
	for _, c := range addr[2:] {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
