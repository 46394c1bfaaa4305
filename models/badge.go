package models

import (
	"context"
	"time"

	"github.com/sautiworks/linguana_backend/config"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const badgeModuleName = "models/badge"

type BadgeCriteria string

const (
	BadgeCriteriaContributions BadgeCriteria = "contributions"
	BadgeCriteriaValidations   BadgeCriteria = "validations"
	BadgeCriteriaStreak        BadgeCriteria = "streak"
	BadgeCriteriaPoints        BadgeCriteria = "points"
)

type Badge struct {
	ID          int           `gorm:"primary_key" json:"id"`
	Code        string        `gorm:"size:50;not null;unique" json:"code"`
	Name        string        `gorm:"size:100;not null" json:"name"`
	Description string        `gorm:"size:255" json:"description"`
	Criteria    BadgeCriteria `gorm:"type:enum('contributions','validations','streak','points');not null" json:"criteria"`
	Threshold   int           `gorm:"not null" json:"threshold"`
	BonusPoints int           `gorm:"not null;default:0" json:"bonus_points"`
	CreatedAt   time.Time     `gorm:"autoCreateTime" json:"created_at"`
}

type UserBadge struct {
	ID       int       `gorm:"primary_key" json:"id"`
	UserId   int       `gorm:"not null;index;index:uniq_user_badge,unique" json:"user_id"`
	BadgeId  int       `gorm:"not null;index;index:uniq_user_badge,unique" json:"badge_id"`
	Badge    *Badge    `gorm:"foreignKey:BadgeId" json:"badge,omitempty"`
	EarnedAt time.Time `gorm:"autoCreateTime" json:"earned_at"`
}

func (u *User) criteriaValue(criteria BadgeCriteria) int {
	switch criteria {
	case BadgeCriteriaContributions:
		return u.TotalContributions
	case BadgeCriteriaValidations:
		return u.TotalValidations
	case BadgeCriteriaStreak:
		return u.StreakDays
	case BadgeCriteriaPoints:
		return u.Points
	default:
		return 0
	}
}

// CheckAndAwardBadges grants every badge whose threshold the user now meets.
// Runs post-commit and best effort; a failure here never fails the pipeline.
func CheckAndAwardBadges(ctx context.Context, userId int) {
	logger := config.GetLogger()
	functionName := "CheckAndAwardBadges"

	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := GetUserById2(tx, userId)
		if err != nil {
			return err
		}

		var badges []Badge
		if err := tx.Find(&badges).Error; err != nil {
			return err
		}

		for _, badge := range badges {
			if user.criteriaValue(badge.Criteria) < badge.Threshold {
				continue
			}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&UserBadge{UserId: userId, BadgeId: badge.ID})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 && badge.BonusPoints > 0 {
				if err := AddUserPoints(tx, userId, badge.BonusPoints); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		config.LogError(logger, badgeModuleName, functionName, "Badge awarding failed", userId, err)
	}
}
