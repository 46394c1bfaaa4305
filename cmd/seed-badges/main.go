package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sautiworks/linguana_backend/config"
	"github.com/sautiworks/linguana_backend/models"
	"gorm.io/gorm/clause"
)

// Seeds the badge catalog. Safe to re-run; existing codes are left untouched.
func main() {
	envFile := flag.String("env", "", "Optional: path to a .env file to load before connecting.")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load env file %s: %v\n", *envFile, err)
			os.Exit(1)
		}
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	if err := models.MigrateTable(); err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		os.Exit(1)
	}

	badges := []models.Badge{
		{Code: "first-steps", Name: "First Steps", Description: "Upload your first validated clip", Criteria: models.BadgeCriteriaContributions, Threshold: 1, BonusPoints: 10},
		{Code: "voice-of-the-people", Name: "Voice of the People", Description: "10 validated clips", Criteria: models.BadgeCriteriaContributions, Threshold: 10, BonusPoints: 50},
		{Code: "archive-builder", Name: "Archive Builder", Description: "100 validated clips", Criteria: models.BadgeCriteriaContributions, Threshold: 100, BonusPoints: 250},
		{Code: "careful-listener", Name: "Careful Listener", Description: "Validate 10 clips through consensus", Criteria: models.BadgeCriteriaValidations, Threshold: 10, BonusPoints: 50},
		{Code: "consensus-keeper", Name: "Consensus Keeper", Description: "Validate 100 clips through consensus", Criteria: models.BadgeCriteriaValidations, Threshold: 100, BonusPoints: 250},
		{Code: "week-streak", Name: "Week Streak", Description: "Contribute 7 days in a row", Criteria: models.BadgeCriteriaStreak, Threshold: 7, BonusPoints: 30},
		{Code: "month-streak", Name: "Month Streak", Description: "Contribute 30 days in a row", Criteria: models.BadgeCriteriaStreak, Threshold: 30, BonusPoints: 150},
		{Code: "point-collector", Name: "Point Collector", Description: "Earn 500 points", Criteria: models.BadgeCriteriaPoints, Threshold: 500, BonusPoints: 50},
		{Code: "point-hoarder", Name: "Point Hoarder", Description: "Earn 5000 points", Criteria: models.BadgeCriteriaPoints, Threshold: 5000, BonusPoints: 250},
	}

	seeded := 0
	for _, badge := range badges {
		res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&badge)
		if res.Error != nil {
			fmt.Fprintf(os.Stderr, "failed to seed badge %s: %v\n", badge.Code, res.Error)
			os.Exit(1)
		}
		if res.RowsAffected > 0 {
			seeded++
		}
	}

	fmt.Printf("badge catalog seeded (%d new, %d total)\n", seeded, len(badges))
}
