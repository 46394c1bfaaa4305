package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConsensusResult is the 1:1 record of a clip's consensus evaluation. The
// sparse similarity matrix is stored as JSON keyed "i-j" (i < j, submission
// order indices).
type ConsensusResult struct {
	ID                 int        `gorm:"primary_key" json:"id"`
	AudioClipId        int        `gorm:"not null;unique;index" json:"audio_clip_id"`
	AudioClip          *AudioClip `gorm:"foreignKey:AudioClipId" json:"audio_clip,omitempty"`
	FinalTranscription string     `gorm:"type:text;not null" json:"final_transcription"`
	ConsensusScore     float64    `gorm:"not null" json:"consensus_score"`
	AnnotationCount    int        `gorm:"not null" json:"annotation_count"`
	SimilarityMatrix   string     `gorm:"type:json" json:"similarity_matrix"`
	ContributingIds    string     `gorm:"type:json" json:"contributing_ids"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// UpsertConsensusResult writes the whole result for a clip, replacing any
// earlier evaluation. Runs inside the caller's transaction.
func UpsertConsensusResult(tx *gorm.DB, clipId int, finalText string, score float64,
	annotationCount int, matrix map[string]float64, contributingIds []int) error {

	matrixJSON, err := json.Marshal(matrix)
	if err != nil {
		return err
	}
	idsJSON, err := json.Marshal(contributingIds)
	if err != nil {
		return err
	}

	result := ConsensusResult{
		AudioClipId:        clipId,
		FinalTranscription: finalText,
		ConsensusScore:     score,
		AnnotationCount:    annotationCount,
		SimilarityMatrix:   string(matrixJSON),
		ContributingIds:    string(idsJSON),
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "audio_clip_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"final_transcription", "consensus_score", "annotation_count",
			"similarity_matrix", "contributing_ids", "updated_at",
		}),
	}).Create(&result).Error
}
