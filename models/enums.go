package models

type UserRole string

const (
	UserRoleContributor UserRole = "contributor"
	UserRoleValidator   UserRole = "validator"
	UserRoleAdmin       UserRole = "admin"
	UserRoleResearcher  UserRole = "researcher"
)

type ClipStatus string

const (
	ClipStatusPending      ClipStatus = "pending"
	ClipStatusInAnnotation ClipStatus = "in_annotation"
	ClipStatusValidated    ClipStatus = "validated"
	ClipStatusRejected     ClipStatus = "rejected"
)

type AnnotationQuality string

const (
	AnnotationQualityExcellent AnnotationQuality = "excellent"
	AnnotationQualityGood      AnnotationQuality = "good"
	AnnotationQualityFair      AnnotationQuality = "fair"
	AnnotationQualityPoor      AnnotationQuality = "poor"
)

type AnnotationTaskStatus string

const (
	AnnotationTaskStatusPending   AnnotationTaskStatus = "pending"
	AnnotationTaskStatusAssigned  AnnotationTaskStatus = "assigned"
	AnnotationTaskStatusCompleted AnnotationTaskStatus = "completed"
	AnnotationTaskStatusSkipped   AnnotationTaskStatus = "skipped"
)

type RewardKind string

const (
	RewardKindContributor RewardKind = "contributor"
	RewardKindValidator   RewardKind = "validator"
)

type RewardStatus string

const (
	RewardStatusPending    RewardStatus = "pending"
	RewardStatusProcessing RewardStatus = "processing"
	RewardStatusCompleted  RewardStatus = "completed"
	RewardStatusFailed     RewardStatus = "failed"
)

type WithdrawalStatus string

const (
	WithdrawalStatusPending    WithdrawalStatus = "pending"
	WithdrawalStatusApproved   WithdrawalStatus = "approved"
	WithdrawalStatusProcessing WithdrawalStatus = "processing"
	WithdrawalStatusCompleted  WithdrawalStatus = "completed"
	WithdrawalStatusRejected   WithdrawalStatus = "rejected"
	WithdrawalStatusFailed     WithdrawalStatus = "failed"
)

type ChainTransactionKind string

const (
	ChainTransactionKindRewardPayout ChainTransactionKind = "reward_payout"
	ChainTransactionKindPoolFunding  ChainTransactionKind = "pool_funding"
	ChainTransactionKindWithdrawal   ChainTransactionKind = "withdrawal"
)

// TaskReferenceType identifies the worker handler for an outbox row.
// The worker dispatches on this as a closed set; unknown values are dropped.
type TaskReferenceType string

const (
	TaskReferenceTypeConsensusCheck       TaskReferenceType = "CC"
	TaskReferenceTypeRewardDistribution   TaskReferenceType = "RD"
	TaskReferenceTypeRewardSettlement     TaskReferenceType = "RS"
	TaskReferenceTypeWithdrawalProcess    TaskReferenceType = "WP"
	TaskReferenceTypeWithdrawalSettlement TaskReferenceType = "WS"
)

const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// OutboxProcessStatus is the worker/processing-side status.
type OutboxProcessStatus string

const (
	OutboxProcessStatusPending    OutboxProcessStatus = "PENDING"
	OutboxProcessStatusProcessing OutboxProcessStatus = "PROCESSING"
	OutboxProcessStatusFailed     OutboxProcessStatus = "FAILED"
	OutboxProcessStatusDead       OutboxProcessStatus = "DEAD"
	OutboxProcessStatusSucceeded  OutboxProcessStatus = "SUCCEEDED"
)
