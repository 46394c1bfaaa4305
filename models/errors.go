package models

import "errors"

// Domain sentinels shared across handlers and the HTTP layer. Callers match
// with errors.Is.
var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrDuplicateAnnotation   = errors.New("annotation already submitted for this clip")
	ErrOwnClip               = errors.New("cannot annotate your own clip")
	ErrClipNotAnnotatable    = errors.New("clip is not accepting annotations")
	ErrWithdrawalNotApproved = errors.New("withdrawal is not in approved state")
	ErrPoolExhausted         = errors.New("reward pool has insufficient remaining funds")
)
