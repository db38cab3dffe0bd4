package assign

import "errors"

// Sentinel errors for the assignment engine.
var (
	ErrAssignmentNotFound = errors.New("assignment not found")
	ErrCampaignNotFound   = errors.New("campaign metadata not found")
	ErrClickStateNotFound = errors.New("click state not found")
	ErrWriteLogNotFound   = errors.New("write log not found")
	ErrNoStock            = errors.New("no pool item available")
	ErrConflict           = errors.New("concurrent update conflict")
	ErrAlreadyLogged      = errors.New("write outcome already logged")
	ErrLeaseExpired       = errors.New("lease already settled by recovery")
)
