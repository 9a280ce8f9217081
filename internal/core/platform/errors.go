package platform

import "errors"

// Core error taxonomy. Components never swallow these except to downgrade
// ErrRaceLost into a re-read and retry, or to convert an expected absence
// into a nil result.
var (
	// Configuration errors

	ErrConfigurationMissing = errors.New("configuration missing")

	// Identity errors

	ErrUnauthorized = errors.New("unauthorized")
	ErrVMNotFound   = errors.New("vm not found")

	// Store errors

	ErrRaceLost       = errors.New("conditional write race lost")
	ErrRecordNotFound = errors.New("record not found")
	ErrTransientIO    = errors.New("transient io failure")

	// Licensing errors

	ErrLicenseExhausted = errors.New("no license available")

	// Election errors

	ErrElectionTimeout = errors.New("election wait timed out")

	// Lifecycle errors

	ErrLifecycleAbandon = errors.New("lifecycle action abandoned")
)
