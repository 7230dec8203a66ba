package models

import "errors"

var (
	ErrNotFound = errors.New("not found")

	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidRate         = errors.New("invalid rate")
	ErrInvalidReferralCode = errors.New("malformed referral code")
	ErrInvalidBankDetails  = errors.New("invalid bank details")
	ErrInvalidExternalID   = errors.New("invalid external id")
	ErrInvalidCustomerRef  = errors.New("invalid customer reference")

	ErrUnknownReferralCode = errors.New("unknown referral code")
	ErrInvalidMarker       = errors.New("invalid attribution marker")
	ErrMarkerExpired       = errors.New("attribution marker expired")

	ErrDuplicateOrder         = errors.New("duplicate order")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrNoFundsAvailable       = errors.New("no funds available")
	ErrForbidden              = errors.New("forbidden")
)
