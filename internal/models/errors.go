package models

import "errors"

var (
	// ErrConversionFailure means the rate source was unreachable or returned unusable data.
	ErrConversionFailure = errors.New("conversion failure")
	// ErrProvisioningFailure means the gateway could not mint a deposit address.
	ErrProvisioningFailure = errors.New("provisioning failure")
	// ErrTransientPoll marks a single failed balance check.
	ErrTransientPoll = errors.New("transient poll error")
	// ErrTimeoutExpired means no funds matched within the payment window.
	ErrTimeoutExpired = errors.New("payment window expired")
	// ErrDispatchFailure means a completion handler did not apply its side effect.
	ErrDispatchFailure = errors.New("dispatch failure")

	ErrPaymentNotFound   = errors.New("payment not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnknownCurrency   = errors.New("unknown currency")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrAddressInUse      = errors.New("payment address already assigned")
	ErrActivePayment     = errors.New("active payment already exists")
	ErrBookingNotFound   = errors.New("booking not found")
)
