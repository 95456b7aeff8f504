package service

import "errors"

var (
	ErrValidation           = errors.New("validation failed")
	ErrInvalidTransition    = errors.New("invalid payment state transition")
	ErrDuplicateTransaction = errors.New("duplicate transaction in flight")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrPaymentAlreadyExists = errors.New("payment already exists")
	ErrGatewayUnsupported   = errors.New("gateway is not supported")
	ErrNotificationRejected = errors.New("gateway notification rejected")
)
