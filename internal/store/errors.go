package store

import "errors"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrQueueNotFound   = errors.New("queue not found")
	ErrAgentNotFound   = errors.New("agent not found")
	ErrTicketNotFound  = errors.New("ticket not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrContactNotFound = errors.New("contact not found")
	ErrInvalidState    = errors.New("invalid ticket state")
	ErrAlreadyAssigned = errors.New("ticket already assigned")
	ErrQueueInUse      = errors.New("queue has open tickets")
)
