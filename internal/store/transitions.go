package store

import "qms/inbox-service/internal/models"

const (
	ActionAccept   = "accept"
	ActionTransfer = "transfer"
	ActionResolve  = "resolve"
	ActionClose    = "close"
	ActionReopen   = "reopen"
	ActionReply    = "reply"
	ActionInbound  = "inbound"
)

var transitionMap = map[string][]models.ChatStatus{
	ActionAccept:   {models.ChatWaiting},
	ActionTransfer: {models.ChatWaiting, models.ChatAccepted},
	ActionResolve:  {models.ChatWaiting, models.ChatAccepted},
	ActionClose:    {models.ChatWaiting, models.ChatAccepted, models.ChatResolved},
	ActionReopen:   {models.ChatResolved, models.ChatClosed},
	ActionReply:    {models.ChatAccepted},
	ActionInbound:  {models.ChatWaiting, models.ChatAccepted, models.ChatClosed},
}

func ValidTransition(action string, fromStatus models.ChatStatus) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}
