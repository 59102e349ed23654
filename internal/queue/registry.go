package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"qms/inbox-service/internal/models"
	"qms/inbox-service/internal/store"
)

var (
	ErrInvalidQueue = errors.New("invalid queue")
	ErrArchived     = errors.New("queue is archived")
)

const (
	BulkActivate   = "activate"
	BulkDeactivate = "deactivate"
	BulkArchive    = "archive"
	BulkDelete     = "delete"
)

// Input carries a partial queue definition. Nil fields are left unchanged on
// update and take their defaults on create.
type Input struct {
	Name             *string                `json:"name"`
	Color            *string                `json:"color"`
	Rotation         *models.RotationPolicy `json:"rotation"`
	CapacityPerAgent *int                   `json:"capacity_per_agent"`
	ActiveHours      *models.HoursWindow    `json:"active_hours"`
	ClearActiveHours bool                   `json:"clear_active_hours"`
	AutoAssign       *bool                  `json:"auto_assign"`
	BotOrder         *int                   `json:"bot_order"`
	Greeting         *string                `json:"greeting"`
	Active           *bool                  `json:"active"`
}

type BulkResult struct {
	QueueID string `json:"queue_id"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

type Registry struct {
	store store.QueueStore
}

func NewRegistry(st store.QueueStore) *Registry {
	return &Registry{store: st}
}

func (r *Registry) Create(ctx context.Context, input Input) (models.Queue, error) {
	queue := models.Queue{
		Rotation:   models.RotationRoundRobin,
		AutoAssign: true,
		Active:     true,
	}
	apply(&queue, input)
	if err := validate(queue); err != nil {
		return models.Queue{}, err
	}
	return r.store.CreateQueue(ctx, queue)
}

func (r *Registry) Update(ctx context.Context, queueID string, input Input) (models.Queue, error) {
	return r.store.UpdateQueue(ctx, queueID, func(queue *models.Queue) error {
		if input.Active != nil && *input.Active && queue.Archived {
			return ErrArchived
		}
		apply(queue, input)
		return validate(*queue)
	})
}

func (r *Registry) Get(ctx context.Context, queueID string) (models.Queue, error) {
	return r.store.GetQueue(ctx, queueID)
}

func (r *Registry) List(ctx context.Context, includeArchived bool) ([]models.Queue, error) {
	return r.store.ListQueues(ctx, includeArchived)
}

// Archive soft-deletes the queue. Its tickets keep their queue reference.
func (r *Registry) Archive(ctx context.Context, queueID string) (models.Queue, error) {
	return r.store.UpdateQueue(ctx, queueID, func(queue *models.Queue) error {
		queue.Archived = true
		queue.Active = false
		return nil
	})
}

func (r *Registry) SetActive(ctx context.Context, queueID string, active bool) (models.Queue, error) {
	return r.store.UpdateQueue(ctx, queueID, func(queue *models.Queue) error {
		if active && queue.Archived {
			return ErrArchived
		}
		queue.Active = active
		return nil
	})
}

func (r *Registry) Delete(ctx context.Context, queueID string) error {
	return r.store.DeleteQueue(ctx, queueID)
}

// Duplicate copies the definition and membership into a new active queue.
func (r *Registry) Duplicate(ctx context.Context, queueID string) (models.Queue, error) {
	source, err := r.store.GetQueue(ctx, queueID)
	if err != nil {
		return models.Queue{}, err
	}
	members, err := r.store.ListMembers(ctx, queueID)
	if err != nil {
		return models.Queue{}, err
	}

	clone := source
	clone.QueueID = ""
	clone.Name = source.Name + " (copy)"
	clone.Archived = false
	clone.Active = true
	if source.ActiveHours != nil {
		hours := *source.ActiveHours
		hours.Weekdays = append([]int(nil), source.ActiveHours.Weekdays...)
		clone.ActiveHours = &hours
	}
	created, err := r.store.CreateQueue(ctx, clone)
	if err != nil {
		return models.Queue{}, err
	}
	for _, member := range members {
		if _, err := r.store.AddMember(ctx, created.QueueID, member.AgentID); err != nil {
			return created, fmt.Errorf("copy member %s: %w", member.AgentID, err)
		}
	}
	return created, nil
}

// AddAgent takes effect on the next routing decision only.
func (r *Registry) AddAgent(ctx context.Context, queueID, agentID string) (models.QueueMembership, error) {
	return r.store.AddMember(ctx, queueID, agentID)
}

func (r *Registry) RemoveAgent(ctx context.Context, queueID, agentID string) error {
	return r.store.RemoveMember(ctx, queueID, agentID)
}

func (r *Registry) Members(ctx context.Context, queueID string) ([]models.QueueMembership, error) {
	return r.store.ListMembers(ctx, queueID)
}

func (r *Registry) AgentQueues(ctx context.Context, agentID string) ([]string, error) {
	return r.store.ListAgentQueues(ctx, agentID)
}

// Bulk applies action to each queue independently. A failure is recorded
// for that queue and the remaining queues are still processed.
func (r *Registry) Bulk(ctx context.Context, action string, queueIDs []string) ([]BulkResult, error) {
	switch action {
	case BulkActivate, BulkDeactivate, BulkArchive, BulkDelete:
	default:
		return nil, fmt.Errorf("%w: unknown bulk action %q", ErrInvalidQueue, action)
	}
	results := make([]BulkResult, 0, len(queueIDs))
	for _, id := range queueIDs {
		var err error
		switch action {
		case BulkActivate:
			_, err = r.SetActive(ctx, id, true)
		case BulkDeactivate:
			_, err = r.SetActive(ctx, id, false)
		case BulkArchive:
			_, err = r.Archive(ctx, id)
		case BulkDelete:
			err = r.Delete(ctx, id)
		}
		result := BulkResult{QueueID: id, OK: err == nil}
		if err != nil {
			result.Error = err.Error()
			log.Printf("bulk queue action=%s queue=%s error=%v", action, id, err)
		}
		results = append(results, result)
	}
	return results, nil
}

// Target picks the routing queue for a session: its default queue when that
// queue is routable, else the routable attached queue with the lowest bot
// order. It returns false when no queue qualifies.
func (r *Registry) Target(ctx context.Context, session models.Session) (models.Queue, bool, error) {
	if id := models.StringValue(session.DefaultQueueID); id != "" {
		queue, err := r.store.GetQueue(ctx, id)
		switch {
		case err == nil && queue.Routable():
			return queue, true, nil
		case err != nil && !errors.Is(err, store.ErrQueueNotFound):
			return models.Queue{}, false, err
		}
	}

	var candidates []models.Queue
	for _, id := range session.QueueIDs {
		queue, err := r.store.GetQueue(ctx, id)
		if errors.Is(err, store.ErrQueueNotFound) {
			continue
		}
		if err != nil {
			return models.Queue{}, false, err
		}
		if queue.Routable() {
			candidates = append(candidates, queue)
		}
	}
	if len(candidates) == 0 {
		return models.Queue{}, false, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].BotOrder != candidates[j].BotOrder {
			return candidates[i].BotOrder < candidates[j].BotOrder
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates[0], true, nil
}

func apply(queue *models.Queue, input Input) {
	if input.Name != nil {
		queue.Name = strings.TrimSpace(*input.Name)
	}
	if input.Color != nil {
		queue.Color = strings.TrimSpace(*input.Color)
	}
	if input.Rotation != nil {
		queue.Rotation = *input.Rotation
	}
	if input.CapacityPerAgent != nil {
		queue.CapacityPerAgent = *input.CapacityPerAgent
	}
	if input.ClearActiveHours {
		queue.ActiveHours = nil
	} else if input.ActiveHours != nil {
		hours := *input.ActiveHours
		queue.ActiveHours = &hours
	}
	if input.AutoAssign != nil {
		queue.AutoAssign = *input.AutoAssign
	}
	if input.BotOrder != nil {
		queue.BotOrder = *input.BotOrder
	}
	if input.Greeting != nil {
		queue.Greeting = *input.Greeting
	}
	if input.Active != nil {
		queue.Active = *input.Active
	}
}

func validate(queue models.Queue) error {
	if queue.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidQueue)
	}
	if !queue.Rotation.Valid() {
		return fmt.Errorf("%w: rotation %q", ErrInvalidQueue, queue.Rotation)
	}
	if queue.CapacityPerAgent < 0 {
		return fmt.Errorf("%w: capacity_per_agent must be >= 0", ErrInvalidQueue)
	}
	if queue.BotOrder < 0 {
		return fmt.Errorf("%w: bot_order must be >= 0", ErrInvalidQueue)
	}
	if queue.ActiveHours != nil {
		if err := queue.ActiveHours.Validate(); err != nil {
			return fmt.Errorf("%w: active_hours %v", ErrInvalidQueue, err)
		}
	}
	return nil
}
