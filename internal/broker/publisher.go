package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/darkden-lab/notifier/internal/events"
)

// Publisher serializes domain events and hands them to the broker through the
// Manager's shared channel. It returns as soon as the broker accepts the
// message.
type Publisher struct {
	manager *Manager
	queues  map[events.Kind]string
	log     *slog.Logger
}

// NewPublisher creates a Publisher. queues maps each kind to its queue name.
func NewPublisher(manager *Manager, queues map[string]string, log *slog.Logger) *Publisher {
	byKind := make(map[events.Kind]string, len(queues))
	for kind, name := range queues {
		byKind[events.Kind(kind)] = name
	}
	return &Publisher{
		manager: manager,
		queues:  byKind,
		log:     log.With(slog.String("component", "publisher")),
	}
}

// Publish sends {userId, message} to the queue of kind as a persistent
// message and returns the generated message id.
func (p *Publisher) Publish(ctx context.Context, kind events.Kind, userID, message string) (string, error) {
	queue, ok := p.queues[kind]
	if !ok {
		return "", fmt.Errorf("no queue configured for event kind %q", kind)
	}

	ch, err := p.manager.Channel()
	if err != nil {
		return "", err
	}

	body, err := events.Encode(userID, message)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	msg := Message{
		ID:          uuid.New().String(),
		Body:        body,
		ContentType: "application/json",
		Persistent:  true,
		Timestamp:   time.Now().UTC(),
	}
	if err := ch.Publish(ctx, queue, msg); err != nil {
		return "", fmt.Errorf("publish to %s: %w", queue, err)
	}

	p.log.Info("message sent to queue", "queue", queue, "message_id", msg.ID, "user_id", userID)
	return msg.ID, nil
}

// NotifyTaskAssigned publishes a task event for the assignee.
func (p *Publisher) NotifyTaskAssigned(ctx context.Context, assigneeID, taskTitle string) (string, error) {
	return p.Publish(ctx, events.KindTask, assigneeID, fmt.Sprintf("You have been assigned to task %q", taskTitle))
}

// NotifyUserRegistered publishes a user event welcoming a new account.
func (p *Publisher) NotifyUserRegistered(ctx context.Context, userID, name string) (string, error) {
	return p.Publish(ctx, events.KindUser, userID, fmt.Sprintf("Welcome aboard, %s!", name))
}
