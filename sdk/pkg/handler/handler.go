// Package handler holds the explicit registration table that maps command and
// event types to their handlers.
package handler

import (
	"context"

	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/domain"
	"github.com/ChenBigdata421/jxt-cqrs/sdk/pkg/message"
)

// CommandHandler applies one command through a unit of work.
//
// The returned value becomes the reply result. A returned error is a business
// failure and is never retried, except domain.ErrConcurrencyConflict which the
// dispatcher retries with a fresh unit of work.
type CommandHandler interface {
	Handle(ctx context.Context, uow *domain.UnitOfWork, cmd *message.Command) (interface{}, error)
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(ctx context.Context, uow *domain.UnitOfWork, cmd *message.Command) (interface{}, error)

func (f CommandHandlerFunc) Handle(ctx context.Context, uow *domain.UnitOfWork, cmd *message.Command) (interface{}, error) {
	return f(ctx, uow, cmd)
}

// EventHandler reacts to a committed domain event. It may run more than once
// for the same event.
type EventHandler interface {
	Handle(ctx context.Context, evt *message.DomainEvent) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, evt *message.DomainEvent) error

func (f EventHandlerFunc) Handle(ctx context.Context, evt *message.DomainEvent) error {
	return f(ctx, evt)
}

// Provider resolves handlers by message type.
type Provider interface {
	ResolveCommandHandler(commandType string) (CommandHandler, bool)
	ResolveEventHandler(eventType string) (EventHandler, bool)
}

// Command builds a CommandHandler that decodes the payload into T first.
func Command[T any](fn func(ctx context.Context, uow *domain.UnitOfWork, cmd *message.Command, payload T) (interface{}, error)) CommandHandler {
	return CommandHandlerFunc(func(ctx context.Context, uow *domain.UnitOfWork, cmd *message.Command) (interface{}, error) {
		var payload T
		if len(cmd.Payload) > 0 {
			if err := cmd.DecodePayload(&payload); err != nil {
				return nil, err
			}
		}
		return fn(ctx, uow, cmd, payload)
	})
}

// Event builds an EventHandler that decodes the payload into T first.
func Event[T any](fn func(ctx context.Context, evt *message.DomainEvent, payload T) error) EventHandler {
	return EventHandlerFunc(func(ctx context.Context, evt *message.DomainEvent) error {
		var payload T
		if len(evt.Payload) > 0 {
			if err := evt.DecodePayload(&payload); err != nil {
				return err
			}
		}
		return fn(ctx, evt, payload)
	})
}
