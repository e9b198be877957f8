package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"daily-wager-bot/internal/event"
	"daily-wager-bot/internal/messages"
	"daily-wager-bot/internal/transport"
)

// ErrPanic marks an error produced by a recovered panic.
var ErrPanic = errors.New("handler panicked")

// Func handles one command.
type Func func(ctx context.Context, cmd event.Command) error

// Middleware wraps a Func.
type Middleware func(next Func) Func

// Chain applies mws so that the first one runs outermost.
func Chain(f Func, mws ...Middleware) Func {
	for i := len(mws) - 1; i >= 0; i-- {
		f = mws[i](f)
	}
	return f
}

// AdminMiddleware rejects commands from users that are not admins.
func AdminMiddleware(isAdmin func(userID int64) bool, sender transport.Transport) Middleware {
	return func(next Func) Func {
		return func(ctx context.Context, cmd event.Command) error {
			if !isAdmin(cmd.From.ID) {
				log.Warn().
					Int64("user_id", cmd.From.ID).
					Str("command", cmd.Name).
					Msg("Non-admin attempted admin command")
				reply(ctx, sender, cmd.From.ID, messages.PermissionDenied, nil)
				return nil
			}
			return next(ctx, cmd)
		}
	}
}

// LoggingMiddleware logs every command.
func LoggingMiddleware() Middleware {
	return func(next Func) Func {
		return func(ctx context.Context, cmd event.Command) error {
			log.Debug().
				Int64("user_id", cmd.From.ID).
				Str("username", cmd.From.Username).
				Str("command", cmd.Name).
				Strs("args", cmd.Args).
				Msg("Received command")
			return next(ctx, cmd)
		}
	}
}

// RecoveryMiddleware turns a panic into an error reply.
func RecoveryMiddleware(sender transport.Transport) Middleware {
	return func(next Func) Func {
		return func(ctx context.Context, cmd event.Command) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("command", cmd.Name).
						Msg("Recovered from panic in handler")
					reply(ctx, sender, cmd.From.ID, messages.GenericError, nil)
					err = fmt.Errorf("%w in /%s: %v", ErrPanic, cmd.Name, r)
				}
			}()
			return next(ctx, cmd)
		}
	}
}

func reply(ctx context.Context, sender transport.Transport, userID int64, text string, kb *transport.Keyboard) {
	var opts *transport.Options
	if kb != nil {
		opts = transport.WithKeyboard(kb)
	}
	if err := sender.SendText(ctx, userID, text, opts); err != nil {
		log.Warn().Err(err).Int64("user_id", userID).Msg("Failed to send reply")
	}
}
