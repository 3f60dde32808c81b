package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"ritualbot/internal/interrupt"
	kit "ritualbot/internal/transport"
	logx "ritualbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] runs first.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func withTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

func recoverPanics(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if p := recover(); p != nil {
					log.Error("handler panic", logx.Any("panic", p), logx.String("cmd", req.Command), logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("handler panic: %v", p)
				}
			}()
			return next(ctx, req)
		}
	}
}

// logRequests logs failures at warn and slow handlers at info.
func logRequests(log logx.Logger) Middleware {
	const slow = 750 * time.Millisecond
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)

			fields := []logx.Field{
				logx.String("kind", string(req.Update.Kind)),
				logx.Int64("chat_id", req.Chat.ChatID),
				logx.String("cmd", req.Command),
				logx.Duration("dur", took),
			}
			if req.Session != nil {
				fields = append(fields, logx.String("user", req.Session.UserID))
			}
			switch {
			case err != nil:
				log.Warn("telegram request failed", append(fields, logx.Err(err))...)
			case took >= slow:
				log.Info("telegram request slow", fields...)
			default:
				log.Debug("telegram request ok", fields...)
			}
			return err
		}
	}
}

// linkedChat answers chats that map to no user with their chat ID, so the
// operator can copy it into users[].chat_id. Activity from a linked chat
// wakes the user's loop like a focus event.
func (r *Router) linkedChat() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if req.Session == nil {
				if req.Update.Kind == kit.UpdateCallback {
					return r.adapter.AnswerCallback(ctx, req.Update.Callback.ID, "This chat is not linked.")
				}
				return r.reply(ctx, req, fmt.Sprintf("This chat is not linked to any user. Chat ID: %d", req.Chat.ChatID))
			}
			req.Session.Loop.Wake(interrupt.WakeFocus)
			return next(ctx, req)
		}
	}
}
