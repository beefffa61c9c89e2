package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	logx "guardbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// errBlocked ends a request the moderation gate refused. It is not a failure.
var errBlocked = errors.New("blocked by moderation")

const slowRequest = 750 * time.Millisecond

// chain wraps h so that mws[0] runs first.
func chain(h HandlerFunc, mws ...Middleware) HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}

func recoverPanics(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.log(log).Error("handler panic",
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func logRequests(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)

			l := req.log(log).With(logx.Duration("took", took))
			switch {
			case errors.Is(err, errBlocked):
				l.Debug("command blocked by moderation")
				return nil
			case err != nil:
				l.Warn("command failed", logx.Err(err))
			case took >= slowRequest:
				l.Info("command slow")
			default:
				l.Debug("command done")
			}
			return err
		}
	}
}

func withTimeout(d time.Duration) Middleware {
	if d <= 0 {
		return nil
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// gated asks allow before the handler runs; a nil allow lets everything through.
func gated(allow func(ctx context.Context, req *Request) bool) Middleware {
	if allow == nil {
		return nil
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if !allow(ctx, req) {
				return errBlocked
			}
			return next(ctx, req)
		}
	}
}
