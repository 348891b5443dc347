package cluster

import (
	"context"

	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/pubsub"
)

// Application is the stateful process hosted on the primary
type Application interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// RoleSource is the node as seen by RunApplication
type RoleSource interface {
	Events() *pubsub.PubSub
	IsPrimary() bool
}

// RunApplication starts app whenever the node becomes primary and stops it
// when the node steps down or leaves. Role events only wake the driver; the
// role itself is read from node, so a dropped event is caught up on the
// next one. It blocks until ctx is done, then stops a running app.
func RunApplication(ctx context.Context, node RoleSource, app Application, logger logging.Logger) error {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.With(logging.Component("application"))

	sub, err := node.Events().Subscribe(ctx, pubsub.TopicRole)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	running := false
	stop := func(stopCtx context.Context) {
		if !running {
			return
		}
		if err := app.Stop(stopCtx); err != nil {
			logger.Error("failed to stop application", logging.Error(err))
		}
		running = false
		logger.Info("application stopped")
	}

	for {
		select {
		case <-ctx.Done():
			stop(context.WithoutCancel(ctx))
			return nil
		case ev, ok := <-sub.Channel():
			if !ok {
				stop(context.WithoutCancel(ctx))
				return nil
			}
			re, ok := ev.Payload.(RoleEvent)
			if !ok {
				continue
			}
			primary := node.IsPrimary()
			if primary == running {
				continue
			}
			if !primary {
				stop(ctx)
				continue
			}
			if err := app.Start(ctx); err != nil {
				logger.Error("failed to start application", logging.Term(re.Term), logging.Error(err))
				continue
			}
			running = true
			logger.Info("application started", logging.Term(re.Term))
		}
	}
}
