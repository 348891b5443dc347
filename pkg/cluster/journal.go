package cluster

import (
	"context"

	"github.com/dd0wney/cluso-ha/pkg/audit"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/pubsub"
)

// EventJournal records cluster events
type EventJournal interface {
	Append(kind string, severity audit.Severity, details map[string]any) (audit.Event, error)
}

// RecordEvents writes every role change and view replacement to journal
// until ctx is done.
func RecordEvents(ctx context.Context, events *pubsub.PubSub, journal EventJournal, logger logging.Logger) error {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.With(logging.Component("journal"))

	roles, err := events.Subscribe(ctx, pubsub.TopicRole)
	if err != nil {
		return err
	}
	defer roles.Unsubscribe()
	views, err := events.Subscribe(ctx, pubsub.TopicView)
	if err != nil {
		return err
	}
	defer views.Unsubscribe()

	var last *RoleEvent
	for {
		var ev pubsub.Event
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case ev, ok = <-roles.Channel():
		case ev, ok = <-views.Channel():
		}
		if !ok {
			return nil
		}

		kind, severity, details := describe(ev.Payload, last)
		if kind == "" {
			continue
		}
		if re, isRole := ev.Payload.(RoleEvent); isRole {
			last = &re
		}
		if _, err := journal.Append(kind, severity, details); err != nil {
			logger.Error("failed to journal event", logging.String("kind", kind), logging.Error(err))
		}
	}
}

// describe turns a published payload into a journal entry. Losing the
// primary role is a warning.
func describe(payload any, last *RoleEvent) (string, audit.Severity, map[string]any) {
	switch ev := payload.(type) {
	case RoleEvent:
		severity := audit.SeverityInfo
		if last != nil && last.Primary() && !ev.Primary() {
			severity = audit.SeverityWarning
		}
		return "role", severity, map[string]any{
			"role":       ev.Role.String(),
			"term":       ev.Term,
			"in_cluster": ev.InCluster,
		}
	case ViewEvent:
		members := make([]string, 0, len(ev.View))
		primary := ""
		alive := 0
		for _, d := range ev.View {
			members = append(members, d.ID)
			if d.IsPrimary {
				primary = d.ID
			}
			if d.Alive {
				alive++
			}
		}
		return "view", audit.SeverityInfo, map[string]any{
			"term":    ev.Term,
			"members": members,
			"alive":   alive,
			"primary": primary,
		}
	}
	return "", "", nil
}
