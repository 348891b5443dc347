package replication

import (
	"context"
	"fmt"

	"github.com/dd0wney/cluso-ha/pkg/transport"
)

// HandleMessage serves the replication RPCs: file changes, log fetches
// and file fetches.
func (l *Log) HandleMessage(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	self := l.cluster.SelfID()

	switch msg.Type {
	case transport.MsgFileChange:
		var change FileChange
		if err := msg.Decode(&change); err != nil {
			return nil, err
		}
		res, err := l.Apply(ctx, change)
		if err != nil {
			return nil, err
		}
		return transport.NewMessage(transport.MsgReply, self, res)

	case transport.MsgFetchLog:
		return transport.NewMessage(transport.MsgReply, self, l.Entries())

	case transport.MsgFetchFile:
		var req FetchFileRequest
		if err := msg.Decode(&req); err != nil {
			return nil, err
		}
		content, err := l.ReadFile(req.Path)
		if err != nil {
			return nil, err
		}
		return transport.NewMessage(transport.MsgReply, self, content)
	}

	return nil, fmt.Errorf("replication: unsupported message %s", msg.Type)
}
