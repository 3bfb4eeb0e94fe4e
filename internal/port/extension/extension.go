// Package extension defines hooks that run around every message delivery.
package extension

import (
	"context"

	"github.com/Strob0t/AgentHost/internal/domain/agent"
	"github.com/Strob0t/AgentHost/internal/domain/fipa"
)

// Extension observes or vetoes deliveries to agents.
type Extension interface {
	Name() string
	// BeforeMessage runs before the agent is invoked. A non-nil error
	// aborts the delivery and the message is returned undeliverable.
	BeforeMessage(ctx context.Context, to agent.ID, m fipa.Message) error
	// AfterMessage runs after the invocation with its outcome.
	AfterMessage(ctx context.Context, to agent.ID, m fipa.Message, err error)
}
