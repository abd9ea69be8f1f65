package adaptivecontroller

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"

	"github.com/c360studio/qflow/events"
)

// commandController satisfies control.ExecutionController by issuing
// pause and resume commands over the command stream. The flow runner
// owning each execution acts on them; the controller itself holds no
// engine state.
type commandController struct {
	nc     *natsclient.Client
	source string
}

func (c *commandController) publish(ctx context.Context, topic string, payload message.Payload) error {
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("invalid command for %s: %w", topic, err)
	}
	baseMsg := message.NewBaseMessage(payload.Schema(), payload, c.source)
	data, err := json.Marshal(baseMsg)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	if err := c.nc.PublishToStream(ctx, topic, data); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (c *commandController) PauseExecution(ctx context.Context, id, reason string) error {
	return c.publish(ctx, events.TopicCmdExecPause, &events.ExecPauseCommand{
		ExecutionID: id,
		Reason:      reason,
		Actor:       c.source,
	})
}

func (c *commandController) ResumeExecution(ctx context.Context, id string) error {
	return c.publish(ctx, events.TopicCmdExecResume, &events.ExecResumeCommand{
		ExecutionID: id,
		Actor:       c.source,
	})
}
