package dispatch

import (
	"context"

	"lotpilot/internal/dispatch/broker"
	"lotpilot/internal/models"
	"lotpilot/pkg/logger"
)

// ResultConsumer pumps the broker's result channel into the dispatcher.
type ResultConsumer struct {
	broker     broker.Broker
	dispatcher *Dispatcher
	log        *logger.Logger
}

func NewResultConsumer(b broker.Broker, d *Dispatcher, log *logger.Logger) *ResultConsumer {
	return &ResultConsumer{broker: b, dispatcher: d, log: log}
}

// Start subscribes to the result channel and processes messages until the
// context is cancelled. It returns once the subscription is established;
// message handling runs in a background goroutine.
func (c *ResultConsumer) Start(ctx context.Context) error {
	messages, err := c.broker.SubscribeResults(ctx)
	if err != nil {
		return err
	}
	c.log.Info("result consumer started")

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.log.Info("result consumer stopped")
				return
			case payload, ok := <-messages:
				if !ok {
					c.log.Info("result channel closed, consumer stopping")
					return
				}
				c.handle(ctx, payload)
			}
		}
	}()
	return nil
}

func (c *ResultConsumer) handle(ctx context.Context, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithError(models.ErrorInfo{Message: "panic in result handler", Type: "dispatch"}).
				Error("recovered from panic while handling result")
		}
	}()
	c.dispatcher.HandleResult(ctx, payload)
}
