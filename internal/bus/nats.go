// internal/bus/nats.go
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
)

const handlerTimeout = 30 * time.Second

type Client struct{ nc *nats.Conn }

func Connect(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name("heatmap-worker"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Client{nc: nc}, nil
}

func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

func (c *Client) Conn() *nats.Conn { return c.nc }

func (c *Client) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, b)
}

// QueueSubscribeJSON delivers each message to one member of queue. A handler
// that returns a non-nil reply answers the message when it carries a reply
// subject.
func (c *Client) QueueSubscribeJSON(subject, queue string, handler func(ctx context.Context, data []byte) any) (*nats.Subscription, error) {
	return c.nc.QueueSubscribe(subject, queue, c.dispatch(handler))
}

// RespondJSON serves request/reply on subject.
func (c *Client) RespondJSON(subject string, handler func(ctx context.Context, data []byte) any) (*nats.Subscription, error) {
	return c.nc.Subscribe(subject, c.dispatch(handler))
}

// RequestJSON sends req and decodes the reply into resp.
func (c *Client) RequestJSON(ctx context.Context, subject string, req, resp any) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	msg, err := c.nc.RequestWithContext(ctx, subject, b)
	if err != nil {
		return err
	}
	return json.Unmarshal(msg.Data, resp)
}

func (c *Client) dispatch(handler func(ctx context.Context, data []byte) any) nats.MsgHandler {
	return func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		reply := handler(ctx, msg.Data)
		if reply == nil || msg.Reply == "" {
			return
		}
		b, err := json.Marshal(reply)
		if err != nil {
			return
		}
		_ = msg.Respond(b)
	}
}
