package types

import "context"

// Client is the capability the gateway needs from a chat network connection.
// Events are delivered on the channel returned by Events for the lifetime of the client.
type Client interface {
	Connect(ctx context.Context) error
	SendText(ctx context.Context, to, body string) (*SendResult, error)
	SendMedia(ctx context.Context, to string, media Media, caption string) (*SendResult, error)
	Events() <-chan Event
	Close(ctx context.Context) error
}
