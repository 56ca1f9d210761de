// Package mail holds the delivery transports and the template engine used
// to render outgoing messages.
package mail

import "context"

// Message is one fully rendered email ready for a transport.
type Message struct {
	From     string
	FromName string
	To       string
	ReplyTo  string
	Subject  string
	HTML     string
	Text     string

	// AccessToken carries the sender's OAuth token for transports that
	// authenticate per user (Gmail submission).
	AccessToken string
}

// Transport delivers a rendered message. Errors are assumed transient
// unless the queue's terminal classification says otherwise.
type Transport interface {
	Send(ctx context.Context, msg *Message) error
}
