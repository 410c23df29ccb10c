// Package generation adapts language-generation backends behind a single
// Client interface: instruction plus bounded history plus the latest user
// turn in, reply text out.
package generation

import (
	"context"
	"errors"
)

var (
	// ErrRateLimited is returned when the backend answers 429.
	ErrRateLimited = errors.New("generation: rate limited")
	// ErrUpstream covers transport failures and 5xx answers.
	ErrUpstream = errors.New("generation: upstream unavailable")
	// ErrRejected is returned for 4xx answers other than 429; retrying will not help.
	ErrRejected = errors.New("generation: request rejected")
	// ErrEmptyReply is returned when the backend produced no text.
	ErrEmptyReply = errors.New("generation: empty reply")
)

// Role is the role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation sent to the backend.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is the input to a single generation call.
type Request struct {
	// Instruction is the session's composed rules and personality text.
	Instruction string
	// History holds earlier turns, oldest first, excluding UserText.
	History []Message
	// UserText is the newest user turn.
	UserText string

	Model string
	// Temperature is sent as given, zero included. Nil leaves the backend default.
	Temperature *float64
	MaxTokens   int
}

// Messages flattens the request into the chat order backends expect.
func (r Request) Messages() []Message {
	msgs := make([]Message, 0, len(r.History)+2)
	if r.Instruction != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: r.Instruction})
	}
	msgs = append(msgs, r.History...)
	return append(msgs, Message{Role: RoleUser, Content: r.UserText})
}

// Client produces a reply for a request. Implementations must honour ctx
// cancellation and be safe for concurrent use.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (string, error)

func (f ClientFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstream)
}

// Overrides replaces template-level parameters on every request. An empty
// Model or nil Temperature leaves the request untouched.
type Overrides struct {
	Model       string
	Temperature *float64
}

// WithOverrides applies o to each request before calling next.
func WithOverrides(next Client, o Overrides) Client {
	if o.Model == "" && o.Temperature == nil {
		return next
	}
	return ClientFunc(func(ctx context.Context, req Request) (string, error) {
		if o.Model != "" {
			req.Model = o.Model
		}
		if o.Temperature != nil {
			temp := *o.Temperature
			req.Temperature = &temp
		}
		return next.Generate(ctx, req)
	})
}
