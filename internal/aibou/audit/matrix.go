package audit

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixConfig holds the credentials of the account that posts notices.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
}

// MatrixSender posts m.notice messages. It never syncs; it only sends.
type MatrixSender struct {
	client *mautrix.Client
}

// NewMatrixSender creates a client for the configured account.
func NewMatrixSender(cfg MatrixConfig) (*MatrixSender, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("audit: create Matrix client: %w", err)
	}
	return &MatrixSender{client: client}, nil
}

// SendNotice posts message to roomID as an m.notice.
func (s *MatrixSender) SendNotice(ctx context.Context, roomID, message string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
	}
	if _, err := s.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("audit: send notice: %w", err)
	}
	return nil
}

var _ Sender = (*MatrixSender)(nil)
