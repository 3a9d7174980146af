package push

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

// ErrMissingDestination indicates neither a device token nor a topic was set.
var ErrMissingDestination = errors.New("push: message requires token or topic")

// Message is a single push delivery. Exactly one of Token or Topic is used;
// Token wins when both are set.
type Message struct {
	Token string
	Topic string
	Title string
	Body  string
	Data  map[string]string
	// Link is copied into Data under "link".
	Link string
}

func (m Message) validate() error {
	if strings.TrimSpace(m.Token) == "" && strings.TrimSpace(m.Topic) == "" {
		return ErrMissingDestination
	}
	return nil
}

func (m Message) data() map[string]string {
	if len(m.Data) == 0 && m.Link == "" {
		return nil
	}
	merged := make(map[string]string, len(m.Data)+1)
	for key, value := range m.Data {
		merged[key] = value
	}
	if m.Link != "" {
		merged["link"] = m.Link
	}
	return merged
}

// Sender delivers push messages. Each call is independent.
type Sender interface {
	Send(ctx context.Context, message Message) error
}

// NopSender accepts every message without delivering it.
type NopSender struct {
	Logger *zap.Logger
}

// Send validates the message and logs it at debug level.
func (s NopSender) Send(_ context.Context, message Message) error {
	if err := message.validate(); err != nil {
		return err
	}
	if s.Logger != nil {
		s.Logger.Debug("push delivery disabled, message dropped",
			zap.String("title", message.Title),
			zap.Bool("topic", message.Token == ""))
	}
	return nil
}
