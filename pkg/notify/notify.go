// Package notify is the side-effect sink for "new message" events. The
// desktop notification mechanism itself is external; this package defines
// the interface the sync engine calls, at most once per newly inserted
// inbound message id.
package notify

import (
	"go.uber.org/zap"

	"github.com/Andrepuel/icechat/pkg/chat"
)

// bodyLimit caps the preview length handed to a notifier, in runes.
const bodyLimit = 128

// Notifier consumes one event per newly inserted inbound message.
type Notifier interface {
	NewMessage(m chat.Message)
}

// Preview shortens a payload for display, appending an ellipsis when the
// text was cut.
func Preview(payload string) string {
	runes := []rune(payload)
	if len(runes) <= bodyLimit {
		return payload
	}
	return string(runes[:bodyLimit]) + "..."
}

// LogNotifier logs inbound messages through zap. It is the default sink
// when no desktop notifier is wired in.
type LogNotifier struct{}

func (LogNotifier) NewMessage(m chat.Message) {
	zap.L().Info("new message",
		zap.String("from", m.SenderID),
		zap.String("conversation", m.ConversationID.String()),
		zap.String("preview", Preview(m.Payload)),
	)
}

// Func adapts a plain function to the Notifier interface.
type Func func(chat.Message)

func (f Func) NewMessage(m chat.Message) { f(m) }
