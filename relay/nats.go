package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is used when NATSSink is given no prefix.
const DefaultSubjectPrefix = "plural.remote"

// OutboundMessage is the JSON body published for every chat message.
type OutboundMessage struct {
	TopicID string    `json:"topic_id"`
	Text    string    `json:"text"`
	Buttons []Button  `json:"buttons,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// NATSSink publishes chat messages to "<prefix>.topic.<topicID>"; the chat
// adapter subscribes there and posts them.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	now    func() time.Time
}

// NewNATSSink creates a sink on an established connection.
func NewNATSSink(conn *nats.Conn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{conn: conn, prefix: prefix, now: time.Now}
}

// Subject returns the subject messages for topicID are published on.
func (s *NATSSink) Subject(topicID string) string {
	return TopicSubject(s.prefix, topicID)
}

// TopicSubject builds the outbound subject for a topic.
func TopicSubject(prefix, topicID string) string {
	return prefix + ".topic." + SubjectToken(topicID)
}

// SubjectToken makes s safe to use as one NATS subject token.
func SubjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Send publishes one message.
func (s *NATSSink) Send(ctx context.Context, topicID, text string) error {
	return s.publish(ctx, OutboundMessage{TopicID: topicID, Text: text})
}

// Prompt publishes a message with buttons.
func (s *NATSSink) Prompt(ctx context.Context, topicID, text string, buttons []Button) error {
	return s.publish(ctx, OutboundMessage{TopicID: topicID, Text: text, Buttons: buttons})
}

func (s *NATSSink) publish(ctx context.Context, msg OutboundMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	topicID := msg.TopicID
	msg.SentAt = s.now().UTC()
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := s.conn.Publish(s.Subject(topicID), payload); err != nil {
		return fmt.Errorf("publish to topic %s: %w", topicID, err)
	}
	return nil
}

var (
	_ Sink     = (*NATSSink)(nil)
	_ Prompter = (*NATSSink)(nil)
)
