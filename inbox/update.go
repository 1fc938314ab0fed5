// Package inbox receives chat updates from a NATS JetStream stream and
// publishes the tasks created by task-setup dialogs back onto it.
//
// A chat adapter publishes every message and button press it sees as an
// Update on "<prefix>.updates.<thread>". The service pulls them through a
// durable consumer, so updates that arrive while it is down are delivered
// when it comes back.
package inbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zhubert/plural-remote/relay"
)

// ErrInvalidUpdate is returned by DecodeUpdate for unusable messages.
var ErrInvalidUpdate = errors.New("invalid update")

// Update is one incoming chat event: a text message or a button press.
type Update struct {
	ID        string    `json:"id"`
	ThreadKey string    `json:"thread_key"`
	ActorRef  string    `json:"actor_ref,omitempty"`
	Text      string    `json:"text,omitempty"`
	Callback  string    `json:"callback,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// IsCallback reports whether the update is a button press.
func (u Update) IsCallback() bool {
	return u.Callback != ""
}

// DecodeUpdate parses an update and checks it names a thread and carries
// either text or a callback.
func DecodeUpdate(data []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if strings.TrimSpace(u.ThreadKey) == "" {
		return Update{}, fmt.Errorf("%w: no thread_key", ErrInvalidUpdate)
	}
	if u.Text == "" && u.Callback == "" {
		return Update{}, fmt.Errorf("%w: neither text nor callback", ErrInvalidUpdate)
	}
	return u, nil
}

// Task is a unit of work created by a task-setup dialog.
type Task struct {
	ID          string    `json:"id"`
	ThreadKey   string    `json:"thread_key"`
	OwnerRef    string    `json:"owner_ref,omitempty"`
	Machine     string    `json:"machine"`
	RepoMode    string    `json:"repo_mode"`
	Repo        string    `json:"repo,omitempty"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// UpdateSubject is where a chat adapter publishes updates for a thread.
func UpdateSubject(prefix, threadKey string) string {
	return prefix + ".updates." + relay.SubjectToken(threadKey)
}

// TaskSubject is where tasks for a machine are published.
func TaskSubject(prefix, machine string) string {
	return prefix + ".tasks." + relay.SubjectToken(machine)
}
