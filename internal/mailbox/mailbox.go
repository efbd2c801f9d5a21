// Package mailbox implements the durable per-recipient message queues
// under a team directory. Each namespace holds one JSON file per
// recipient; writers append under a per-file lock, readers acknowledge by
// rewriting messages with read=true. Delivery is at-least-once; receivers
// deduplicate by protocol requestId.
package mailbox

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/teamclaw/teamclaw/internal/lockfile"
	"github.com/teamclaw/teamclaw/internal/names"
	"github.com/teamclaw/teamclaw/internal/teamerr"
)

// NamespaceTeam carries control traffic (shutdown, plans, idle
// notifications). Task-assignment traffic flows through the namespace
// named after the task list id.
const NamespaceTeam = "team"

// Message is one mailbox entry. Text is either free prose or a
// JSON-encoded protocol envelope.
type Message struct {
	From      string `json:"from"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	Read      bool   `json:"read,omitempty"`
	Color     string `json:"color,omitempty"`
}

// Path returns the mailbox file for one recipient in one namespace.
func Path(teamDir, namespace, recipient string) string {
	return filepath.Join(teamDir, "mailbox", namespace, names.Sanitize(recipient)+".json")
}

// Write appends msg to the recipient's mailbox, creating parent
// directories on demand. The message lands with read=false.
func Write(teamDir, namespace, recipient string, msg Message) error {
	p := Path(teamDir, namespace, recipient)
	return lockfile.WithLock(p+".lock", lockfile.Options{}, func() error {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return teamerr.Wrap(teamerr.IoFault, "mailbox.write", err)
		}
		msgs := load(p)
		msg.Read = false
		msgs = append(msgs, msg)
		return store(p, msgs)
	})
}

// ReadInbox returns the recipient's messages in append order without
// mutating the file. With unreadOnly, acknowledged messages are skipped.
func ReadInbox(teamDir, namespace, recipient string, unreadOnly bool) []Message {
	msgs := load(Path(teamDir, namespace, recipient))
	if !unreadOnly {
		return msgs
	}
	var unread []Message
	for _, m := range msgs {
		if !m.Read {
			unread = append(unread, m)
		}
	}
	return unread
}

// MarkRead flips read=true on every message matching the predicate.
func MarkRead(teamDir, namespace, recipient string, match func(Message) bool) error {
	p := Path(teamDir, namespace, recipient)
	return lockfile.WithLock(p+".lock", lockfile.Options{}, func() error {
		msgs := load(p)
		changed := false
		for i := range msgs {
			if !msgs[i].Read && match(msgs[i]) {
				msgs[i].Read = true
				changed = true
			}
		}
		if !changed {
			return nil
		}
		return store(p, msgs)
	})
}

// load tolerates missing and torn files by reading them as empty.
func load(p string) []Message {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil
	}
	return msgs
}

// store rewrites the mailbox with temp-then-rename.
func store(p string, msgs []Message) error {
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return teamerr.Wrap(teamerr.IoFault, "mailbox.store", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return teamerr.Wrap(teamerr.IoFault, "mailbox.store", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return teamerr.Wrap(teamerr.IoFault, "mailbox.store", err)
	}
	return nil
}
