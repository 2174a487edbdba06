package msgcache

import "time"

// clone copies the page structure so a patch can edit it freely.
func (c Conversation) clone() Conversation {
	out := Conversation{Pages: make([]Page, len(c.Pages))}
	for i, p := range c.Pages {
		out.Pages[i] = Page{
			Messages:   append([]Message(nil), p.Messages...),
			NextCursor: p.NextCursor,
		}
	}
	return out
}

// locate returns the page and index of id, or -1, -1.
func (c Conversation) locate(id string) (int, int) {
	for pi, p := range c.Pages {
		for mi, m := range p.Messages {
			if m.ID == id {
				return pi, mi
			}
		}
	}
	return -1, -1
}

// AppendIfAbsent adds msg to the newest page unless a message with the same
// id is already cached.
func AppendIfAbsent(msg Message) Patch {
	return func(c Conversation) Conversation {
		if pi, _ := c.locate(msg.ID); pi >= 0 {
			return c
		}
		out := c.clone()
		if len(out.Pages) == 0 {
			out.Pages = []Page{{}}
		}
		out.Pages[0].Messages = append(out.Pages[0].Messages, msg)
		return out
	}
}

// EditMessage replaces the text and timestamp of id in place. A zero at
// keeps the existing timestamp. Unknown ids leave the value unchanged.
func EditMessage(id, text string, at time.Time) Patch {
	return func(c Conversation) Conversation {
		pi, mi := c.locate(id)
		if pi < 0 {
			return c
		}
		out := c.clone()
		m := &out.Pages[pi].Messages[mi]
		m.Text = text
		if !at.IsZero() {
			m.Timestamp = at
		}
		return out
	}
}

// RemoveMessage deletes id. Unknown ids leave the value unchanged.
func RemoveMessage(id string) Patch {
	return func(c Conversation) Conversation {
		pi, mi := c.locate(id)
		if pi < 0 {
			return c
		}
		out := c.clone()
		msgs := out.Pages[pi].Messages
		out.Pages[pi].Messages = append(msgs[:mi], msgs[mi+1:]...)
		return out
	}
}

// CommitMessage reconciles an optimistic entry, matched by tempID, with the
// server's answer. An empty serverID keeps the temporary id. If serverID is
// already cached the temporary entry is dropped instead, so the message
// never appears twice.
func CommitMessage(tempID, serverID string, status Status, at time.Time) Patch {
	return func(c Conversation) Conversation {
		pi, mi := c.locate(tempID)
		if pi < 0 {
			return c
		}
		if serverID != "" && serverID != tempID {
			if dup, _ := c.locate(serverID); dup >= 0 {
				return RemoveMessage(tempID)(c)
			}
		}
		out := c.clone()
		m := &out.Pages[pi].Messages[mi]
		if serverID != "" {
			m.ID = serverID
		}
		m.Status = status
		if !at.IsZero() {
			m.Timestamp = at
		}
		return out
	}
}

// Merge appends every message not already cached, in order. Used by the
// polling fallback.
func Merge(msgs []Message) Patch {
	return func(c Conversation) Conversation {
		for _, m := range msgs {
			c = AppendIfAbsent(m)(c)
		}
		return c
	}
}
