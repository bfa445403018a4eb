package napcat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"duoshe/internal/activity"
	logx "duoshe/pkg/logx"
)

type historyMessage struct {
	MessageID  ID     `json:"message_id"`
	MessageSeq ID     `json:"message_seq"`
	Time       int64  `json:"time"`
	UserID     ID     `json:"user_id"`
	RawMessage string `json:"raw_message"`
	Sender     struct {
		UserID ID `json:"user_id"`
	} `json:"sender"`
}

type historyPage struct {
	Messages []historyMessage `json:"messages"`
}

// QueryMessages returns the group's messages sent in [since, until).
//
// History is read newest first, one page per call, each page anchored at the
// oldest message_seq of the previous one, until a page reaches since, yields
// nothing new or MaxPages is hit.
func (c *Client) QueryMessages(ctx context.Context, groupID string, since, until time.Time) ([]activity.Event, error) {
	var (
		events []activity.Event
		seen   = map[ID]struct{}{}
		anchor ID
	)
	for page := 0; page < c.cfg.MaxPages; page++ {
		params := map[string]any{
			"group_id":     wireID(groupID),
			"count":        c.cfg.PageSize,
			"reverseOrder": false,
		}
		if anchor != "" {
			params["message_seq"] = wireID(string(anchor))
		}

		var p historyPage
		if err := c.callRead(ctx, "get_group_msg_history", params, &p); err != nil {
			return nil, fmt.Errorf("history of group %s (page %d): %w", groupID, page, err)
		}

		fresh := 0
		reachedSince := false
		var oldest *historyMessage
		for i := range p.Messages {
			m := &p.Messages[i]
			key := m.MessageID
			if key == "" {
				key = m.MessageSeq
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			fresh++

			if oldest == nil || m.Time < oldest.Time {
				oldest = m
			}
			at := time.Unix(m.Time, 0)
			if at.Before(since) {
				reachedSince = true
				continue
			}
			if !at.Before(until) {
				continue
			}
			events = append(events, activity.Event{
				SenderID:  m.sender(),
				At:        at,
				IsCommand: c.isCommand(m.RawMessage),
			})
		}

		if fresh == 0 || reachedSince || oldest == nil || len(p.Messages) < c.cfg.PageSize {
			break
		}
		anchor = oldest.MessageSeq
		if anchor == "" {
			break
		}
		if page == c.cfg.MaxPages-1 {
			c.log.Debug("history page limit reached",
				logx.String("group_id", groupID), logx.Int("max_pages", c.cfg.MaxPages))
		}
	}
	return events, nil
}

func (m *historyMessage) sender() string {
	if m.Sender.UserID != "" {
		return string(m.Sender.UserID)
	}
	return string(m.UserID)
}

func (c *Client) isCommand(raw string) bool {
	s := strings.TrimSpace(raw)
	if s == "" {
		return false
	}
	for _, p := range c.cfg.CommandPrefixes {
		if p != "" && strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
