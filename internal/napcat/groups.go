package napcat

import (
	"context"
	"fmt"
)

// Group is one entry of get_group_list.
type Group struct {
	ID   ID     `json:"group_id"`
	Name string `json:"group_name"`
}

// ListGroups returns the ids of every group the bot is a member of.
func (c *Client) ListGroups(ctx context.Context) ([]string, error) {
	groups, err := c.Groups(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(groups))
	seen := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		id := string(g.ID)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// Groups returns the raw group list, names included.
func (c *Client) Groups(ctx context.Context) ([]Group, error) {
	var groups []Group
	if err := c.callRead(ctx, "get_group_list", map[string]any{}, &groups); err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return groups, nil
}
