package napcat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	logx "duoshe/pkg/logx"
)

// Member is the subset of get_group_member_info the bot reads.
type Member struct {
	UserID   ID     `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card"`
	Role     string `json:"role"`
}

// DisplayCard is the group card, or the nickname when no card is set.
func (m Member) DisplayCard() string {
	if m.Card != "" {
		return m.Card
	}
	return m.Nickname
}

// Elevated reports whether the role is admin or owner.
func (m Member) Elevated() bool {
	switch strings.ToLower(m.Role) {
	case "admin", "owner":
		return true
	}
	return false
}

// MemberInfo reads one member, bypassing Napcat's cache. A refusal or an
// empty reply is reported as ErrMemberNotFound.
func (c *Client) MemberInfo(ctx context.Context, groupID, userID string) (Member, error) {
	var m *Member
	err := c.call(ctx, "get_group_member_info", map[string]any{
		"group_id": wireID(groupID),
		"user_id":  wireID(userID),
		"no_cache": true,
	}, &m)
	switch {
	case errors.Is(err, ErrNotOK):
		return Member{}, fmt.Errorf("member %s in group %s: %w: %v", userID, groupID, ErrMemberNotFound, err)
	case err != nil:
		return Member{}, fmt.Errorf("member %s in group %s: %w", userID, groupID, err)
	case m == nil:
		return Member{}, fmt.Errorf("member %s in group %s: %w: empty data", userID, groupID, ErrMemberNotFound)
	}
	return *m, nil
}

// GetGroupCard returns the member's display card.
func (c *Client) GetGroupCard(ctx context.Context, groupID, userID string) (string, error) {
	m, err := c.MemberInfo(ctx, groupID, userID)
	if err != nil {
		return "", err
	}
	return m.DisplayCard(), nil
}

// SetGroupCard sets userID's card in groupID.
func (c *Client) SetGroupCard(ctx context.Context, groupID, userID, card string) error {
	err := c.call(ctx, "set_group_card", map[string]any{
		"group_id": wireID(groupID),
		"user_id":  wireID(userID),
		"card":     card,
	}, nil)
	if err != nil {
		return fmt.Errorf("set card of %s in group %s: %w", userID, groupID, err)
	}
	return nil
}

// PokeUser sends a group poke to userID.
func (c *Client) PokeUser(ctx context.Context, groupID, userID string) error {
	err := c.call(ctx, "group_poke", map[string]any{
		"group_id": wireID(groupID),
		"user_id":  wireID(userID),
	}, nil)
	if err != nil {
		return fmt.Errorf("poke %s in group %s: %w", userID, groupID, err)
	}
	return nil
}

// HasElevatedPrivilege reports whether the bot is admin or owner of groupID.
func (c *Client) HasElevatedPrivilege(ctx context.Context, groupID string) (bool, error) {
	self := c.SelfID()
	if self == "" {
		return false, errors.New("self id unknown")
	}
	m, err := c.MemberInfo(ctx, groupID, self)
	if err != nil {
		return false, err
	}
	c.log.Debug("bot role", logx.String("group_id", groupID), logx.String("role", m.Role))
	return m.Elevated(), nil
}
