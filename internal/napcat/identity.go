package napcat

import (
	"context"
	"errors"
	"fmt"

	logx "duoshe/pkg/logx"
)

// LoginInfo is the account Napcat is logged in as.
type LoginInfo struct {
	UserID   ID     `json:"user_id"`
	Nickname string `json:"nickname"`
}

// GetBotIdentity reads get_login_info. A configured SelfID takes precedence
// over the reported user id. The resolved id is remembered for
// HasElevatedPrivilege.
func (c *Client) GetBotIdentity(ctx context.Context) (LoginInfo, error) {
	var info LoginInfo
	if err := c.callRead(ctx, "get_login_info", map[string]any{}, &info); err != nil {
		if self := c.SelfID(); self != "" {
			c.log.Warn("get_login_info failed; using configured self id", logx.Err(err))
			return LoginInfo{UserID: ID(self)}, nil
		}
		return LoginInfo{}, fmt.Errorf("get login info: %w", err)
	}
	if self := c.SelfID(); self != "" {
		info.UserID = ID(self)
	}
	if info.UserID == "" {
		return LoginInfo{}, errors.New("get login info: empty user_id")
	}
	c.selfID.Store(string(info.UserID))
	return info, nil
}

// SelfID returns the bot's own id, or "" before it is known.
func (c *Client) SelfID() string {
	s, _ := c.selfID.Load().(string)
	return s
}
