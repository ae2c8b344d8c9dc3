package api

import "context"

// Session is the backend's view of a user's VM session. The core only ever
// uses the ID; the rest is informational.
type Session struct {
	ID       string `json:"id"`
	Host     string `json:"host"`
	Username string `json:"username"`
	State    string `json:"state"`
}

// GetSession looks up a session by id.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, ErrMissingSession
	}
	var s Session
	if err := c.do(ctx, "GET", sessionPath(sessionID), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
