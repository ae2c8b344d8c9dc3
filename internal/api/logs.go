package api

import (
	"context"
	"net/url"
	"strconv"
)

// LogEntry is one line of a service log. Its shape is owned by the log
// backend.
type LogEntry struct {
	Service   string `json:"service"`
	Line      string `json:"line"`
	Timestamp string `json:"timestamp"`
}

// FetchLogs returns the most recent lines of a service's log.
func (c *Client) FetchLogs(ctx context.Context, sessionID, service string, lines int) ([]LogEntry, error) {
	if sessionID == "" {
		return nil, ErrMissingSession
	}
	if service == "" {
		return nil, ErrMissingService
	}
	q := url.Values{}
	q.Set("service", service)
	if lines > 0 {
		q.Set("lines", strconv.Itoa(lines))
	}
	var out []LogEntry
	if err := c.do(ctx, "GET", sessionPath(sessionID)+"/logs?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
