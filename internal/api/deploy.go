package api

import (
	"context"
	"encoding/json"
	"net/url"
)

// DeployState is the backend-reported state of a deployment.
type DeployState string

const (
	DeployPending   DeployState = "pending"
	DeployRunning   DeployState = "running"
	DeployCompleted DeployState = "completed"
	DeployFailed    DeployState = "failed"
)

// IsTerminal reports whether no further transitions follow without a new
// action.
func (s DeployState) IsTerminal() bool {
	return s == DeployCompleted || s == DeployFailed
}

// DeployStatus is returned by start and status calls.
type DeployStatus struct {
	DeployID string          `json:"deployId"`
	State    DeployState     `json:"state"`
	Details  json.RawMessage `json:"details,omitempty"`
}

// DeployFile is one file pushed by a deployment.
type DeployFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func deployPath(deployID string) string {
	return "/api/v1/deploys/" + url.PathEscape(deployID)
}

// StartDeploy starts deploying files to the session's VM.
func (c *Client) StartDeploy(ctx context.Context, sessionID string, files []DeployFile) (*DeployStatus, error) {
	if sessionID == "" {
		return nil, ErrMissingSession
	}
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	var st DeployStatus
	body := map[string]any{"files": files}
	if err := c.do(ctx, "POST", sessionPath(sessionID)+"/deploys", body, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetDeploy fetches the current status of a deployment.
func (c *Client) GetDeploy(ctx context.Context, deployID string) (*DeployStatus, error) {
	if deployID == "" {
		return nil, ErrMissingDeployID
	}
	var st DeployStatus
	if err := c.do(ctx, "GET", deployPath(deployID), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// CancelDeploy asks the backend to stop a running deployment.
func (c *Client) CancelDeploy(ctx context.Context, deployID string) error {
	if deployID == "" {
		return ErrMissingDeployID
	}
	return c.do(ctx, "POST", deployPath(deployID)+"/cancel", nil, nil)
}

// RollbackDeploy asks the backend to restore the state before deployID.
func (c *Client) RollbackDeploy(ctx context.Context, deployID string) error {
	if deployID == "" {
		return ErrMissingDeployID
	}
	return c.do(ctx, "POST", deployPath(deployID)+"/rollback", nil, nil)
}
