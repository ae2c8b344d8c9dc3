package api

import "context"

// CommandTemplate is a predefined command the user may run on the VM.
type CommandTemplate struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Command     string          `json:"command"`
	Params      []TemplateParam `json:"params,omitempty"`
}

type TemplateParam struct {
	Name     string `json:"name"`
	Required bool   `json:"required,omitempty"`
	Default  string `json:"default,omitempty"`
}

// RunRequest runs a template with parameters. RequestID lets the backend
// deduplicate retries and tag streamed exec output.
type RunRequest struct {
	TemplateID string            `json:"templateId"`
	Params     map[string]string `json:"params,omitempty"`
	RequestID  string            `json:"requestId,omitempty"`
}

// CommandResult is the outcome of a finished command.
type CommandResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// ListTemplates returns the command templates available to a session.
func (c *Client) ListTemplates(ctx context.Context, sessionID string) ([]CommandTemplate, error) {
	if sessionID == "" {
		return nil, ErrMissingSession
	}
	var out []CommandTemplate
	if err := c.do(ctx, "GET", sessionPath(sessionID)+"/commands/templates", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RunCommand runs a template and waits for its result.
func (c *Client) RunCommand(ctx context.Context, sessionID string, req RunRequest) (*CommandResult, error) {
	if sessionID == "" {
		return nil, ErrMissingSession
	}
	if req.TemplateID == "" {
		return nil, ErrMissingTemplate
	}
	var res CommandResult
	if err := c.do(ctx, "POST", sessionPath(sessionID)+"/commands/run", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
