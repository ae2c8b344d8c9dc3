package api

import (
	"context"
	"encoding/json"
	"net/url"
)

// ProjectConfig describes the project mounted in the session. The core reads
// it and never writes it back.
type ProjectConfig struct {
	Name     string            `json:"name"`
	RootPath string            `json:"rootPath"`
	Runtime  string            `json:"runtime,omitempty"`
	Services []string          `json:"services,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	// Extra holds fields the core does not interpret.
	Extra map[string]json.RawMessage `json:"-"`
}

func (p *ProjectConfig) UnmarshalJSON(data []byte) error {
	type plain ProjectConfig
	if err := json.Unmarshal(data, (*plain)(p)); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range []string{"name", "rootPath", "runtime", "services", "env"} {
		delete(all, k)
	}
	if len(all) > 0 {
		p.Extra = all
	}
	return nil
}

// GetProjectConfig returns the project configuration, optionally for a
// sub-project rooted at rootPath.
func (c *Client) GetProjectConfig(ctx context.Context, sessionID, rootPath string) (*ProjectConfig, error) {
	if sessionID == "" {
		return nil, ErrMissingSession
	}
	path := sessionPath(sessionID) + "/project-config"
	if rootPath != "" {
		path += "?" + url.Values{"root": []string{rootPath}}.Encode()
	}
	var cfg ProjectConfig
	if err := c.do(ctx, "GET", path, nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
