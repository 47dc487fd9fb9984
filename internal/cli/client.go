package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// apiClient is a minimal HTTP client for talking to a running service
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient() (*apiClient, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return &apiClient{
		base: fmt.Sprintf("http://%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		http: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *apiClient) wsBase() string {
	return "ws" + c.base[len("http"):]
}

func (c *apiClient) postJSON(path string, body interface{}, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("request failed (is the service running?): %w", err)
	}
	defer resp.Body.Close()
	return c.decode(resp, out)
}

func (c *apiClient) getJSON(path string, out interface{}) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return fmt.Errorf("request failed (is the service running?): %w", err)
	}
	defer resp.Body.Close()
	return c.decode(resp, out)
}

func (c *apiClient) decode(resp *http.Response, out interface{}) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
