package capability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// httpFetchLimit caps how much of a fetched body is returned to the model
const httpFetchLimit = 64 * 1024

// RegisterBuiltins registers the tools every deployment gets out of the box
func RegisterBuiltins(r *Registry) error {
	builtins := []Tool{
		{
			Name:        "current_time",
			Description: "Returns the current date and time in UTC (RFC 3339).",
			ArgsSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				return time.Now().UTC().Format(time.RFC3339), nil
			},
		},
		{
			Name:        "http_get",
			Description: "Fetches a URL over HTTP GET and returns the response body as text, truncated to 64 KiB.",
			ArgsSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"url": map[string]interface{}{
						"type":        "string",
						"description": "The http(s) URL to fetch",
					},
				},
				"required": []interface{}{"url"},
			},
			Timeout: 15 * time.Second,
			Handler: httpGet,
		},
	}

	for _, tool := range builtins {
		if err := r.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

func httpGet(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	url, _ := args["url"].(string)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("url must be http or https")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, httpFetchLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return map[string]interface{}{
		"status": resp.StatusCode,
		"body":   string(body),
	}, nil
}
