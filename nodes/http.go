package nodes

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/deepnoodle-ai/nodeflow"
	"github.com/deepnoodle-ai/nodeflow/internal/xjson"
	"github.com/deepnoodle-ai/nodeflow/marshal"
)

// maxResponseBytes caps the body read by http.request.
const maxResponseBytes = 10 << 20

// NewHTTPRequest returns the http.request node. A non-2xx response is not
// an error; success reports whether the status was 2xx.
func NewHTTPRequest(client *http.Client) nodeflow.Node {
	if client == nil {
		client = http.DefaultClient
	}
	return nodeflow.NewNodeFunction(nodeflow.Descriptor{
		Type:        "http.request",
		Description: "Makes an HTTP request.",
		Inputs: []nodeflow.InputSpec{
			{Name: "url", Type: marshal.TypeString},
			{Name: "method", Type: marshal.TypeString, Default: "GET"},
			{Name: "headers", Type: marshal.TypeObject, Optional: true},
			{Name: "body", Type: marshal.TypeString, Optional: true, Description: "Raw request body"},
			{Name: "json", Type: marshal.TypeJSON, Optional: true, Description: "JSON request body, used instead of body"},
			{Name: "timeout", Type: marshal.TypeNumber, Default: 30, Description: "Timeout in seconds"},
		},
		Outputs: []nodeflow.OutputSpec{
			{Name: "status_code", Type: marshal.TypeInteger},
			{Name: "headers", Type: marshal.TypeObject},
			{Name: "body", Type: marshal.TypeString},
			{Name: "json", Type: marshal.TypeAny},
			{Name: "success", Type: marshal.TypeBoolean},
		},
	}, func(ctx nodeflow.Context) (map[string]any, error) {
		url, err := nodeflow.InputString(ctx, "url")
		if err != nil {
			return nil, err
		}
		if url == "" {
			return nil, fmt.Errorf("url cannot be empty")
		}
		method, err := nodeflow.InputString(ctx, "method")
		if err != nil {
			return nil, err
		}
		if method == "" {
			method = http.MethodGet
		}
		timeout, err := nodeflow.InputFloat(ctx, "timeout")
		if err != nil || timeout <= 0 {
			timeout = 30
		}

		var body io.Reader
		payload, hasJSON := ctx.Input("json")
		if hasJSON && payload != nil {
			data, err := xjson.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("failed to encode json body: %w", err)
			}
			body = bytes.NewReader(data)
		} else if raw, _ := nodeflow.InputString(ctx, "body"); raw != "" {
			body = strings.NewReader(raw)
		}

		req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, body)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if headers, ok := ctx.Input("headers"); ok {
			if m, ok := headers.(map[string]any); ok {
				for k, v := range m {
					req.Header.Set(k, fmt.Sprint(v))
				}
			}
		}
		if hasJSON && payload != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		c := *client
		c.Timeout = time.Duration(timeout * float64(time.Second))
		resp, err := c.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}

		headers := map[string]any{}
		for k, values := range resp.Header {
			if len(values) > 0 {
				headers[k] = values[0]
			}
		}
		var parsed any
		if strings.Contains(resp.Header.Get("Content-Type"), "json") {
			if err := xjson.Unmarshal(data, &parsed); err != nil {
				parsed = nil
			}
		}
		ctx.Logger().Debug("http request", "method", req.Method, "url", url, "status", resp.StatusCode)
		return map[string]any{
			"status_code": resp.StatusCode,
			"headers":     headers,
			"body":        string(data),
			"json":        parsed,
			"success":     resp.StatusCode >= 200 && resp.StatusCode < 300,
		}, nil
	})
}
