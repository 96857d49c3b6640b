package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"taskx/internal/registry"
)

// Name is the task name the CLI registers Run under.
const Name = "http"

type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Timeout int               `json:"timeout"` // seconds
}

type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// Do sends the request. 4xx and 5xx responses are errors.
func Do(ctx context.Context, req Request) (Response, error) {
	if req.URL == "" {
		return Response{}, fmt.Errorf("URL is required")
	}

	if req.Method == "" {
		req.Method = http.MethodGet
	}

	if req.Timeout <= 0 {
		req.Timeout = 30
	}

	client := &http.Client{
		Timeout: time.Duration(req.Timeout) * time.Second,
	}

	var body io.Reader
	if req.Body != "" {
		body = bytes.NewReader([]byte(req.Body))
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return Response{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return Response{}, fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return Response{StatusCode: resp.StatusCode, Headers: headers, Body: string(respBody)}, nil
}

// Run is Do as a task function.
var Run registry.TaskFunc = registry.Typed(Do)
