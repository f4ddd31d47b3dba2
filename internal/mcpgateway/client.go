package mcpgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// Client calls a sandbox's tool gateway over JSON-RPC/HTTP, authenticated
// with the bearer token minted for that sandbox (spec §4.A: "tool_endpoint
// _url and tool_auth_token"). One Client per sandbox lifetime.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	nextID  atomic.Int64
	timeout time.Duration
}

// NewClient creates a gateway client for one sandbox's tool endpoint.
func NewClient(baseURL, bearerToken string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   bearerToken,
		http:    &http.Client{Timeout: 35 * time.Second},
		timeout: 30 * time.Second,
	}
}

// call issues one JSON-RPC request and decodes the response.
func (c *Client) call(ctx context.Context, method string, params any) (*JSONRPCResponse, error) {
	id := c.nextID.Add(1)
	req, err := NewRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("mcpgateway: build request: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("mcpgateway: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mcpgateway: build http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mcpgateway: transport: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("mcpgateway: read response: %w", err)
	}

	var rpcResp JSONRPCResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return nil, fmt.Errorf("mcpgateway: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("mcpgateway: %s (code %d)", rpcResp.Error.Message, rpcResp.Error.Code)
	}
	return &rpcResp, nil
}

// Initialize performs the MCP-style handshake.
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]string{"name": "simengine", "version": "1.0.0"},
		"capabilities":    struct{}{},
	}
	_, err := c.call(ctx, MethodInitialize, params)
	return err
}

// CallTool invokes a named tool with JSON-serializable arguments and
// returns the decoded ToolResult (ResearchText joins its text content). A
// result flagged IsError is returned together with an error.
func (c *Client) CallTool(ctx context.Context, name string, args any) (*ToolResult, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("mcpgateway: marshal tool args: %w", err)
	}

	resp, err := c.call(ctx, MethodToolsCall, ToolCallParams{Name: name, Arguments: raw})
	if err != nil {
		return nil, err
	}

	var result ToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("mcpgateway: decode tool result: %w", err)
	}
	if result.IsError {
		return &result, fmt.Errorf("mcpgateway: tool %q returned an error result", name)
	}
	return &result, nil
}

// ResearchText joins all text content blocks from a research tool call.
func (r *ToolResult) ResearchText() string {
	var out string
	for _, block := range r.Content {
		if block.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += block.Text
		}
	}
	return out
}
