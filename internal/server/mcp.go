package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/quietfeed/message"
	"github.com/hazyhaar/quietfeed/platform"
)

// RegisterMCP registers the settings tools on srv.
func RegisterMCP(srv *mcp.Server, settings Settings) {
	registerTool(srv, &mcp.Tool{
		Name:        "quietfeed_get_settings",
		Description: "Return the current suppression settings of every platform.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, func(ctx context.Context, _ struct{}) (any, error) {
		snap, err := settings.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		return message.Settings{Settings: snap}, nil
	})

	registerTool(srv, &mcp.Tool{
		Name:        "quietfeed_update_settings",
		Description: "Replace the suppression settings. Unknown platforms are dropped, missing ones keep their defaults.",
		InputSchema: inputSchema(map[string]any{
			"settings": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "object"},
				"description": "Platform configs: id, enabled, options[{id, enabled}]",
			},
		}, []string{"settings"}),
	}, func(ctx context.Context, req struct {
		Settings platform.Snapshot `json:"settings"`
	}) (any, error) {
		if len(req.Settings) == 0 {
			return nil, errors.New("settings is required")
		}
		snap, err := settings.Apply(ctx, req.Settings)
		if err != nil {
			return nil, err
		}
		return message.Settings{Settings: snap}, nil
	})

	registerTool(srv, &mcp.Tool{
		Name:        "quietfeed_set_option",
		Description: "Turn one platform, or one option of a platform, on or off.",
		InputSchema: inputSchema(map[string]any{
			"platform": map[string]any{"type": "string", "description": "Platform id, e.g. youtube"},
			"option":   map[string]any{"type": "string", "description": "Option id, e.g. hide-shorts. Omit to toggle the platform itself."},
			"enabled":  map[string]any{"type": "boolean"},
		}, []string{"platform", "enabled"}),
	}, func(ctx context.Context, req struct {
		Platform string `json:"platform"`
		Option   string `json:"option"`
		Enabled  bool   `json:"enabled"`
	}) (any, error) {
		if req.Platform == "" {
			return nil, errors.New("platform is required")
		}
		snap, err := settings.SetOption(ctx, req.Platform, req.Option, req.Enabled)
		if err != nil {
			return nil, err
		}
		return message.Settings{Settings: snap}, nil
	})
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// registerTool adds a tool whose arguments decode into Req and whose result
// is returned as JSON text. Failures become tool errors, not protocol errors.
func registerTool[Req any](srv *mcp.Server, tool *mcp.Tool, fn func(context.Context, Req) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var in Req
		if args := req.Params.Arguments; len(args) > 0 && string(args) != "null" {
			if err := json.Unmarshal(args, &in); err != nil {
				var res mcp.CallToolResult
				res.SetError(fmt.Errorf("invalid arguments: %w", err))
				return &res, nil
			}
		}

		out, err := fn(ctx, in)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(err)
			return &res, nil
		}

		data, err := json.Marshal(out)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}
