package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Version is reported to MCP clients.
const Version = "0.1.0"

// MCPServer exposes a registry over MCP for a single owner. Authentication
// happens before the server is started, so every call runs as ownerID.
type MCPServer struct {
	registry *Registry
	ownerID  string
	server   *mcp.Server
	logger   *log.Logger
}

func NewMCPServer(registry *Registry, ownerID string, logger *log.Logger) (*MCPServer, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is nil")
	}
	if ownerID == "" {
		return nil, fmt.Errorf("mcp server requires an owner id")
	}
	if logger == nil {
		logger = log.Default()
	}

	s := &MCPServer{
		registry: registry,
		ownerID:  ownerID,
		server:   mcp.NewServer(&mcp.Implementation{Name: "sales-rag", Version: Version}, nil),
		logger:   logger,
	}
	for _, c := range registry.List() {
		s.server.AddTool(&mcp.Tool{
			Name:        c.Name(),
			Description: c.Description(),
			InputSchema: c.InputSchema(),
		}, s.handler(c.Name()))
	}
	return s, nil
}

// Run serves MCP over stdio until ctx is cancelled or the client disconnects.
func (s *MCPServer) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// handler reports capability failures as tool errors so the calling model
// can read them; only encoding problems fail the protocol call.
func (s *MCPServer) handler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args json.RawMessage
		if req != nil && req.Params != nil {
			args = req.Params.Arguments
		}

		out, err := s.registry.Execute(ctx, name, s.ownerID, args)
		if err != nil {
			s.logger.Printf("tool %s failed: %v", name, err)
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
				IsError: true,
			}, nil
		}

		encoded, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("encode %s result: %w", name, err)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(encoded)}},
		}, nil
	}
}
