// Package mcpserver exposes the guide conversation as an MCP tool.
package mcpserver

import (
	"context"
	"errors"
	"net/http"

	"pyceon-backend/internal/model"
	"pyceon-backend/internal/service"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const toolName = "guide"

// NewServer creates an MCP server with a single guide tool backed by svc.
func NewServer(svc *service.GuideService) *server.MCPServer {
	s := server.NewMCPServer(
		"pyceon",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	guideTool := mcp.NewTool(toolName,
		mcp.WithDescription("Send a message to the local assistant and get the full reply. Pass sessionId to continue a conversation."),
		mcp.WithString("message",
			mcp.Required(),
			mcp.Description("The user message"),
		),
		mcp.WithString("sessionId",
			mcp.Description("Conversation id returned by an earlier call"),
		),
	)

	s.AddTool(guideTool, guideHandler(svc))
	return s
}

// NewHTTPHandler serves s over the streamable HTTP transport.
func NewHTTPHandler(s *server.MCPServer) http.Handler {
	return server.NewStreamableHTTPServer(s)
}

func guideHandler(svc *service.GuideService) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := request.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError("message is required"), nil
		}

		sessionID, reply, err := svc.Guide(ctx, model.GuideRequest{
			Message:   message,
			SessionID: request.GetString("sessionId", ""),
		}, "mcp")
		if err != nil {
			var verr *service.ValidationError
			if errors.As(err, &verr) {
				return mcp.NewToolResultError(verr.Reason), nil
			}
			if errors.Is(err, service.ErrClientGone) {
				return nil, ctx.Err()
			}
			return mcp.NewToolResultError(err.Error()), nil
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.NewTextContent(reply),
				mcp.NewTextContent("sessionId=" + sessionID),
			},
		}, nil
	}
}
