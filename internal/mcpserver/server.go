// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes offsync tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/offsync/internal/models"
	"github.com/starford/offsync/internal/service"
)

const statusModelURI = "offsync://status-model"

// Server wraps the MCP server with offsync tools.
type Server struct {
	mcp *server.MCPServer
	svc *service.Service
}

// New creates a new MCP server with all offsync tools registered.
func New(svc *service.Service) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"offsync",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(resourceTool("resource_status",
		"Report the download status and estimated size of a cacheable resource. "+
			"See the "+statusModelURI+" resource for the meaning of each status."),
		s.resourceStatus)

	s.mcp.AddTool(resourceTool("download_resource",
		"Download a resource for offline use and wait until it finishes."),
		s.downloadResource)

	s.mcp.AddTool(resourceTool("invalidate_resource",
		"Drop the cached content and status of a resource."),
		s.invalidateResource)

	s.mcp.AddTool(mcp.NewTool("list_offline_actions",
		mcp.WithDescription("List the actions buffered offline for an entity, oldest first."),
		mcp.WithString("site", mcp.Required(), mcp.Description("Site identifier")),
		mcp.WithString("entity", mcp.Required(), mcp.Description("Entity identifier (e.g. a quiz attempt id)")),
	), s.listOfflineActions)

	s.mcp.AddTool(mcp.NewTool("sync_entity",
		mcp.WithDescription("Send the buffered actions of an entity to the remote site. "+
			"Returns the sync report including any warnings about discarded data."),
		mcp.WithString("site", mcp.Required(), mcp.Description("Site identifier")),
		mcp.WithString("entity", mcp.Required(), mcp.Description("Entity identifier")),
	), s.syncEntity)

	s.mcp.AddTool(mcp.NewTool("open_edit_session",
		mcp.WithDescription("Open a local edit session of an entity. The entity cannot sync until "+
			"the session is closed. Returns the session id."),
		mcp.WithString("site", mcp.Required(), mcp.Description("Site identifier")),
		mcp.WithString("entity", mcp.Required(), mcp.Description("Entity identifier")),
	), s.openEditSession)

	s.mcp.AddTool(mcp.NewTool("close_edit_session",
		mcp.WithDescription("Close an edit session opened with open_edit_session."),
		mcp.WithString("session", mcp.Required(), mcp.Description("Session id")),
	), s.closeEditSession)

	s.mcp.AddResource(
		mcp.NewResource(statusModelURI, "Status Model",
			mcp.WithResourceDescription("Download states and sync warnings reported by the offsync tools."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readStatusModel,
	)

	return s
}

// resourceTool declares a tool addressing one resource.
func resourceTool(name, description string) mcp.Tool {
	return mcp.NewTool(name,
		mcp.WithDescription(description),
		mcp.WithString("site", mcp.Required(), mcp.Description("Site identifier")),
		mcp.WithString("type", mcp.Required(), mcp.Description("Content type (resource, page, folder)")),
		mcp.WithString("component", mcp.Required(), mcp.Description("Component name (e.g. mod_page)")),
		mcp.WithString("id", mcp.Required(), mcp.Description("Component instance id")),
	)
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func resourceArg(req mcp.CallToolRequest) (models.Resource, error) {
	var res models.Resource
	var err error
	if res.Key.SiteID, err = req.RequireString("site"); err != nil {
		return res, err
	}
	if res.Type, err = req.RequireString("type"); err != nil {
		return res, err
	}
	if res.Key.Component, err = req.RequireString("component"); err != nil {
		return res, err
	}
	if res.Key.ComponentID, err = req.RequireString("id"); err != nil {
		return res, err
	}
	return res, nil
}

func groupArg(req mcp.CallToolRequest) (models.GroupKey, error) {
	var g models.GroupKey
	var err error
	if g.SiteID, err = req.RequireString("site"); err != nil {
		return g, err
	}
	if g.EntityID, err = req.RequireString("entity"); err != nil {
		return g, err
	}
	return g, nil
}

func jsonResult(v any) *mcp.CallToolResult {
	out, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(out))
}

func (s *Server) resourceStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := resourceArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	view, err := s.svc.ResourceStatus(ctx, res)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(view), nil
}

func (s *Server) downloadResource(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := resourceArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	view, err := s.svc.Download(ctx, res)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(view), nil
}

func (s *Server) invalidateResource(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := resourceArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.svc.Invalidate(ctx, res); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("invalidated: " + res.Key.String()), nil
}

func (s *Server) listOfflineActions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	g, err := groupArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	list, err := s.svc.Actions(ctx, g)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(list) == 0 {
		return mcp.NewToolResultText("no buffered actions"), nil
	}
	return jsonResult(list), nil
}

func (s *Server) syncEntity(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	g, err := groupArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rep, err := s.svc.Sync(ctx, g)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(rep), nil
}

func (s *Server) openEditSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	g, err := groupArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sess, err := s.svc.OpenSession(g)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(sess), nil
}

func (s *Server) closeEditSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.svc.CloseSession(id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("closed: " + id), nil
}

func (s *Server) readStatusModel(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      statusModelURI,
			MIMEType: "text/markdown",
			Text:     StatusModel,
		},
	}, nil
}
