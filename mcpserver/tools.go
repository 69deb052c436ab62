package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"mcpauthd/upstream"
)

// Service owns the MCP tool surface. Every tool resolves the caller's
// identity from the session's auth context and reads upstream data through
// the re-login orchestrator, so upstream session expiry never reaches a tool
// caller.
type Service struct {
	mcp      *server.MCPServer
	orch     *upstream.Orchestrator
	accounts *upstream.AccountStore
	logger   *slog.Logger
}

// NewService builds the MCP server and registers all tools.
func NewService(orch *upstream.Orchestrator, accounts *upstream.AccountStore, logger *slog.Logger) *Service {
	mcpServer := server.NewMCPServer(
		"mcpauthd",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s := &Service{
		mcp:      mcpServer,
		orch:     orch,
		accounts: accounts,
		logger:   logger,
	}
	s.registerTools()
	return s
}

func (s *Service) registerTools() {
	accountStatusTool := mcp.NewTool("account_status",
		mcp.WithDescription("Show the connectivity status of the linked upstream account"),
	)
	s.mcp.AddTool(accountStatusTool, s.handleAccountStatus)

	depotListTool := mcp.NewTool("depot_list",
		mcp.WithDescription("List the depot ids available to the linked upstream account"),
	)
	s.mcp.AddTool(depotListTool, s.handleDepotList)

	depotAccountTool := mcp.NewTool("depot_account",
		mcp.WithDescription("Fetch upstream account data for one depot"),
		mcp.WithString("depot",
			mcp.Required(),
			mcp.Description("Depot id to fetch account data for"),
		),
	)
	s.mcp.AddTool(depotAccountTool, s.handleDepotAccount)
}

// identityFor extracts the bound identity from the request context. Tokens
// issued without an identity binding fail closed here.
func (s *Service) identityFor(ctx context.Context) (string, *mcp.CallToolResult) {
	ac, ok := AuthFromContext(ctx)
	if !ok || ac.Identity == "" {
		return "", mcp.NewToolResultError("no identity is bound to this token; sign in through the authorization flow first")
	}
	return ac.Identity, nil
}

func (s *Service) handleAccountStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identity, errResult := s.identityFor(ctx)
	if errResult != nil {
		return errResult, nil
	}

	acct, ok := s.accounts.Get(identity)
	if !ok {
		return mcp.NewToolResultError("no upstream account linked to this identity"), nil
	}

	out, err := json.Marshal(map[string]any{
		"identity":           acct.Identity,
		"status":             acct.Status,
		"depots":             acct.Depots,
		"failed_login_count": acct.FailedLoginCount,
		"last_login_at":      acct.LastLoginAt,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to format status: %v", err)), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Service) handleDepotList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identity, errResult := s.identityFor(ctx)
	if errResult != nil {
		return errResult, nil
	}

	acct, ok := s.accounts.Get(identity)
	if !ok {
		return mcp.NewToolResultError("no upstream account linked to this identity"), nil
	}

	out, err := json.Marshal(map[string]any{"depots": acct.Depots})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to format depots: %v", err)), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Service) handleDepotAccount(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identity, errResult := s.identityFor(ctx)
	if errResult != nil {
		return errResult, nil
	}

	depot, err := request.RequireString("depot")
	if err != nil {
		return mcp.NewToolResultError("depot argument is required"), nil
	}

	payload, err := s.orch.CallWithRelogin(ctx, identity, depot)
	switch {
	case err == nil:
		return mcp.NewToolResultText(string(payload)), nil
	case errors.Is(err, upstream.ErrNoAccount):
		return mcp.NewToolResultError("no upstream account linked to this identity"), nil
	case errors.Is(err, upstream.ErrCredentialsInvalid), errors.Is(err, upstream.ErrSessionUnrecoverable):
		return mcp.NewToolResultError("upstream account needs a fresh interactive login"), nil
	default:
		s.logger.Warn("depot_account upstream failure", "identity", identity, "depot", depot, "error", err)
		return mcp.NewToolResultError("upstream temporarily unavailable, try again"), nil
	}
}

// BrokenAccountNotification is the server-push message sent to a session when
// its identity's upstream account transitions to needing a fresh login.
func BrokenAccountNotification(identity string) []byte {
	msg := map[string]any{
		"jsonrpc": "2.0",
		"method":  "notifications/message",
		"params": map[string]any{
			"level":  "warning",
			"logger": "mcpauthd",
			"data":   fmt.Sprintf("upstream account for identity %s requires a fresh interactive login", identity),
		},
	}
	out, err := json.Marshal(msg)
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"warning","data":"upstream account requires a fresh interactive login"}}`)
	}
	return out
}
