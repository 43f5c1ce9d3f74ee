package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"audit-platform/internal/auth"
	"audit-platform/internal/credits"
	"audit-platform/internal/session"
	"audit-platform/internal/stream"

	"github.com/gin-gonic/gin"
)

const (
	protocolVersion = "2024-11-05"
	toolName        = "audit_smart_contract"
)

// Server adapts the audit pipeline to MCP tool callers (CLI, editor
// extensions). One POST carries one JSON-RPC request; tools/call
// responses stream as data-framed notifications so the caller sees
// report chunks as the engine produces them, terminated by a
// stream/complete notification and the final result envelope.
type Server struct {
	Sessions *session.Service
	Streams  *stream.Coordinator
	Log      *slog.Logger

	ServerName    string
	ServerVersion string
}

func (s *Server) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// Handle is the single MCP endpoint. Auth middleware runs before this;
// the identity in context decides the billing account.
func (s *Server) Handle(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, newError(nil, codeParseError, "parse error"))
		return
	}
	if req.JSONRPC != JSONRPCVersion || req.Method == "" {
		c.JSON(http.StatusOK, newError(req.ID, codeInvalidRequest, "invalid request"))
		return
	}

	switch req.Method {
	case "initialize":
		c.JSON(http.StatusOK, newResponse(req.ID, gin.H{
			"protocolVersion": protocolVersion,
			"capabilities":    gin.H{"tools": gin.H{}},
			"serverInfo":      gin.H{"name": s.ServerName, "version": s.ServerVersion},
		}))
	case "notifications/initialized":
		c.Status(http.StatusAccepted)
	case "ping":
		c.JSON(http.StatusOK, newResponse(req.ID, gin.H{}))
	case "tools/list":
		c.JSON(http.StatusOK, newResponse(req.ID, gin.H{"tools": []gin.H{toolDescriptor()}}))
	case "tools/call":
		s.handleToolCall(c, req)
	default:
		c.JSON(http.StatusOK, newError(req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method)))
	}
}

func toolDescriptor() gin.H {
	return gin.H{
		"name":        toolName,
		"description": "Run an AI security audit over a smart contract and stream the report.",
		"inputSchema": gin.H{
			"type": "object",
			"properties": gin.H{
				"contractCode": gin.H{"type": "string", "description": "Full source of the contract to audit."},
				"language":     gin.H{"type": "string", "description": "Contract language (solidity, rust, move, cairo, vyper, yul)."},
				"fileName":     gin.H{"type": "string", "description": "Optional file name for context."},
			},
			"required": []string{"contractCode"},
		},
	}
}

type toolCallParams struct {
	Name      string `json:"name"`
	Arguments struct {
		ContractCode string `json:"contractCode"`
		Language     string `json:"language"`
		FileName     string `json:"fileName"`
	} `json:"arguments"`
}

func (s *Server) handleToolCall(c *gin.Context, req Request) {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.JSON(http.StatusOK, newError(req.ID, codeInvalidParams, "invalid params"))
		return
	}
	if params.Name != toolName {
		c.JSON(http.StatusOK, newError(req.ID, codeMethodNotFound, fmt.Sprintf("unknown tool %q", params.Name)))
		return
	}

	ctx := c.Request.Context()
	uid, _ := auth.UserID(ctx)
	if uid == "" {
		c.JSON(http.StatusOK, newError(req.ID, codeForbidden, "identity required"))
		return
	}

	// MCP submissions are anonymous: no owner, billing on the caller's
	// account (the service account for API-key callers).
	sess, err := s.Sessions.Create(ctx, session.CreateRequest{
		BillingUserID: uid,
		Code:          params.Arguments.ContractCode,
		Language:      params.Arguments.Language,
		ClientIP:      c.ClientIP(),
	})
	if err != nil {
		c.JSON(http.StatusOK, callError(req.ID, err))
		return
	}

	att, err := s.Streams.Attach(ctx, sess.ID)
	if err != nil {
		c.JSON(http.StatusOK, callError(req.ID, err))
		return
	}
	defer att.Close()

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusOK, newError(req.ID, codeInternalError, "streaming unsupported"))
		return
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	var report strings.Builder
	var terminal stream.Event

	for {
		var done bool
		select {
		case <-ctx.Done():
			// Caller went away mid-stream; the analysis keeps running
			// and the result stays pollable by session id.
			return
		case ev, open := <-att.Events():
			if !open {
				done = true
				break
			}
			switch ev.Type {
			case stream.EventContent:
				report.WriteString(ev.Content)
				s.writeFrame(c, flusher, newNotification("stream/chunk", gin.H{
					"sessionId": sess.ID,
					"content":   ev.Content,
				}))
			case stream.EventCredits:
				s.writeFrame(c, flusher, newNotification("stream/credits", gin.H{
					"sessionId":   sess.ID,
					"creditsUsed": ev.CreditsUsed,
				}))
			case stream.EventComplete, stream.EventError:
				terminal = ev
			}
		}
		if done {
			break
		}
	}

	s.writeFrame(c, flusher, newNotification("stream/complete", gin.H{
		"sessionId": sess.ID,
		"status":    terminal.Status,
	}))
	s.writeFrame(c, flusher, finalResult(req.ID, sess.ID, report.String(), terminal))
}

// writeFrame emits one data-framed JSON-RPC message and flushes so the
// caller sees it immediately.
func (s *Server) writeFrame(c *gin.Context, flusher http.Flusher, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger().Error("mcp frame marshal failed", "error", err)
		return
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
		return
	}
	flusher.Flush()
}

// finalResult is the MCP tool result envelope carrying the aggregated
// report. Failures are in-band tool errors, not JSON-RPC errors, so
// callers still receive any partial report text.
func finalResult(id json.RawMessage, sessionID, report string, terminal stream.Event) Response {
	isError := terminal.Type != stream.EventComplete
	text := report
	if isError && terminal.ErrorReason != "" {
		text = fmt.Sprintf("audit failed: %s\n\n%s", terminal.ErrorReason, report)
	}

	result := gin.H{
		"content": []gin.H{{"type": "text", "text": text}},
		"isError": isError,
		"_meta": gin.H{
			"sessionId": sessionID,
			"status":    terminal.Status,
		},
	}
	if terminal.CostActual != nil {
		result["_meta"].(gin.H)["costActual"] = *terminal.CostActual
	}
	if terminal.SummaryJSON != "" {
		result["_meta"].(gin.H)["summary"] = json.RawMessage(terminal.SummaryJSON)
	}
	return newResponse(id, result)
}

func callError(id json.RawMessage, err error) Response {
	switch {
	case errors.Is(err, credits.ErrInsufficientCredits):
		return newError(id, codeInsufficientCredits, "insufficient credits")
	case errors.Is(err, session.ErrInvalidInput):
		return newError(id, codeInvalidParams, err.Error())
	case errors.Is(err, session.ErrNotFound):
		return newError(id, codeInvalidParams, "session not found")
	default:
		return newError(id, codeInternalError, "internal error")
	}
}
