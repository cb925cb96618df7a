package mcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"
)

// audited logs one entry per tool call. Arguments are hashed, never logged,
// since clinical queries may identify a patient.
func audited[In any](s *Server, tool string, h func(context.Context, *mcp.CallToolRequest, In) (*mcp.CallToolResult, any, error)) func(context.Context, *mcp.CallToolRequest, In) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, in In) (*mcp.CallToolResult, any, error) {
		start := time.Now()
		res, out, err := h(ctx, req, in)

		entry := s.logger.WithFields(logrus.Fields{
			"tool":      tool,
			"args_hash": hashArgs(in),
			"duration":  time.Since(start),
			"is_error":  err != nil || (res != nil && res.IsError),
		})
		if err != nil {
			entry.WithError(err).Error("MCP tool call failed")
		} else {
			entry.Info("MCP tool call")
		}
		return res, out, err
	}
}

func hashArgs(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
