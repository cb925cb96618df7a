package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/imaging-rag-mcp-server/internal/domain"
	"github.com/imaging-rag-mcp-server/internal/middleware"
	"github.com/imaging-rag-mcp-server/internal/service"
)

// Stream frame types.
const (
	FrameStep   = "step"
	FrameResult = "result"
	FrameError  = "error"
)

// StreamFrame is one websocket message sent while a recommendation runs.
type StreamFrame struct {
	Type   string                       `json:"type"`
	Step   *domain.TraceStep            `json:"step,omitempty"`
	Result *domain.RecommendationResult `json:"result,omitempty"`
	Error  *domain.APIError             `json:"error,omitempty"`
}

const (
	streamWriteWait = 10 * time.Second
	streamReadWait  = 30 * time.Second
)

// handleRecommendStream upgrades to a websocket, reads one RecommendParams
// message and streams each pipeline stage followed by the final result.
func (s *Server) handleRecommendStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	correlationID := c.GetString(middleware.CorrelationIDKey)
	log := s.logger.WithField("correlation_id", correlationID)

	var params service.RecommendParams
	conn.SetReadDeadline(time.Now().Add(streamReadWait))
	if err := conn.ReadJSON(&params); err != nil {
		s.writeFrame(conn, log, StreamFrame{
			Type:  FrameError,
			Error: domain.NewAPIError(domain.CodeInvalidInput, "expected a recommendation request", err.Error(), correlationID),
		})
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go watchClose(conn, cancel)

	result, err := s.service.RecommendStream(ctx, &params, func(step domain.TraceStep) {
		if !s.writeFrame(conn, log, StreamFrame{Type: FrameStep, Step: &step}) {
			cancel()
		}
	})
	if err != nil {
		code, _ := domain.CodeForError(err)
		s.writeFrame(conn, log, StreamFrame{
			Type:  FrameError,
			Error: domain.NewAPIError(code, "recommendation failed", err.Error(), correlationID),
		})
		return
	}

	final := *result
	final.Trace = nil
	s.writeFrame(conn, log, StreamFrame{Type: FrameResult, Result: &final})
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(streamWriteWait))
}

// watchClose cancels the run when the client goes away.
func watchClose(conn *websocket.Conn, cancel context.CancelFunc) {
	conn.SetReadDeadline(time.Time{})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			cancel()
			return
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, log *logrus.Entry, frame StreamFrame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		log.WithError(err).Error("Failed to encode stream frame")
		return false
	}
	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.WithError(err).Debug("Stream client write failed")
		return false
	}
	return true
}
