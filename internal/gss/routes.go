package gss

import (
	"net/http"

	"github.com/danmuck/sessionctl/internal/node"
	"github.com/danmuck/sessionctl/internal/protocol"
	"github.com/gin-gonic/gin"
)

func (s *Service) newRouter() *gin.Engine {
	r := node.NewRouter(s.Kind(), s.NodeID, s.cfg.CorsOrigins, func() any { return s.Snapshot() })
	r.POST(protocol.PathCreateSession, s.handleCreateSession)
	r.POST(protocol.PathConfirmSession, s.handleConfirmSession)
	r.POST(protocol.PathShutdownSession, s.handleShutdownSession)
	r.POST(protocol.PathSessionClosed, s.handleSessionClosed)
	r.POST(protocol.PathRegisterLSS, s.handleRegister)
	r.POST(protocol.PathHeartbeatLSS, s.handleHeartbeat)
	return r
}

func (s *Service) handleCreateSession(c *gin.Context) {
	var req protocol.CreateSessionRequest
	if !node.BindJSON(c, &req) {
		return
	}
	resp, err := s.CreateSession(c.Request.Context(), req)
	if err != nil {
		node.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Service) handleConfirmSession(c *gin.Context) {
	var req protocol.ConfirmSessionRequest
	if !node.BindJSON(c, &req) {
		return
	}
	if err := s.ConfirmSession(req.LSSID, req.Session); err != nil {
		node.RespondError(c, err)
		return
	}
	node.RespondAck(c, "confirmed")
}

func (s *Service) handleShutdownSession(c *gin.Context) {
	var req protocol.ShutdownSessionRequest
	if !node.BindJSON(c, &req) {
		return
	}
	if err := s.RequestSessionShutdown(req.SessionID, req.Emergency); err != nil {
		node.RespondError(c, err)
		return
	}
	node.RespondAck(c, "queued")
}

func (s *Service) handleSessionClosed(c *gin.Context) {
	var req protocol.SessionClosedRequest
	if !node.BindJSON(c, &req) {
		return
	}
	if err := s.SessionClosed(req.LSSID, req.SessionID); err != nil {
		node.RespondError(c, err)
		return
	}
	node.RespondAck(c, "closed")
}

func (s *Service) handleRegister(c *gin.Context) {
	var req protocol.RegisterLSSRequest
	if !node.BindJSON(c, &req) {
		return
	}
	id, gdsURL, err := s.RegisterLocalSessionService(req.URL)
	if err != nil {
		node.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, protocol.RegisterLSSResponse{ID: id, GDSURL: gdsURL})
}

func (s *Service) handleHeartbeat(c *gin.Context) {
	var req protocol.HeartbeatRequest
	if !node.BindJSON(c, &req) {
		return
	}
	if err := s.Heartbeat(req.ID, req.URL); err != nil {
		node.RespondError(c, err)
		return
	}
	node.RespondAck(c, "registered")
}
