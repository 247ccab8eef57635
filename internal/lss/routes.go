package lss

import (
	"net/http"

	"github.com/danmuck/sessionctl/internal/node"
	"github.com/danmuck/sessionctl/internal/protocol"
	"github.com/gin-gonic/gin"
)

func (s *Service) newRouter() *gin.Engine {
	r := node.NewRouter(s.Kind(), s.NodeID, s.cfg.CorsOrigins, func() any { return s.Snapshot() })
	r.POST(protocol.PathConfirmSession, s.handleConfirmSession)
	r.POST(protocol.PathShutdownSession, s.handleShutdownSession)
	r.POST(protocol.PathRequestService, s.handleRequestService)
	r.POST(protocol.PathServiceState, s.handleServiceState)
	return r
}

func (s *Service) handleConfirmSession(c *gin.Context) {
	var req protocol.ConfirmSessionRequest
	if !node.BindJSON(c, &req) {
		return
	}
	if err := s.ConfirmSession(c.Request.Context(), req.Session); err != nil {
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
	if err := s.ShutdownSession(c.Request.Context(), req.SessionID, req.Emergency); err != nil {
		node.RespondError(c, err)
		return
	}
	node.RespondAck(c, "shutting down")
}

func (s *Service) handleRequestService(c *gin.Context) {
	var req protocol.RequestServiceRequest
	if !node.BindJSON(c, &req) {
		return
	}
	handle, err := s.RequestService(c.Request.Context(), req.SessionID, req.ServiceType, req.Options)
	if err != nil {
		node.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handle)
}

func (s *Service) handleServiceState(c *gin.Context) {
	var req protocol.ServiceStateReport
	if !node.BindJSON(c, &req) {
		return
	}
	if err := s.OnServiceStateChanged(req); err != nil {
		node.RespondError(c, err)
		return
	}
	node.RespondAck(c, string(req.State))
}
