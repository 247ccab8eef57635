package gds

import (
	"net/http"

	"github.com/danmuck/sessionctl/internal/node"
	"github.com/danmuck/sessionctl/internal/protocol"
	"github.com/gin-gonic/gin"
)

func (s *Service) newRouter() *gin.Engine {
	r := node.NewRouter(s.Kind(), s.NodeID, s.cfg.CorsOrigins, func() any { return s.Snapshot() })
	r.POST(protocol.PathRegisterLDS, s.handleRegister)
	r.POST(protocol.PathHeartbeatLDS, s.handleHeartbeat)
	r.POST(protocol.PathCreateService, s.handleCreateService)
	r.POST(protocol.PathStopService, s.handleStopService)
	r.POST(protocol.PathStopSession, s.handleStopSession)
	r.POST(protocol.PathServiceState, s.handleServiceState)
	return r
}

func (s *Service) handleRegister(c *gin.Context) {
	var req protocol.RegisterLDSRequest
	if !node.BindJSON(c, &req) {
		return
	}
	id, err := s.RegisterLocalDirectoryService(c.Request.Context(), req)
	if err != nil {
		node.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, protocol.RegisterLDSResponse{ID: id})
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

func (s *Service) handleCreateService(c *gin.Context) {
	var req protocol.CreateServiceRequest
	if !node.BindJSON(c, &req) {
		return
	}
	inst, err := s.CreateService(c.Request.Context(), req)
	if err != nil {
		node.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Service) handleStopService(c *gin.Context) {
	var req protocol.StopServiceRequest
	if !node.BindJSON(c, &req) {
		return
	}
	if err := s.StopService(c.Request.Context(), req.ServiceID, req.Emergency); err != nil {
		node.RespondError(c, err)
		return
	}
	node.RespondAck(c, "stopping")
}

func (s *Service) handleStopSession(c *gin.Context) {
	var req protocol.StopSessionRequest
	if !node.BindJSON(c, &req) {
		return
	}
	if req.SessionID == "" {
		node.RespondError(c, protocol.ErrInvalidRequest, "session_id is required")
		return
	}
	if err := s.StopSession(c.Request.Context(), req.SessionID, req.Emergency); err != nil {
		node.RespondError(c, err)
		return
	}
	node.RespondAck(c, "stopping")
}

func (s *Service) handleServiceState(c *gin.Context) {
	var req protocol.ServiceStateReport
	if !node.BindJSON(c, &req) {
		return
	}
	if !req.State.Valid() {
		node.RespondError(c, protocol.ErrInvalidRequest, "unknown state "+string(req.State))
		return
	}
	if err := s.OnServiceStateChanged(c.Request.Context(), req); err != nil {
		node.RespondError(c, err)
		return
	}
	node.RespondAck(c, string(req.State))
}
