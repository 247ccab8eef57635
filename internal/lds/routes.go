package lds

import (
	"net/http"

	"github.com/danmuck/sessionctl/internal/node"
	"github.com/danmuck/sessionctl/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func (s *Service) newRouter() *gin.Engine {
	r := node.NewRouter(s.Kind(), s.NodeID, s.cfg.CorsOrigins, func() any { return s.Snapshot() })
	r.POST(protocol.PathStartService, s.handleStartService)
	r.POST(protocol.PathStopService, s.handleStopService)
	r.POST(protocol.PathStopSession, s.handleStopSession)
	r.POST(protocol.PathReportState, s.handleReportState)
	return r
}

func (s *Service) handleStartService(c *gin.Context) {
	var req protocol.StartServiceRequest
	if !node.BindJSON(c, &req) {
		return
	}
	inst, err := s.manager.Spawn(c.Request.Context(), req)
	if err != nil {
		log.Warn().Err(err).Uint64("service_id", req.ServiceID).Str("service_type", req.ServiceType).
			Msg("lds.StartService rejected")
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
	if err := s.manager.Stop(c.Request.Context(), req.ServiceID, req.Emergency); err != nil {
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
	if err := s.manager.StopSession(c.Request.Context(), req.SessionID, req.Emergency); err != nil {
		node.RespondError(c, err)
		return
	}
	node.RespondAck(c, "stopping")
}

func (s *Service) handleReportState(c *gin.Context) {
	var req protocol.ReportStateRequest
	if !node.BindJSON(c, &req) {
		return
	}
	if err := s.manager.ReportState(req.ServiceID, req.State); err != nil {
		node.RespondError(c, err)
		return
	}
	node.RespondAck(c, req.State)
}
