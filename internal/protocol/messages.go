package protocol

import (
	"github.com/danmuck/sessionctl/internal/model"
)

// Endpoint paths shared by servers and clients.
const (
	PathPing  = "/ping"
	PathDebug = "/debug"

	PathCreateSession   = "/sessions"
	PathConfirmSession  = "/sessions/confirm"
	PathShutdownSession = "/sessions/shutdown"
	PathSessionClosed   = "/sessions/closed"
	PathStopSession     = "/sessions/stop"
	PathRegisterLSS     = "/lss/register"
	PathRegisterLDS     = "/lds/register"
	PathHeartbeatLSS    = "/lss/heartbeat"
	PathHeartbeatLDS    = "/lds/heartbeat"
	PathRequestService  = "/services/request"
	PathCreateService   = "/services/create"
	PathStartService    = "/services/start"
	PathStopService     = "/services/stop"
	PathServiceState    = "/services/state"
	PathReportState     = "/services/report"
)

// PingReply is the HealthCheckPing answer.
type PingReply struct {
	Pong string `json:"pong"`
	Role string `json:"role"`
	ID   uint64 `json:"id,omitempty"`
}

// Ack is the generic positive answer.
type Ack struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// CreateSessionRequest asks the GSS for a new session.
type CreateSessionRequest struct {
	SessionID        string `json:"session_id,omitempty"`
	SessionType      string `json:"session_type"`
	UserName         string `json:"user_name"`
	ProjectName      string `json:"project_name"`
	CollectionName   string `json:"collection_name,omitempty"`
	UserCollection   string `json:"user_collection,omitempty"`
	UserCredName     string `json:"user_cred_name,omitempty"`
	DataBaseCredName string `json:"database_cred_name,omitempty"`
}

// SessionInfo converts the request into session identity for the given id.
func (r CreateSessionRequest) SessionInfo(id string) model.SessionInfo {
	return model.SessionInfo{
		ID:               id,
		Type:             r.SessionType,
		UserName:         r.UserName,
		ProjectName:      r.ProjectName,
		CollectionName:   r.CollectionName,
		UserCollection:   r.UserCollection,
		UserCredName:     r.UserCredName,
		DataBaseCredName: r.DataBaseCredName,
	}
}

// CreateSessionResponse names the session and the LSS hosting it.
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
	LSSURL    string `json:"lss_url"`
	LSSID     uint64 `json:"lss_id"`
}

// ConfirmSessionRequest is sent GSS->LSS to instantiate a session, and LSS->GSS
// when the LSS confirms a session on its own.
type ConfirmSessionRequest struct {
	LSSID   uint64            `json:"lss_id,omitempty"`
	Session model.SessionInfo `json:"session"`
}

// ShutdownSessionRequest asks for a session shutdown.
type ShutdownSessionRequest struct {
	SessionID string `json:"session_id"`
	Emergency bool   `json:"emergency"`
}

// SessionClosedRequest is the LSS->GSS shutdown acknowledgment.
type SessionClosedRequest struct {
	LSSID     uint64 `json:"lss_id"`
	SessionID string `json:"session_id"`
}

// RegisterLSSRequest announces an LSS to the GSS.
type RegisterLSSRequest struct {
	URL string `json:"url"`
}

// RegisterLSSResponse assigns the LSS id and names the GDS.
type RegisterLSSResponse struct {
	ID     uint64 `json:"id"`
	GDSURL string `json:"gds_url"`
}

// HeartbeatRequest lets a registered child check that its parent still holds
// the registration. Parents answer ErrHostNotFound when it does not.
type HeartbeatRequest struct {
	ID  uint64 `json:"id"`
	URL string `json:"url"`
}

// RequestServiceRequest is the LSS entry point for session consumers.
type RequestServiceRequest struct {
	SessionID   string            `json:"session_id"`
	ServiceType string            `json:"service_type"`
	Options     map[string]string `json:"options,omitempty"`
}

// CreateServiceRequest is sent LSS->GDS.
type CreateServiceRequest struct {
	SessionID   string            `json:"session_id"`
	ServiceType string            `json:"service_type"`
	LSSURL      string            `json:"lss_url"`
	Options     map[string]string `json:"options,omitempty"`
}

// StartServiceRequest is sent GDS->LDS with a GDS-assigned id.
type StartServiceRequest struct {
	ServiceID   uint64            `json:"service_id"`
	ServiceType string            `json:"service_type"`
	SessionID   string            `json:"session_id"`
	LSSURL      string            `json:"lss_url"`
	IsDebug     bool              `json:"is_debug,omitempty"`
	IsHidden    bool              `json:"is_hidden,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
}

// StopServiceRequest stops one instance.
type StopServiceRequest struct {
	ServiceID uint64 `json:"service_id"`
	Emergency bool   `json:"emergency"`
}

// StopSessionRequest stops every instance of a session.
type StopSessionRequest struct {
	SessionID string `json:"session_id"`
	Emergency bool   `json:"emergency"`
}

// ServiceStateReport travels LDS->GDS->LSS on every supervision transition.
type ServiceStateReport struct {
	ServiceID uint64                `json:"service_id"`
	State     model.ServiceState    `json:"state"`
	Instance  model.ServiceInstance `json:"instance"`
	Reason    string                `json:"reason,omitempty"`
}

// ReportStateRequest is the unsolicited worker->LDS signal.
type ReportStateRequest struct {
	ServiceID uint64 `json:"service_id"`
	State     string `json:"state"`
}

// Worker signal values for ReportStateRequest.State.
const (
	WorkerAlive        = "alive"
	WorkerShuttingDown = "shutting_down"
)

// RegisterLDSRequest announces an LDS to the GDS.
type RegisterLDSRequest struct {
	URL               string                  `json:"url"`
	SupportedServices []string                `json:"supported_services"`
	ConfigImported    bool                    `json:"config_imported"`
	Services          []model.ServiceInstance `json:"services,omitempty"`
}

// RegisterLDSResponse assigns the LDS id.
type RegisterLDSResponse struct {
	ID uint64 `json:"id"`
}
