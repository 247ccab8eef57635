// Package debuginfo defines the read-only registry snapshots each role serves at
// /debug. Operational tooling reconstructs cluster state purely from these, so
// every registry field is represented. Values are produced by projection
// functions over the live registries; nothing here is stored.
package debuginfo

import (
	"time"

	"github.com/danmuck/sessionctl/internal/model"
)

// GSSDebugInfo is the Global Session Service snapshot.
type GSSDebugInfo struct {
	URL                    string                `json:"url"`
	GDSURL                 string                `json:"gds_url"`
	WorkerRunning          bool                  `json:"worker_running"`
	SelectionPolicy        string                `json:"selection_policy"`
	LocalSessionServices   []GSSLocalSession     `json:"local_session_services"`
	ShutdownQueue          []model.ShutdownEntry `json:"shutdown_queue"`
	ShutdownInFlight       map[uint64]string     `json:"shutdown_in_flight"`
	ShutdownCompletedQueue []string              `json:"shutdown_completed_queue"`
	OrphanedSessions       []OrphanedSession     `json:"orphaned_sessions"`
	BlockedPorts           []int                 `json:"blocked_ports"`
}

// GSSLocalSession is one LSS registry entry.
type GSSLocalSession struct {
	ID                   uint64              `json:"id"`
	URL                  string              `json:"url"`
	RegisteredAt         time.Time           `json:"registered_at"`
	MissedHealthChecks   int                 `json:"missed_health_checks"`
	Sessions             []model.SessionInfo `json:"sessions"`
	InitializingSessions []IniSession        `json:"initializing_sessions"`
}

// IniSession is a session awaiting LSS confirmation.
type IniSession struct {
	Session model.SessionInfo `json:"session"`
	Since   time.Time         `json:"since"`
}

// OrphanedSession is a session whose LSS was deregistered.
type OrphanedSession struct {
	Session  model.SessionInfo `json:"session"`
	LSSID    uint64            `json:"lss_id"`
	LSSURL   string            `json:"lss_url"`
	Orphaned time.Time         `json:"orphaned"`
}

// LSSDebugInfo is the Local Session Service snapshot.
type LSSDebugInfo struct {
	ID                     uint64                `json:"id"`
	URL                    string                `json:"url"`
	WorkerRunning          bool                  `json:"worker_running"`
	GSSURL                 string                `json:"gss_url"`
	GSSConnected           bool                  `json:"gss_connected"`
	GDSURL                 string                `json:"gds_url"`
	GDSConnected           bool                  `json:"gds_connected"`
	MandatoryServices      map[string][]string   `json:"mandatory_services"`
	ShutdownQueue          []model.ShutdownEntry `json:"shutdown_queue"`
	ShutdownCompletedQueue []string              `json:"shutdown_completed_queue"`
	BlockedPorts           []int                 `json:"blocked_ports"`
	Sessions               []LSSSession          `json:"sessions"`
}

// LSSSession is one hosted session.
type LSSSession struct {
	Session              model.SessionInfo  `json:"session"`
	Flags                model.SessionFlags `json:"flags"`
	HostConfirmed        bool               `json:"host_confirmed"`
	IsHealthCheckRunning bool               `json:"is_health_check_running"`
	IsShuttingDown       bool               `json:"is_shutting_down"`
	MissedPings          int                `json:"missed_pings"`
	FailedRequests       int                `json:"failed_requests"`
	LastRequestError     string             `json:"last_request_error,omitempty"`
	Services             []LSSService       `json:"services"`
}

// LSSService is one service as seen by its session.
type LSSService struct {
	ID             uint64             `json:"id"`
	Name           string             `json:"name"`
	Type           string             `json:"type"`
	URL            string             `json:"url"`
	WebsocketURL   string             `json:"websocket_url,omitempty"`
	State          model.ServiceState `json:"state"`
	IsDebug        bool               `json:"is_debug"`
	IsRequested    bool               `json:"is_requested"`
	IsAlive        bool               `json:"is_alive"`
	IsRunning      bool               `json:"is_running"`
	IsShuttingDown bool               `json:"is_shutting_down"`
	IsHidden       bool               `json:"is_hidden"`
	IsFailed       bool               `json:"is_failed"`
	MissedPings    int                `json:"missed_pings"`
}

// GDSDebugInfo is the Global Directory Service snapshot.
type GDSDebugInfo struct {
	URL                    string                  `json:"url"`
	GSSURL                 string                  `json:"gss_url"`
	WorkerRunning          bool                    `json:"worker_running"`
	RehomeOrphans          bool                    `json:"rehome_orphans"`
	LocalDirectoryServices []GDSLocalDirectory     `json:"local_directory_services"`
	RequestedServices      []GDSRequestedService   `json:"requested_services"`
	FailedServices         []model.ServiceInstance `json:"failed_services"`
}

// GDSLocalDirectory is one LDS registry entry.
type GDSLocalDirectory struct {
	ID                 uint64                  `json:"id"`
	URL                string                  `json:"url"`
	RegisteredAt       time.Time               `json:"registered_at"`
	SupportedServices  []string                `json:"supported_services"`
	Services           []model.ServiceInstance `json:"services"`
	MissedHealthChecks int                     `json:"missed_health_checks"`
}

// GDSRequestedService is a service accepted but not yet confirmed alive.
type GDSRequestedService struct {
	Service     model.ServiceInstance `json:"service"`
	LDSID       uint64                `json:"lds_id"`
	RequestedAt time.Time             `json:"requested_at"`
}

// LDSDebugInfo is the Local Directory Service snapshot.
type LDSDebugInfo struct {
	ID                         uint64                  `json:"id"`
	URL                        string                  `json:"url"`
	GDSURL                     string                  `json:"gds_url"`
	GDSConnected               bool                    `json:"gds_connected"`
	ServicesIPAddress          string                  `json:"services_ip_address"`
	LastError                  string                  `json:"last_error,omitempty"`
	Config                     LDSConfigInfo           `json:"config"`
	UsedPorts                  []int                   `json:"used_ports"`
	WorkerRunning              bool                    `json:"worker_running"`
	ServiceCheckAliveFrequency time.Duration           `json:"service_check_alive_frequency"`
	AliveSessions              []LDSSession            `json:"alive_sessions"`
	RequestedServices          []model.ServiceInstance `json:"requested_services"`
	InitializingServices       []model.ServiceInstance `json:"initializing_services"`
	FailedServices             []model.ServiceInstance `json:"failed_services"`
	NewStoppingServices        []model.ServiceInstance `json:"new_stopping_services"`
	StoppingServices           []model.ServiceInstance `json:"stopping_services"`
}

// LDSSession groups the alive services of one session.
type LDSSession struct {
	SessionID string                  `json:"session_id"`
	LSSURL    string                  `json:"lss_url"`
	Services  []model.ServiceInstance `json:"services"`
}

// LDSConfigInfo is the imported LDS configuration.
type LDSConfigInfo struct {
	ConfigImported            bool                  `json:"config_imported"`
	LauncherPath              string                `json:"launcher_path"`
	ServicesLibraryPath       string                `json:"services_library_path"`
	DefaultMaxCrashRestarts   int                   `json:"default_max_crash_restarts"`
	DefaultMaxStartupRestarts int                   `json:"default_max_startup_restarts"`
	SupportedServices         []LDSSupportedService `json:"supported_services"`
}

// LDSSupportedService is one per-type policy entry.
type LDSSupportedService struct {
	Name               string `json:"name"`
	Type               string `json:"type"`
	MaxCrashRestarts   int    `json:"max_crash_restarts"`
	MaxStartupRestarts int    `json:"max_startup_restarts"`
	Websocket          bool   `json:"websocket"`
}
