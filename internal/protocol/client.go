package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/sessionctl/internal/model"
)

// DefaultTimeout bounds one request when the caller's context has no deadline.
const DefaultTimeout = 5 * time.Second

// Client speaks the orchestrator request/response contract over HTTP+JSON.
// Every method takes the peer base url; the client holds no peer state.
type Client struct {
	http *http.Client
}

// NewClient returns a client whose transport gives up after timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// PostJSON sends body and decodes a 2xx answer into out (nil skips decoding).
func (c *Client) PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrInvalidRequest, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// GetJSON decodes a 2xx answer into out.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrHostUnreachable, req.URL.Host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var env ErrorEnvelope
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err := json.Unmarshal(raw, &env); err != nil || env.Error.Code == "" {
			env.Error = ErrorBody{Code: CodeInternal, Message: strings.TrimSpace(string(raw))}
		}
		return decodeRemoteError(resp.StatusCode, env.Error)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}

func join(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

// Ping performs HealthCheckPing against any role.
func (c *Client) Ping(ctx context.Context, url string) error {
	var reply PingReply
	if err := c.GetJSON(ctx, join(url, PathPing), &reply); err != nil {
		return err
	}
	if reply.Pong != "pong" {
		return fmt.Errorf("%w: unexpected ping reply %q", ErrHostUnreachable, reply.Pong)
	}
	return nil
}

// Debug fetches a role's debug snapshot into out.
func (c *Client) Debug(ctx context.Context, url string, out any) error {
	return c.GetJSON(ctx, join(url, PathDebug), out)
}

// GSS endpoints.

func (c *Client) CreateSession(ctx context.Context, gssURL string, req CreateSessionRequest) (CreateSessionResponse, error) {
	var out CreateSessionResponse
	err := c.PostJSON(ctx, join(gssURL, PathCreateSession), req, &out)
	return out, err
}

func (c *Client) RequestSessionShutdown(ctx context.Context, gssURL string, req ShutdownSessionRequest) error {
	return c.PostJSON(ctx, join(gssURL, PathShutdownSession), req, nil)
}

func (c *Client) RegisterLSS(ctx context.Context, gssURL string, req RegisterLSSRequest) (RegisterLSSResponse, error) {
	var out RegisterLSSResponse
	err := c.PostJSON(ctx, join(gssURL, PathRegisterLSS), req, &out)
	return out, err
}

func (c *Client) HeartbeatLSS(ctx context.Context, gssURL string, req HeartbeatRequest) error {
	return c.PostJSON(ctx, join(gssURL, PathHeartbeatLSS), req, nil)
}

func (c *Client) SessionClosed(ctx context.Context, gssURL string, req SessionClosedRequest) error {
	return c.PostJSON(ctx, join(gssURL, PathSessionClosed), req, nil)
}

// LSS endpoints. ConfirmSession is also served by the GSS for LSS-initiated
// confirmations; the path is identical.

func (c *Client) ConfirmSession(ctx context.Context, url string, req ConfirmSessionRequest) error {
	return c.PostJSON(ctx, join(url, PathConfirmSession), req, nil)
}

func (c *Client) ShutdownSession(ctx context.Context, lssURL string, req ShutdownSessionRequest) error {
	return c.PostJSON(ctx, join(lssURL, PathShutdownSession), req, nil)
}

func (c *Client) RequestService(ctx context.Context, lssURL string, req RequestServiceRequest) (model.ServiceHandle, error) {
	var out model.ServiceHandle
	err := c.PostJSON(ctx, join(lssURL, PathRequestService), req, &out)
	return out, err
}

// ServiceStateChanged forwards a supervision report to a GDS or LSS.
func (c *Client) ServiceStateChanged(ctx context.Context, url string, report ServiceStateReport) error {
	return c.PostJSON(ctx, join(url, PathServiceState), report, nil)
}

// GDS endpoints.

func (c *Client) RegisterLDS(ctx context.Context, gdsURL string, req RegisterLDSRequest) (RegisterLDSResponse, error) {
	var out RegisterLDSResponse
	err := c.PostJSON(ctx, join(gdsURL, PathRegisterLDS), req, &out)
	return out, err
}

func (c *Client) CreateService(ctx context.Context, gdsURL string, req CreateServiceRequest) (model.ServiceInstance, error) {
	var out model.ServiceInstance
	err := c.PostJSON(ctx, join(gdsURL, PathCreateService), req, &out)
	return out, err
}

// StopService is served by both GDS and LDS.
func (c *Client) StopService(ctx context.Context, url string, req StopServiceRequest) error {
	return c.PostJSON(ctx, join(url, PathStopService), req, nil)
}

// StopSession is served by both GDS and LDS.
func (c *Client) StopSession(ctx context.Context, url string, req StopSessionRequest) error {
	return c.PostJSON(ctx, join(url, PathStopSession), req, nil)
}

func (c *Client) HeartbeatLDS(ctx context.Context, gdsURL string, req HeartbeatRequest) error {
	return c.PostJSON(ctx, join(gdsURL, PathHeartbeatLDS), req, nil)
}

// LDS endpoints.

func (c *Client) StartService(ctx context.Context, ldsURL string, req StartServiceRequest) (model.ServiceInstance, error) {
	var out model.ServiceInstance
	err := c.PostJSON(ctx, join(ldsURL, PathStartService), req, &out)
	return out, err
}

func (c *Client) ReportState(ctx context.Context, ldsURL string, req ReportStateRequest) error {
	return c.PostJSON(ctx, join(ldsURL, PathReportState), req, nil)
}
