package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/sessionctl/internal/protocol"
	"github.com/danmuck/sessionctl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterPingAndDebug(t *testing.T) {
	testlog.Start(t)

	r := NewRouter("gss", func() uint64 { return 7 }, nil, func() any {
		return gin.H{"sessions": 2}
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + protocol.PathPing)
	require.NoError(t, err)
	defer resp.Body.Close()
	var pong protocol.PingReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pong))
	assert.Equal(t, protocol.PingReply{Pong: "pong", Role: "gss", ID: 7}, pong)

	resp2, err := http.Get(srv.URL + protocol.PathDebug)
	require.NoError(t, err)
	defer resp2.Body.Close()
	var snap map[string]int
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&snap))
	assert.Equal(t, 2, snap["sessions"])
}

func TestRespondErrorRoundTripsThroughClient(t *testing.T) {
	testlog.Start(t)

	r := NewRouter("gds", func() uint64 { return 1 }, nil, nil)
	r.POST("/boom", func(c *gin.Context) {
		RespondError(c, fmt.Errorf("%w: Solver", protocol.ErrUnsupportedServiceType))
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := protocol.NewClient(0)
	err := client.PostJSON(t.Context(), srv.URL+"/boom", gin.H{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrUnsupportedServiceType)

	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusUnprocessableEntity, remote.Status)
	assert.Contains(t, remote.Message, "Solver")
}

func TestBindJSONRejectsGarbage(t *testing.T) {
	testlog.Start(t)

	r := NewRouter("lss", func() uint64 { return 0 }, nil, nil)
	r.POST("/echo", func(c *gin.Context) {
		var req protocol.RequestServiceRequest
		if !BindJSON(c, &req) {
			return
		}
		c.JSON(http.StatusOK, req)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := protocol.NewClient(0)
	err := client.PostJSON(t.Context(), srv.URL+"/echo", "not-an-object", nil)
	assert.ErrorIs(t, err, protocol.ErrInvalidRequest)
}

func TestUnreachablePeerIsHostUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := protocol.NewClient(0).Ping(t.Context(), url)
	assert.ErrorIs(t, err, protocol.ErrHostUnreachable)
}

func TestListenAndServeHandsOverTheListener(t *testing.T) {
	testlog.Start(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	addrs := make(chan string, 1)
	r := NewRouter("lss", func() uint64 { return 2 }, nil, nil)
	go func() {
		done <- ListenAndServe(ctx, "127.0.0.1:0", func(ctx context.Context, ln net.Listener) error {
			addrs <- ln.Addr().String()
			return Serve(ctx, ln, r, time.Second)
		})
	}()

	addr := <-addrs
	err := protocol.NewClient(time.Second).Ping(ctx, "http://"+addr)
	require.NoError(t, err)

	cancel()
	require.NoError(t, <-done)
}

func TestListenAndServeReportsBindFailure(t *testing.T) {
	testlog.Start(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	called := false
	err = ListenAndServe(context.Background(), ln.Addr().String(), func(context.Context, net.Listener) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen "+ln.Addr().String())
	assert.False(t, called)
}
