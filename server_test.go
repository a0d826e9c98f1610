package modulebridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const testSecret = "s3cret"

func serverOptions() *Options {
	o := testOptions()
	o.HeartbeatEnabled = false
	return o
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv := NewServer(&SecretIDAuth{Secret: testSecret}, serverOptions())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + BridgePath
}

func dialTestClient(t *testing.T, url, id string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), url, id, testSecret, serverOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitSession(t *testing.T, srv *Server, id string) *Session {
	t.Helper()
	var sess *Session
	require.Eventually(t, func() bool {
		s, err := srv.Session(id)
		if err != nil {
			return false
		}
		sess = s
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return sess
}

func TestServerHandshakeThenStart(t *testing.T) {
	srv, url := newTestServer(t)

	handshakes := make(chan HandshakeReady, 1)
	srv.OnSession(func(s *Session) {
		s.Bridge.OnHandshakeReady(func(hs HandshakeReady) { handshakes <- hs })
	})

	c := dialTestClient(t, url, "users")
	waitSession(t, srv, "users")
	require.NoError(t, srv.StartModule("users", ModuleStart{Route: "/users", Context: map[string]any{}}))

	started := make(chan ModuleStart, 1)
	c.Bridge().OnModuleStart(func(s ModuleStart) { started <- s })
	require.NoError(t, c.Bridge().SendHandshake(HandshakeReady{}))

	select {
	case hs := <-handshakes:
		require.Equal(t, ProtocolVersion, hs.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake not observed by host")
	}
	select {
	case s := <-started:
		require.Equal(t, "users", s.ModuleID)
		require.Equal(t, "/users", s.Route)
	case <-time.After(2 * time.Second):
		t.Fatal("module start not delivered")
	}
}

func TestServerRejectsBadSecret(t *testing.T) {
	_, url := newTestServer(t)

	_, err := Dial(context.Background(), url, "users", "wrong", serverOptions())
	require.Error(t, err)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
}

func TestServerDataRequestRoundTrip(t *testing.T) {
	srv, url := newTestServer(t)
	srv.OnSession(func(s *Session) {
		s.Bridge.HandleRequests(func(ctx context.Context, req DataRequest) (any, error) {
			return map[string]any{"type": req.Type, "module": s.ID}, nil
		})
	})

	c := dialTestClient(t, url, "orders")
	before := time.Now()
	data, err := c.Bridge().RequestData(context.Background(), "whoami", nil, 2*time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"whoami","module":"orders"}`, string(data))

	sess, err := srv.Session("orders")
	require.NoError(t, err)
	require.False(t, sess.Conn().LastActivity().Before(before))
}

func TestServerBroadcastContext(t *testing.T) {
	srv, url := newTestServer(t)

	a := dialTestClient(t, url, "a")
	b := dialTestClient(t, url, "b")
	waitSession(t, srv, "a")
	waitSession(t, srv, "b")
	require.Len(t, srv.Sessions(), 2)
	require.Equal(t, "a", srv.Sessions()[0].ID)

	got := make(chan string, 2)
	a.Bridge().OnContextUpdate(func(c ModuleContext) { got <- "a:" + c.Theme })
	b.Bridge().OnContextUpdate(func(c ModuleContext) { got <- "b:" + c.Theme })

	srv.BroadcastContext(ModuleContext{Theme: "dark"})

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case s := <-got:
			seen[s] = true
		case <-time.After(2 * time.Second):
			t.Fatal("context update not delivered")
		}
	}
	require.Equal(t, map[string]bool{"a:dark": true, "b:dark": true}, seen)
}

func TestServerRemovesSessionOnDisconnect(t *testing.T) {
	srv, url := newTestServer(t)

	closed := make(chan string, 1)
	srv.OnSessionClosed(func(s *Session) { closed <- s.ID })

	c, err := Dial(context.Background(), url, "gone", testSecret, serverOptions())
	require.NoError(t, err)
	waitSession(t, srv, "gone")
	require.NoError(t, c.Close())

	select {
	case id := <-closed:
		require.Equal(t, "gone", id)
	case <-time.After(2 * time.Second):
		t.Fatal("session not closed")
	}
	_, err = srv.Session("gone")
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.ErrorIs(t, srv.StartModule("gone", ModuleStart{}), ErrSessionNotFound)
}

func TestServerResumeResetsHandshake(t *testing.T) {
	srv, url := newTestServer(t)

	first := dialTestClient(t, url, "resume")
	sess := waitSession(t, srv, "resume")
	require.NoError(t, first.Bridge().SendHandshake(HandshakeReady{}))
	require.Eventually(t, func() bool {
		return sess.Bridge.State() == StateHandshakeReady
	}, 2*time.Second, 5*time.Millisecond)

	oldConn := sess.Conn()
	second := dialTestClient(t, url, "resume")
	require.Eventually(t, func() bool {
		return sess.Conn() != oldConn && sess.Bridge.State() == StateAwaitingHandshake
	}, 2*time.Second, 5*time.Millisecond)

	again, err := srv.Session("resume")
	require.NoError(t, err)
	require.Same(t, sess, again, "bridge survives reconnect")

	select {
	case <-oldConn.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("replaced connection not closed")
	}

	// 新连接仍能完成交接
	started := make(chan ModuleStart, 1)
	second.Bridge().OnModuleStart(func(s ModuleStart) { started <- s })
	require.NoError(t, srv.StartModule("resume", ModuleStart{Route: "/again"}))
	require.NoError(t, second.Bridge().SendHandshake(HandshakeReady{}))
	select {
	case s := <-started:
		require.Equal(t, "/again", s.Route)
	case <-time.After(2 * time.Second):
		t.Fatal("module start not delivered after resume")
	}
}

func TestServerShutdownSendsExit(t *testing.T) {
	srv := NewServer(&SecretIDAuth{Secret: testSecret}, serverOptions())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + BridgePath

	c := dialTestClient(t, url, "bye")
	waitSession(t, srv, "bye")

	exits := make(chan ModuleExit, 1)
	c.Bridge().OnModuleExit(func(e ModuleExit) { exits <- e })

	require.NoError(t, srv.Shutdown(context.Background()))
	require.Empty(t, srv.Sessions())

	select {
	case e := <-exits:
		require.Equal(t, "host-shutdown", e.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("exit not delivered on shutdown")
	}
}

func TestSecretIDAuth(t *testing.T) {
	auth := &SecretIDAuth{Secret: testSecret}

	r := httptest.NewRequest(http.MethodGet, BridgePath, nil)
	r.Header.Set(HeaderModuleID, "m1")
	r.Header.Set(HeaderModuleSecret, testSecret)
	_, id, err := auth.Authenticate(r)
	require.NoError(t, err)
	require.Equal(t, "m1", id)

	r = httptest.NewRequest(http.MethodGet, BridgePath+"?id=m2&secret="+testSecret, nil)
	_, id, err = auth.Authenticate(r)
	require.NoError(t, err)
	require.Equal(t, "m2", id)

	r = httptest.NewRequest(http.MethodGet, BridgePath+"?id=m3&secret=nope", nil)
	_, _, err = auth.Authenticate(r)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, _, err = (&SecretIDAuth{}).Authenticate(r)
	require.ErrorIs(t, err, ErrUnauthorized)

	// 自定义头，secret 由查询参数补齐
	custom := &SecretIDAuth{Secret: testSecret, IDHeader: "X-Plugin", SecretHeader: "X-Plugin-Key"}
	r = httptest.NewRequest(http.MethodGet, BridgePath+"?secret="+testSecret, nil)
	r.Header.Set("X-Plugin", "m4")
	_, id, err = custom.Authenticate(r)
	require.NoError(t, err)
	require.Equal(t, "m4", id)
}

func TestClientReconnects(t *testing.T) {
	srv, url := newTestServer(t)

	opts := serverOptions()
	opts.ReconnectEnabled = true
	opts.ReconnectBackoff = 10 * time.Millisecond
	c, err := Dial(context.Background(), url, "flaky", testSecret, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	reconnected := make(chan *ModuleBridge, 1)
	c.OnReconnect(func(m *ModuleBridge) {
		_ = m.SendHandshake(HandshakeReady{})
		reconnected <- m
	})

	sess := waitSession(t, srv, "flaky")
	oldConn := sess.Conn()
	_ = oldConn.Close()

	select {
	case m := <-reconnected:
		require.Same(t, c.Bridge(), m)
	case <-time.After(3 * time.Second):
		t.Fatal("client did not reconnect")
	}
	require.Eventually(t, func() bool {
		s, err := srv.Session("flaky")
		return err == nil && s.Conn() != oldConn && s.Bridge.State() == StateHandshakeReady
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClientCloseDuringReconnectDropsNewConn(t *testing.T) {
	srv := NewServer(&SecretIDAuth{Secret: testSecret}, serverOptions())
	var upgrades atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 第二次（重连）握手放慢，让 Close 落在拨号期间
		if upgrades.Add(1) == 2 {
			time.Sleep(300 * time.Millisecond)
		}
		srv.Handler().ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
		ts.Close()
	})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + BridgePath

	opts := serverOptions()
	opts.ReconnectEnabled = true
	opts.ReconnectBackoff = 10 * time.Millisecond
	c, err := Dial(context.Background(), url, "closing", testSecret, opts)
	require.NoError(t, err)

	var reconnects atomic.Int32
	c.OnReconnect(func(*ModuleBridge) { reconnects.Add(1) })

	sess := waitSession(t, srv, "closing")
	_ = sess.Conn().Close()
	time.Sleep(100 * time.Millisecond)
	_ = c.Close()

	// 等待被放慢的握手完成
	time.Sleep(500 * time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := srv.Session("closing")
		return errors.Is(err, ErrSessionNotFound)
	}, 2*time.Second, 5*time.Millisecond, "host must not keep a session for a closed client")
	require.Equal(t, int32(2), upgrades.Load())
	require.Zero(t, reconnects.Load())
}

func TestServerResumeHookRestartsModule(t *testing.T) {
	srv, url := newTestServer(t)

	var created, resumed atomic.Int32
	srv.OnSession(func(s *Session) {
		created.Add(1)
		_ = s.Bridge.StartModule(ModuleStart{Route: "/first"}, time.Second)
	})
	srv.OnSessionResumed(func(s *Session) {
		_ = s.Bridge.StartModule(ModuleStart{ModuleID: s.ID, Route: "/resumed"}, time.Second)
		resumed.Add(1)
	})

	dialTestClient(t, url, "again")
	sess := waitSession(t, srv, "again")
	oldConn := sess.Conn()

	second := dialTestClient(t, url, "again")
	require.Eventually(t, func() bool { return resumed.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NotSame(t, oldConn, sess.Conn())

	started := make(chan ModuleStart, 1)
	second.Bridge().OnModuleStart(func(s ModuleStart) { started <- s })
	require.NoError(t, second.Bridge().SendHandshake(HandshakeReady{}))

	select {
	case s := <-started:
		require.Equal(t, "/resumed", s.Route)
	case <-time.After(2 * time.Second):
		t.Fatal("module start not delivered after resume")
	}
	require.Equal(t, int32(1), created.Load())
}
