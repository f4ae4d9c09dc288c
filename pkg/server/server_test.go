package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/jimmylaw21/CS209-Assignment2/pkg/datastore"
	"github.com/jimmylaw21/CS209-Assignment2/pkg/model"
	"github.com/jimmylaw21/CS209-Assignment2/pkg/protocol"
	"github.com/jimmylaw21/CS209-Assignment2/pkg/registry"
)

const waitFor = 2 * time.Second

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.MetricsAddr = ""
	cfg.PasswordHash = "plain"
	cfg.BroadcastClientCount = false
	cfg.MetricsLogInterval = 0
	cfg.ShutdownGrace = 200 * time.Millisecond
	cfg.IdleTimeout = 0
	return cfg
}

// startServer runs a server on a loopback port and stops it when the test
// ends. The store is left open for inspection.
func startServer(t *testing.T, st datastore.SnapshotStore, mutate ...func(*Config)) *Server {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	srv, err := New(cfg, Dependencies{Store: st})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		srv.Shutdown()
		_ = srv.Wait()
	})
	return srv
}

// testClient speaks the wire protocol directly so tests see exactly what
// the server sends.
type testClient struct {
	t    *testing.T
	conn net.Conn
	enc  *protocol.Encoder
	envs chan protocol.Envelope
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	return newTestClient(t, conn)
}

func newTestClient(t *testing.T, conn net.Conn) *testClient {
	c := &testClient{
		t:    t,
		conn: conn,
		enc:  protocol.NewEncoder(conn),
		envs: make(chan protocol.Envelope, 1024),
	}
	go func() {
		defer close(c.envs)
		dec := protocol.NewDecoder(conn)
		for {
			env, err := dec.Next()
			if err != nil {
				return
			}
			c.envs <- env
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *testClient) send(m model.Message) {
	c.t.Helper()
	require.NoError(c.t, c.enc.Encode(protocol.MessageEnvelope(m)))
}

func (c *testClient) sendGroup(g model.GroupDescriptor) {
	c.t.Helper()
	require.NoError(c.t, c.enc.Encode(protocol.GroupEnvelope(g)))
}

func (c *testClient) command(sender, text string) {
	c.t.Helper()
	c.send(model.NewMessage(sender, model.ServerIdentity, text))
}

// next returns the next envelope, skipping connection-count announcements.
func (c *testClient) next() (protocol.Envelope, bool) {
	timer := time.NewTimer(waitFor)
	defer timer.Stop()
	for {
		select {
		case env, ok := <-c.envs:
			if !ok {
				return protocol.Envelope{}, false
			}
			if env.Message != nil && env.Message.Sender == model.ServerIdentity {
				if _, isCount := protocol.ParseClientCount(env.Message.Text); isCount {
					continue
				}
			}
			return env, true
		case <-timer.C:
			return protocol.Envelope{}, false
		}
	}
}

func (c *testClient) expectMessage() model.Message {
	c.t.Helper()
	env, ok := c.next()
	require.True(c.t, ok, "expected a message")
	require.NotNil(c.t, env.Message, "expected a message, got %v", env.Kind())
	return *env.Message
}

func (c *testClient) expectGroup() model.GroupDescriptor {
	c.t.Helper()
	env, ok := c.next()
	require.True(c.t, ok, "expected a group")
	require.NotNil(c.t, env.Group, "expected a group, got %v", env.Kind())
	return *env.Group
}

func (c *testClient) expectServerText(want string) {
	c.t.Helper()
	msg := c.expectMessage()
	require.Equal(c.t, model.ServerIdentity, msg.Sender)
	require.Equal(c.t, want, msg.Text)
}

// expectQuiet asserts nothing but count announcements arrives for d.
func (c *testClient) expectQuiet(d time.Duration) {
	c.t.Helper()
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case env, ok := <-c.envs:
			if !ok {
				return
			}
			if env.Message != nil && env.Message.Sender == model.ServerIdentity {
				if _, isCount := protocol.ParseClientCount(env.Message.Text); isCount {
					continue
				}
			}
			c.t.Fatalf("unexpected envelope: message=%+v group=%+v", env.Message, env.Group)
		case <-timer.C:
			return
		}
	}
}

// listUsers round-trips a ListUsers command. Commands are handled in order,
// so its reply also confirms every earlier command was processed.
func (c *testClient) listUsers(sender string) []string {
	c.t.Helper()
	c.command(sender, protocol.ListUsersText)
	msg := c.expectMessage()
	names, ok := protocol.ParseClientNames(msg.Text)
	require.True(c.t, ok, "unexpected reply %q", msg.Text)
	return names
}

func (c *testClient) register(user, password string) {
	c.t.Helper()
	c.command(user, protocol.RegisterText(user, password))
	c.expectServerText(protocol.LoginSuccess)
}

func (c *testClient) login(user, password string) {
	c.t.Helper()
	c.command(user, protocol.LoginText(user, password))
	c.expectServerText(protocol.LoginSuccess)
}

func (c *testClient) bind(name string) {
	c.t.Helper()
	c.command(name, protocol.BindText(name))
	c.listUsers(name)
}

func TestScenarioRegisterAndLogin(t *testing.T) {
	srv := startServer(t, datastore.NewMemory())
	alice := dial(t, srv)

	alice.register("alice", "p1")
	alice.login("alice", "p1")

	alice.command("alice", protocol.LoginText("alice", "wrong"))
	alice.expectServerText(protocol.LoginFailed)

	require.True(t, srv.Credentials().Validate("alice", "p1"))
	require.False(t, srv.Credentials().Validate("alice", "wrong"))
}

func TestScenarioPrivateChat(t *testing.T) {
	srv := startServer(t, datastore.NewMemory())
	alice, bob := dial(t, srv), dial(t, srv)
	alice.bind("alice")
	bob.bind("bob")

	g := model.GroupDescriptor{
		Name:    model.PrivateChatName("alice", "bob"),
		Creator: "alice",
		Kind:    model.GroupPrivate,
		Members: []string{"alice", "bob"},
	}
	alice.sendGroup(g)
	if diff := cmp.Diff(g, bob.expectGroup()); diff != "" {
		t.Fatalf("group mismatch (-want +got):\n%s", diff)
	}

	alice.send(model.NewMessage("alice", "[alice, bob]", "hi"))
	got := bob.expectMessage()
	require.Equal(t, "hi", got.Text)
	require.Equal(t, "alice", got.Sender)

	alice.expectQuiet(100 * time.Millisecond)

	stored, ok := srv.Groups().FindByName("[alice, bob]")
	require.True(t, ok)
	require.Len(t, stored.History, 1)
	require.Equal(t, "hi", stored.History[0].Text)
}

func TestScenarioListUsers(t *testing.T) {
	srv := startServer(t, datastore.NewMemory())
	alice, bob, carol := dial(t, srv), dial(t, srv), dial(t, srv)
	bob.bind("bob")
	carol.bind("carol")
	alice.bind("alice")

	alice.command("alice", protocol.ListUsersText)
	msg := alice.expectMessage()
	require.True(t, strings.HasPrefix(msg.Text, "allClientsNames:"), msg.Text)
	names := strings.Fields(strings.TrimPrefix(msg.Text, "allClientsNames:"))
	require.ElementsMatch(t, []string{"alice", "bob", "carol"}, names)
}

func TestScenarioDirectToAbsentIdentity(t *testing.T) {
	srv := startServer(t, datastore.NewMemory())
	alice := dial(t, srv)
	alice.bind("alice")

	alice.send(model.NewMessage("alice", "nobody", "hello?"))
	alice.expectQuiet(100 * time.Millisecond)

	// The connection is still usable.
	require.Equal(t, []string{"alice"}, alice.listUsers("alice"))
	require.Equal(t, 1.0, srv.Metrics().Values()["chatting_messages_routed_total{route=dropped}"])
}

func TestDirectMessage(t *testing.T) {
	srv := startServer(t, datastore.NewMemory())
	alice, bob := dial(t, srv), dial(t, srv)
	alice.bind("alice")
	bob.bind("bob")

	alice.send(model.NewMessage("alice", "bob", "psst"))
	got := bob.expectMessage()
	require.Equal(t, "psst", got.Text)
	require.Equal(t, "bob", got.Recipient)
	require.Equal(t, 1.0, srv.Metrics().Values()["chatting_messages_routed_total{route=direct}"])
}

func TestGroupFanOut(t *testing.T) {
	srv := startServer(t, datastore.NewMemory())
	alice, bob, carol, dave := dial(t, srv), dial(t, srv), dial(t, srv), dial(t, srv)
	for c, name := range map[*testClient]string{alice: "alice", bob: "bob", carol: "carol", dave: "dave"} {
		c.bind(name)
	}

	g := model.GroupDescriptor{
		Name:    model.ChatName([]string{"alice", "bob", "carol"}),
		Creator: "alice",
		Kind:    model.GroupChat,
		Members: []string{"alice", "bob", "carol"},
	}
	alice.sendGroup(g)
	bob.expectGroup()
	carol.expectGroup()

	alice.send(model.NewMessage("alice", g.Name, "hello all"))
	require.Equal(t, "hello all", bob.expectMessage().Text)
	require.Equal(t, "hello all", carol.expectMessage().Text)
	alice.expectQuiet(100 * time.Millisecond)
	// Anything routed to dave would arrive ahead of this reply.
	dave.listUsers("dave")
}

func TestLoginSyncsGroups(t *testing.T) {
	srv := startServer(t, datastore.NewMemory())
	require.NoError(t, srv.Groups().Add(model.GroupDescriptor{
		Name:    "[carol, bob]",
		Creator: "carol",
		Kind:    model.GroupPrivate,
		Members: []string{"carol", "bob"},
		History: []model.Message{model.NewMessage("carol", "[carol, bob]", "while you were out")},
	}))

	bob := dial(t, srv)
	bob.register("bob", "pw")
	bob.login("bob", "pw")
	g := bob.expectGroup()
	require.Equal(t, "[carol, bob]", g.Name)
	require.Len(t, g.History, 1)

	// A second login on the same session does not sync again.
	bob.login("bob", "pw")
	bob.expectQuiet(100 * time.Millisecond)
}

func TestLoginSyncTrimsHistoryToFrameLimit(t *testing.T) {
	srv := startServer(t, datastore.NewMemory(), func(c *Config) {
		c.MaxFrameSize = 4096
	})

	alice := dial(t, srv)
	alice.bind("alice")
	alice.sendGroup(model.GroupDescriptor{Name: "g", Creator: "alice", Kind: model.GroupPrivate, Members: []string{"alice", "bob"}})
	text := strings.Repeat("x", 1500)
	for i := range 5 {
		alice.send(model.NewMessage("alice", "g", fmt.Sprintf("%d%s", i, text)))
	}
	alice.listUsers("alice")
	stored, ok := srv.Groups().FindByName("g")
	require.True(t, ok)
	require.Len(t, stored.History, 5)

	bob := dial(t, srv)
	bob.command("bob", protocol.BindText("bob"))
	g := bob.expectGroup()
	require.Equal(t, "g", g.Name)
	require.NotEmpty(t, g.History)
	require.Less(t, len(g.History), 5)
	require.Equal(t, stored.History[4].Text, g.History[len(g.History)-1].Text)

	// Bob is still connected and served.
	require.Equal(t, []string{"alice", "bob"}, bob.listUsers("bob"))
	require.Equal(t, 2, srv.Sessions().Count())
}

func TestUnauthenticatedRouting(t *testing.T) {
	srv := startServer(t, datastore.NewMemory())
	bob := dial(t, srv)
	bob.bind("bob")
	require.NoError(t, srv.Groups().Add(model.GroupDescriptor{
		Name:    "[mallory, bob]",
		Creator: "mallory",
		Kind:    model.GroupPrivate,
		Members: []string{"mallory", "bob"},
	}))

	anon := dial(t, srv)
	anon.send(model.NewMessage("mallory", "[mallory, bob]", "no login needed"))
	require.Equal(t, "no login needed", bob.expectMessage().Text)
}

func TestDuplicateGroupNamesAccepted(t *testing.T) {
	srv := startServer(t, datastore.NewMemory())
	alice, bob := dial(t, srv), dial(t, srv)
	alice.bind("alice")
	bob.bind("bob")

	first := model.GroupDescriptor{Name: "dup", Creator: "alice", Kind: model.GroupPrivate, Members: []string{"alice", "bob"}}
	second := model.GroupDescriptor{Name: "dup", Creator: "bob", Kind: model.GroupPrivate, Members: []string{"bob", "alice"}}
	alice.sendGroup(first)
	bob.expectGroup()
	bob.sendGroup(second)
	alice.expectGroup()

	require.Equal(t, 2, srv.Groups().Len())
	found, ok := srv.Groups().FindByName("dup")
	require.True(t, ok)
	require.Equal(t, "alice", found.Creator)
}

func TestInvalidGroupRejected(t *testing.T) {
	srv := startServer(t, datastore.NewMemory())
	alice, bob := dial(t, srv), dial(t, srv)
	alice.bind("alice")
	bob.bind("bob")

	alice.sendGroup(model.GroupDescriptor{Name: "bad", Creator: "alice", Kind: model.GroupPrivate, Members: []string{"alice", "bob", "carol"}})
	bob.expectQuiet(100 * time.Millisecond)
	require.Equal(t, 0, srv.Groups().Len())
}

func TestRegisterRejectsInvalidIdentity(t *testing.T) {
	srv := startServer(t, datastore.NewMemory())
	c := dial(t, srv)

	c.command("", protocol.RegisterText("has space", "pw"))
	c.expectServerText(protocol.LoginFailed)
	c.command("", "register:nopassword")
	c.expectServerText(protocol.LoginFailed)
	require.Equal(t, 0, srv.Credentials().Len())
}

func TestRegisterPersistenceFailureStillSucceeds(t *testing.T) {
	st := datastore.NewMemory()
	srv := startServer(t, st)
	st.FailSaves(errors.New("disk full"))

	c := dial(t, srv)
	c.register("alice", "pw")
	c.login("alice", "pw")
	require.Equal(t, 1.0, srv.Metrics().Values()["chatting_persistence_errors_total"])
}

func TestStalledRecipientDoesNotBlockSender(t *testing.T) {
	srv := startServer(t, datastore.NewMemory(), func(c *Config) {
		c.OutboundQueueSize = 4
	})

	// net.Pipe has no buffering: the server's writes to the stalled side
	// block until the test reads, which it never does.
	serverSide, stalledSide := net.Pipe()
	go srv.ServeConn(serverSide)
	t.Cleanup(func() { _ = stalledSide.Close() })
	stalled := protocol.NewEncoder(stalledSide)
	require.NoError(t, stalled.Encode(protocol.MessageEnvelope(
		model.NewMessage("stalled", model.ServerIdentity, protocol.BindText("stalled")))))
	require.Eventually(t, func() bool {
		return len(srv.Sessions().Named("stalled")) == 1
	}, waitFor, 10*time.Millisecond)

	sender := dial(t, srv)
	sender.bind("sender")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			sender.send(model.NewMessage("sender", "stalled", "flood"))
		}
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("sender blocked behind a stalled recipient")
	}

	require.Equal(t, []string{"sender", "stalled"}, sender.listUsers("sender"))
	require.Positive(t, srv.Metrics().Values()["chatting_deliveries_dropped_total"])
}

func TestPersistenceAcrossRestart(t *testing.T) {
	dbPath := t.TempDir() + "/chat.db"

	st, err := datastore.Open(dbPath)
	require.NoError(t, err)
	cfg := testConfig()
	srv, err := New(cfg, Dependencies{Store: st})
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	alice, bob := dial(t, srv), dial(t, srv)
	alice.register("alice", "p1")
	alice.login("alice", "p1")
	bob.bind("bob")
	alice.sendGroup(model.GroupDescriptor{Name: "[alice, bob]", Creator: "alice", Kind: model.GroupPrivate, Members: []string{"alice", "bob"}})
	bob.expectGroup()
	alice.send(model.NewMessage("alice", "[alice, bob]", "remember me"))
	bob.expectMessage()

	srv.Shutdown()
	require.NoError(t, srv.Wait())
	require.NoError(t, st.Close())

	st, err = datastore.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	restarted, err := New(cfg, Dependencies{Store: st})
	require.NoError(t, err)

	require.True(t, restarted.Credentials().Validate("alice", "p1"))
	g, ok := restarted.Groups().FindByName("[alice, bob]")
	require.True(t, ok)
	require.Len(t, g.History, 1)
	require.Equal(t, "remember me", g.History[0].Text)
}

func TestCorruptSnapshotFailsStartup(t *testing.T) {
	st := datastore.NewMemory()
	require.NoError(t, st.SaveSnapshot(context.Background(), registry.GroupsSnapshot, []byte{0xff, 0x00}))
	_, err := New(testConfig(), Dependencies{Store: st})
	require.Error(t, err)
}

func TestShutdownNotice(t *testing.T) {
	cfg := testConfig()
	srv, err := New(cfg, Dependencies{Store: datastore.NewMemory()})
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	clients := []*testClient{dial(t, srv), dial(t, srv)}
	clients[0].bind("alice")
	clients[1].bind("bob")

	srv.Shutdown()
	require.NoError(t, srv.Wait())

	for _, c := range clients {
		c.expectServerText(protocol.ShutdownNotice)
		_, ok := c.next()
		require.False(t, ok, "connection should be closed after the notice")
	}

	_, err = net.DialTimeout("tcp", srv.Addr().String(), 200*time.Millisecond)
	require.Error(t, err)
}

func TestClientCountBroadcast(t *testing.T) {
	srv := startServer(t, datastore.NewMemory(), func(c *Config) {
		c.BroadcastClientCount = true
	})

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	first := newTestClient(t, conn)
	require.Equal(t, 1, nextCount(t, first))

	second := dial(t, srv)
	require.Equal(t, 2, nextCount(t, first))
	require.NoError(t, second.conn.Close())
	require.Equal(t, 1, nextCount(t, first))
}

func nextCount(t *testing.T, c *testClient) int {
	t.Helper()
	select {
	case env, ok := <-c.envs:
		require.True(t, ok)
		require.NotNil(t, env.Message)
		n, ok := protocol.ParseClientCount(env.Message.Text)
		require.True(t, ok, "unexpected text %q", env.Message.Text)
		return n
	case <-time.After(waitFor):
		t.Fatal("no client count")
		return 0
	}
}

func TestProtocolErrorDropsOnlyThatConnection(t *testing.T) {
	srv := startServer(t, datastore.NewMemory())
	good := dial(t, srv)
	good.bind("good")

	bad, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer bad.Close()
	_, err = bad.Write([]byte{0, 0, 0, 0})
	require.NoError(t, err)

	buf := make([]byte, 1)
	_ = bad.SetReadDeadline(time.Now().Add(waitFor))
	_, err = bad.Read(buf)
	require.Error(t, err)

	require.Equal(t, []string{"good"}, good.listUsers("good"))
	require.Eventually(t, func() bool {
		return srv.Metrics().Values()["chatting_protocol_errors_total"] == 1
	}, waitFor, 10*time.Millisecond)
}

func TestIdleTimeout(t *testing.T) {
	srv := startServer(t, datastore.NewMemory(), func(c *Config) {
		c.IdleTimeout = 100 * time.Millisecond
	})
	c := dial(t, srv)
	_, ok := c.next()
	require.False(t, ok, "idle connection should be closed")
	require.Eventually(t, func() bool { return srv.Sessions().Count() == 0 }, waitFor, 10*time.Millisecond)
}

func TestConcurrentGroupOrdering(t *testing.T) {
	srv := startServer(t, datastore.NewMemory())
	reader := dial(t, srv)
	reader.bind("reader")
	require.NoError(t, srv.Groups().Add(model.GroupDescriptor{
		Name:    "room",
		Creator: "reader",
		Kind:    model.GroupChat,
		Members: []string{"reader", "w0", "w1", "w2"},
	}))

	const perWriter = 20
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		w := dial(t, srv)
		name := fmt.Sprintf("w%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				if err := w.enc.Encode(protocol.MessageEnvelope(model.NewMessage(name, "room", fmt.Sprintf("%s-%d", name, j)))); err != nil {
					return
				}
			}
		}()
	}
	wg.Wait()

	var got []string
	for len(got) < 3*perWriter {
		got = append(got, reader.expectMessage().Text)
	}
	var g model.GroupDescriptor
	require.Eventually(t, func() bool {
		g, _ = srv.Groups().FindByName("room")
		return len(g.History) == 3*perWriter
	}, waitFor, 10*time.Millisecond)
	want := make([]string, len(g.History))
	for i, m := range g.History {
		want[i] = m.Text
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("delivery order differs from history (-history +delivered):\n%s", diff)
	}
}
