package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/samber/lo"

	"github.com/jimmylaw21/CS209-Assignment2/pkg/model"
	"github.com/jimmylaw21/CS209-Assignment2/pkg/protocol"
)

// State represents the client's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateLoggedIn
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateLoggedIn:
		return "logged in"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("client: not connected")
	// ErrNotLoggedIn is returned by operations that need an identity.
	ErrNotLoggedIn = errors.New("client: not logged in")
	// ErrRequestPending means another register or login is awaiting its result.
	ErrRequestPending = errors.New("client: request already pending")
)

// Engine wires a Client to the local view of chats: the groups this user
// belongs to, their history and unread flags, and the online user list.
type Engine struct {
	mu sync.RWMutex

	state    State
	username string
	client   *Client
	chats    map[string]*model.GroupDescriptor
	online   []string
	count    int
	pending  chan bool

	// Callbacks for UI updates
	OnStateChange func(state State)
	OnMessage     func(chat string, msg model.Message)
	OnChat        func(chat model.GroupDescriptor)
	OnUsers       func(users []string)
	OnClientCount func(n int)
	OnDisconnect  func(reason string)
}

// NewEngine creates a new client engine.
func NewEngine() *Engine {
	return &Engine{
		state: StateDisconnected,
		chats: make(map[string]*model.GroupDescriptor),
	}
}

// Connect dials the server and starts receiving.
func (e *Engine) Connect(ctx context.Context, addr string) error {
	e.mu.Lock()
	if e.state != StateDisconnected {
		e.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	e.mu.Unlock()

	c, err := Dial(ctx, addr)
	if err != nil {
		return err
	}
	e.attach(c)
	return nil
}

// attach takes over an established client.
func (e *Engine) attach(c *Client) {
	e.mu.Lock()
	e.client = c
	e.state = StateConnected
	e.mu.Unlock()

	c.OnEnvelope(e.handleEnvelope)
	c.OnConnectionLost(func(err error) {
		e.handleDisconnect("connection lost")
	})
	c.Start()
	e.notifyStateChange(StateConnected)
}

// Register stores credentials on the server and waits for the result.
func (e *Engine) Register(ctx context.Context, username, password string) (bool, error) {
	return e.request(ctx, func(c *Client) error { return c.Register(username, password) })
}

// Login authenticates and, on success, names this connection and asks for
// the online user list.
func (e *Engine) Login(ctx context.Context, username, password string) (bool, error) {
	ok, err := e.request(ctx, func(c *Client) error { return c.Login(username, password) })
	if err != nil || !ok {
		return ok, err
	}

	e.mu.Lock()
	e.username = username
	e.state = StateLoggedIn
	c := e.client
	e.mu.Unlock()

	slog.Info("logged in", "user", username)
	e.notifyStateChange(StateLoggedIn)
	return true, c.ListUsers(username)
}

// request sends a command answered by a LoginResult and waits for it.
func (e *Engine) request(ctx context.Context, send func(c *Client) error) (bool, error) {
	result := make(chan bool, 1)
	e.mu.Lock()
	c := e.client
	if c == nil {
		e.mu.Unlock()
		return false, ErrNotConnected
	}
	if e.pending != nil {
		e.mu.Unlock()
		return false, ErrRequestPending
	}
	e.pending = result
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		if e.pending == result {
			e.pending = nil
		}
		e.mu.Unlock()
	}()

	if err := send(c); err != nil {
		return false, err
	}
	select {
	case ok := <-result:
		return ok, nil
	case <-c.Done():
		return false, ErrNotConnected
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// RefreshUsers asks the server for the online user list.
func (e *Engine) RefreshUsers() error {
	c, me, err := e.loggedIn()
	if err != nil {
		return err
	}
	return c.ListUsers(me)
}

// SendText sends text to a chat, or to a user when no chat has that name.
// The message is recorded locally; the server does not echo it back.
func (e *Engine) SendText(to, text string) error {
	c, me, err := e.loggedIn()
	if err != nil {
		return err
	}
	msg := model.NewMessage(me, to, text)
	if err := c.SendMessage(msg); err != nil {
		return err
	}
	e.mu.Lock()
	if chat, ok := e.chats[to]; ok {
		chat.History = append(chat.History, msg)
	}
	e.mu.Unlock()
	return nil
}

// OpenPrivateChat returns the private chat with peer, creating and
// announcing it if it does not exist yet.
func (e *Engine) OpenPrivateChat(peer string) (model.GroupDescriptor, error) {
	_, me, err := e.loggedIn()
	if err != nil {
		return model.GroupDescriptor{}, err
	}
	if peer == me {
		return model.GroupDescriptor{}, fmt.Errorf("client: cannot chat with yourself")
	}
	if chat, ok := e.findChat(model.GroupPrivate, []string{me, peer}); ok {
		return chat, nil
	}
	return e.createChat(model.GroupPrivate, me, []string{me, peer})
}

// OpenGroupChat returns the group chat containing exactly this user and
// peers, creating and announcing it if it does not exist yet.
func (e *Engine) OpenGroupChat(peers []string) (model.GroupDescriptor, error) {
	_, me, err := e.loggedIn()
	if err != nil {
		return model.GroupDescriptor{}, err
	}
	members := lo.Uniq(append([]string{me}, lo.Without(peers, me)...))
	if len(members) < 3 {
		return model.GroupDescriptor{}, fmt.Errorf("client: a group needs at least two other members")
	}
	if chat, ok := e.findChat(model.GroupChat, members); ok {
		return chat, nil
	}
	return e.createChat(model.GroupChat, me, members)
}

func (e *Engine) findChat(kind model.GroupKind, members []string) (model.GroupDescriptor, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, chat := range e.chats {
		if chat.Kind == kind && len(chat.Members) == len(members) && lo.Every(chat.Members, members) {
			return chat.Clone(), true
		}
	}
	return model.GroupDescriptor{}, false
}

func (e *Engine) createChat(kind model.GroupKind, creator string, members []string) (model.GroupDescriptor, error) {
	g := model.GroupDescriptor{
		Name:    model.ChatName(members),
		Creator: creator,
		Kind:    kind,
		Members: members,
	}
	if err := g.Validate(); err != nil {
		return model.GroupDescriptor{}, err
	}

	e.mu.RLock()
	c := e.client
	e.mu.RUnlock()
	if c == nil {
		return model.GroupDescriptor{}, ErrNotConnected
	}
	if err := c.SendGroup(g); err != nil {
		return model.GroupDescriptor{}, err
	}

	e.mu.Lock()
	stored := g.Clone()
	e.chats[g.Name] = &stored
	e.mu.Unlock()
	return g, nil
}

// MarkRead clears a chat's unread flag.
func (e *Engine) MarkRead(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if chat, ok := e.chats[name]; ok {
		chat.Unread = false
	}
}

// Chat returns a copy of the named chat.
func (e *Engine) Chat(name string) (model.GroupDescriptor, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	chat, ok := e.chats[name]
	if !ok {
		return model.GroupDescriptor{}, false
	}
	return chat.Clone(), true
}

// Chats returns copies of all chats, most recently active first.
func (e *Engine) Chats() []model.GroupDescriptor {
	e.mu.RLock()
	chats := lo.MapToSlice(e.chats, func(_ string, g *model.GroupDescriptor) model.GroupDescriptor {
		return g.Clone()
	})
	e.mu.RUnlock()

	slices.SortStableFunc(chats, func(a, b model.GroupDescriptor) int {
		if d := lastActivity(b) - lastActivity(a); d != 0 {
			if d > 0 {
				return 1
			}
			return -1
		}
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return chats
}

func lastActivity(g model.GroupDescriptor) int64 {
	if len(g.History) == 0 {
		return 0
	}
	return g.History[len(g.History)-1].Timestamp
}

// OnlineUsers returns the last received list of named users.
func (e *Engine) OnlineUsers() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.online)
}

// ClientCount returns the last announced number of connections.
func (e *Engine) ClientCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.count
}

// Disconnect disconnects from the server.
func (e *Engine) Disconnect() {
	e.handleDisconnect("user disconnected")
}

// GetState returns the current connection state.
func (e *Engine) GetState() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// GetUsername returns the logged-in username.
func (e *Engine) GetUsername() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.username
}

func (e *Engine) loggedIn() (*Client, string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.client == nil {
		return nil, "", ErrNotConnected
	}
	if e.state != StateLoggedIn {
		return nil, "", ErrNotLoggedIn
	}
	return e.client, e.username, nil
}

// handleEnvelope dispatches incoming server envelopes.
func (e *Engine) handleEnvelope(env protocol.Envelope) {
	switch {
	case env.Message != nil && env.Message.Sender == model.ServerIdentity:
		e.handleServerText(env.Message.Text)

	case env.Message != nil:
		e.handleChatMessage(*env.Message)

	case env.Group != nil:
		g := env.Group.Clone()
		e.mu.Lock()
		e.chats[g.Name] = &g
		e.mu.Unlock()
		slog.Debug("chat added", "name", g.Name, "members", len(g.Members))
		if e.OnChat != nil {
			e.OnChat(g.Clone())
		}
	}
}

func (e *Engine) handleServerText(text string) {
	if ok, isResult := parseLoginResult(text); isResult {
		e.mu.Lock()
		pending := e.pending
		e.pending = nil
		e.mu.Unlock()
		if pending != nil {
			pending <- ok
		}
		return
	}
	if names, ok := protocol.ParseClientNames(text); ok {
		e.mu.Lock()
		e.online = names
		e.mu.Unlock()
		if e.OnUsers != nil {
			e.OnUsers(slices.Clone(names))
		}
		return
	}
	if n, ok := protocol.ParseClientCount(text); ok {
		e.mu.Lock()
		e.count = n
		e.mu.Unlock()
		if e.OnClientCount != nil {
			e.OnClientCount(n)
		}
		return
	}
	if text == protocol.ShutdownNotice {
		e.handleDisconnect("server shutting down")
		return
	}
	slog.Debug("ignoring server text", "text", text)
}

func parseLoginResult(text string) (ok, isResult bool) {
	switch text {
	case protocol.LoginSuccess:
		return true, true
	case protocol.LoginFailed:
		return false, true
	}
	return false, false
}

// handleChatMessage files msg under its chat. A message addressed to this
// user directly is filed under the sender's name.
func (e *Engine) handleChatMessage(msg model.Message) {
	e.mu.Lock()
	name := msg.Recipient
	chat, ok := e.chats[name]
	if !ok && msg.Recipient == e.username {
		name = msg.Sender
		chat, ok = e.chats[name]
		if !ok {
			chat = &model.GroupDescriptor{
				Name:    name,
				Creator: msg.Sender,
				Kind:    model.GroupPrivate,
				Members: []string{msg.Sender, e.username},
			}
			e.chats[name] = chat
			ok = true
		}
	}
	if ok {
		chat.History = append(chat.History, msg.Clone())
		chat.Unread = true
	}
	e.mu.Unlock()

	if !ok {
		slog.Debug("message for unknown chat", "to", msg.Recipient, "from", msg.Sender)
		return
	}
	if e.OnMessage != nil {
		e.OnMessage(name, msg)
	}
}

func (e *Engine) handleDisconnect(reason string) {
	e.mu.Lock()
	if e.state == StateDisconnected {
		e.mu.Unlock()
		return
	}
	e.state = StateDisconnected
	c := e.client
	e.client = nil
	e.username = ""
	e.online = nil
	e.mu.Unlock()

	if c != nil {
		_ = c.Close()
	}

	slog.Info("disconnected", "reason", reason)
	e.notifyStateChange(StateDisconnected)
	if e.OnDisconnect != nil {
		e.OnDisconnect(reason)
	}
}

func (e *Engine) notifyStateChange(state State) {
	if e.OnStateChange != nil {
		e.OnStateChange(state)
	}
}
