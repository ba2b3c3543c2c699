package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	queryfi "github.com/kshitij-hash/QueryFi"
	"github.com/kshitij-hash/QueryFi/signers/evm"
)

// State is the client connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateAuthenticated
	StateSessionActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateSessionActive:
		return "session_active"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// EventType tags an Event.
type EventType string

const (
	// EventDisconnected fires after every pending call has been rejected,
	// so a subscriber reacting to it never races an unresolved caller.
	EventDisconnected EventType = "disconnected"
	// EventBalanceUpdated fires after each acknowledged micropayment.
	EventBalanceUpdated EventType = "balance_updated"
)

// Event is a client notification. Subscribers read them from Events();
// undelivered events are dropped rather than blocking the protocol loop.
type Event struct {
	Type         EventType
	Err          error
	UserBalance  uint64
	AgentBalance uint64
}

// Session is the authenticated channel state. The off-chain invariant is
// that UserBalance + AgentBalance never changes within a session: value
// only moves between the two participants.
type Session struct {
	UserAddress       string
	SessionKeyAddress string
	AgentAddress      string
	AppSessionID      string
	StateVersion      uint64
	UserBalance       uint64
	AgentBalance      uint64
	ExpiresAt         time.Time
	Authenticated     bool
}

const (
	// DefaultKeepaliveInterval is the session-key-signed ping cadence.
	DefaultKeepaliveInterval = 30 * time.Second
	// DefaultCallTimeout bounds each relay round trip.
	DefaultCallTimeout = 10 * time.Second
	// DefaultAllowanceCap limits what the delegated session key may spend,
	// in micro-units.
	DefaultAllowanceCap uint64 = 100_000_000
)

type callResult struct {
	params json.RawMessage
	err    error
}

type pendingCall struct {
	ch chan callResult
}

// Client is the channel protocol client. Its operations are not designed
// for concurrent invocation on the same session; callers serialize
// payments because each depends on the previous acknowledged version. The
// keepalive loop and read loop run independently and share the pending
// table under the client lock.
type Client struct {
	url               string
	dialer            Dialer
	logger            *slog.Logger
	appName           string
	asset             string
	allowanceCap      uint64
	callTimeout       time.Duration
	keepaliveInterval time.Duration

	nextID atomic.Uint64
	events chan Event

	mu            sync.Mutex
	state         State
	transport     Transport
	pending       map[string]*pendingCall
	session       *Session
	authSigner    evm.Signer
	sessionSigner evm.Signer
	keepaliveStop chan struct{}
	readCancel    context.CancelFunc
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithDialer overrides the websocket dialer, e.g. with a pipe transport.
func WithDialer(dialer Dialer) ClientOption {
	return func(c *Client) {
		c.dialer = dialer
	}
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithKeepaliveInterval overrides the ping cadence.
func WithKeepaliveInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.keepaliveInterval = interval
	}
}

// WithCallTimeout overrides the per-round-trip deadline.
func WithCallTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.callTimeout = timeout
	}
}

// WithAllowanceCap overrides the session-key spending cap, in micro-units.
func WithAllowanceCap(microUnits uint64) ClientOption {
	return func(c *Client) {
		c.allowanceCap = microUnits
	}
}

// WithApplication sets the application name presented to the relay.
func WithApplication(name string) ClientOption {
	return func(c *Client) {
		c.appName = name
	}
}

// NewClient creates a client for the relay at url.
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:               url,
		dialer:            WebSocketDialer{},
		logger:            slog.Default(),
		appName:           "queryfi",
		asset:             "usdc",
		allowanceCap:      DefaultAllowanceCap,
		callTimeout:       DefaultCallTimeout,
		keepaliveInterval: DefaultKeepaliveInterval,
		events:            make(chan Event, 16),
		pending:           make(map[string]*pendingCall),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Events returns the client notification channel.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a copy of the current session, if any.
func (c *Client) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

// Connect dials the relay and runs the challenge/response handshake: the
// auth request names the user identity, the delegated session key, a
// capped allowance, and an expiry; the challenge is signed with the
// primary signer, which is not used again until channel close. On success
// the keepalive loop starts and an authenticated Session is returned.
func (c *Client) Connect(ctx context.Context, userAddress string, authSigner, sessionSigner evm.Signer, expiresAt time.Time) (Session, error) {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return Session{}, fmt.Errorf("connect in state %s", c.state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	transport, err := c.dialer.Dial(ctx, c.url)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return Session{}, connectError(err)
	}

	readCtx, readCancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.transport = transport
	c.authSigner = authSigner
	c.sessionSigner = sessionSigner
	c.pending = make(map[string]*pendingCall)
	c.readCancel = readCancel
	c.state = StateAuthenticating
	c.mu.Unlock()

	go c.readLoop(readCtx, transport)

	session, err := c.authenticate(ctx, userAddress, authSigner, sessionSigner, expiresAt)
	if err != nil {
		c.teardown(err)
		return Session{}, err
	}

	stop := make(chan struct{})
	c.mu.Lock()
	c.session = &session
	c.state = StateAuthenticated
	c.keepaliveStop = stop
	c.mu.Unlock()

	go c.keepalive(stop)

	c.logger.Info("channel authenticated",
		"user", userAddress, "session_key", sessionSigner.Address())
	return session, nil
}

func (c *Client) authenticate(ctx context.Context, userAddress string, authSigner, sessionSigner evm.Signer, expiresAt time.Time) (Session, error) {
	request := authRequestParams{
		Address:    userAddress,
		SessionKey: sessionSigner.Address(),
		AppName:    c.appName,
		Allowances: []Allowance{{Asset: c.asset, Amount: microToDecimal(c.allowanceCap)}},
		ExpiresAt:  expiresAt.Unix(),
		Scope:      "app.create app.submit",
	}
	raw, err := c.call(ctx, authSigner, methodAuthRequest, methodAuthChallenge, request)
	if err != nil {
		return Session{}, fmt.Errorf("auth request: %w", err)
	}

	var challenge authChallengeParams
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return Session{}, fmt.Errorf("%w: auth challenge: %v", queryfi.ErrMalformedResponse, err)
	}

	// The challenge is signed with the primary key: proof of identity
	// ownership, delegated to the session key for everything after.
	signature, err := authSigner.SignMessage(ctx, []byte(challenge.ChallengeMessage))
	if err != nil {
		return Session{}, fmt.Errorf("sign auth challenge: %w", err)
	}

	raw, err = c.call(ctx, authSigner, methodAuthVerify, methodAuthVerify, authVerifyParams{
		Challenge: challenge.ChallengeMessage,
		Signature: evm.EncodeSignature(signature),
	})
	if err != nil {
		return Session{}, fmt.Errorf("auth verify: %w", err)
	}

	var verify authVerifyResult
	if err := json.Unmarshal(raw, &verify); err != nil {
		return Session{}, fmt.Errorf("%w: auth verify: %v", queryfi.ErrMalformedResponse, err)
	}
	if !verify.Success {
		return Session{}, queryfi.ErrAuthRejected
	}

	return Session{
		UserAddress:       userAddress,
		SessionKeyAddress: sessionSigner.Address(),
		ExpiresAt:         expiresAt,
		Authenticated:     true,
	}, nil
}

// Disconnect is unconditional and idempotent: it stops the keepalive loop,
// closes the transport, clears session state, and rejects every pending
// request with ErrDisconnected so no caller stays blocked.
func (c *Client) Disconnect() {
	c.teardown(nil)
}

// teardown is the single path out of a live connection, shared by
// Disconnect, transport failures, and failed handshakes.
func (c *Client) teardown(cause error) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	transport := c.transport
	c.transport = nil
	if c.keepaliveStop != nil {
		close(c.keepaliveStop)
		c.keepaliveStop = nil
	}
	if c.readCancel != nil {
		c.readCancel()
		c.readCancel = nil
	}
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.session = nil
	c.mu.Unlock()

	if transport != nil {
		if err := transport.Close(); err != nil {
			c.logger.Debug("transport close", "error", err)
		}
	}

	// Pending calls are rejected before the disconnect event is emitted,
	// so subscribers observe the ordering guarantee.
	for method, pc := range pending {
		pc.ch <- callResult{err: fmt.Errorf("%s: %w", method, queryfi.ErrDisconnected)}
	}

	select {
	case c.events <- Event{Type: EventDisconnected, Err: cause}:
	default:
		c.logger.Warn("event channel full, dropping disconnect event")
	}

	if cause != nil {
		c.logger.Warn("channel disconnected", "cause", cause)
	} else {
		c.logger.Info("channel disconnected")
	}
}

// call sends one signed request and blocks until the frame tagged
// replyMethod arrives, the per-call deadline fires, or the connection
// dies. The pending table is keyed by the reply tag: the relay correlates
// by method, not by request id.
func (c *Client) call(ctx context.Context, signer evm.Signer, method, replyMethod string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	transport := c.transport
	if transport == nil {
		c.mu.Unlock()
		return nil, queryfi.ErrDisconnected
	}
	if _, exists := c.pending[replyMethod]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s already in flight", method)
	}
	pc := &pendingCall{ch: make(chan callResult, 1)}
	c.pending[replyMethod] = pc
	c.mu.Unlock()

	env, err := newSignedEnvelope(ctx, signer, c.nextID.Add(1), method, params)
	if err != nil {
		c.removePending(replyMethod)
		return nil, err
	}
	frame, err := json.Marshal(env)
	if err != nil {
		c.removePending(replyMethod)
		return nil, fmt.Errorf("marshal %s frame: %w", method, err)
	}
	if err := transport.WriteFrame(ctx, frame); err != nil {
		c.removePending(replyMethod)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case result := <-pc.ch:
		return result.params, result.err
	case <-timer.C:
		c.removePending(replyMethod)
		return nil, fmt.Errorf("%s: %w", method, queryfi.ErrConnectionTimeout)
	case <-ctx.Done():
		c.removePending(replyMethod)
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// takePending removes and returns the pending entry for a reply tag.
// Exactly one goroutine wins the removal, so each call resolves once.
func (c *Client) takePending(replyMethod string) (*pendingCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.pending[replyMethod]
	if ok {
		delete(c.pending, replyMethod)
	}
	return pc, ok
}

func (c *Client) removePending(replyMethod string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, replyMethod)
}

// readLoop dispatches inbound frames until the transport dies, at which
// point it tears the connection down.
func (c *Client) readLoop(ctx context.Context, transport Transport) {
	for {
		frame, err := transport.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.teardown(fmt.Errorf("transport closed: %w", err))
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			c.logger.Warn("dropping unparseable relay frame", "error", err)
			continue
		}

		switch env.Method {
		case methodPing:
			c.replyPong(ctx)
		case methodPong:
			// Keepalive acknowledgment.
		case methodError:
			c.dispatchError(env.Params)
		default:
			c.dispatchResponse(env)
		}
	}
}

// dispatchResponse validates a reply frame and resolves its pending call.
func (c *Client) dispatchResponse(env envelope) {
	pc, ok := c.takePending(env.Method)
	if !ok {
		c.logger.Debug("relay frame with no pending call", "method", env.Method)
		return
	}
	if err := validateResponse(env.Method, env.Params); err != nil {
		pc.ch <- callResult{err: err}
		return
	}
	pc.ch <- callResult{params: env.Params}
}

// dispatchError routes a relay error frame. A frame naming a method with a
// pending call fails that call; anything else is connection-scoped and
// fails every pending call, because the relay's error channel is not
// per-request-addressable.
func (c *Client) dispatchError(params json.RawMessage) {
	relayErr := &queryfi.ProtocolError{Message: "unspecified relay error"}
	if err := validateResponse(methodError, params); err == nil {
		var p errorParams
		if json.Unmarshal(params, &p) == nil {
			relayErr = &queryfi.ProtocolError{Method: p.Method, Message: p.Message}
		}
	}

	if relayErr.Method != "" {
		if pc, ok := c.takePending(relayErr.Method); ok {
			pc.ch <- callResult{err: relayErr}
			return
		}
	}

	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	if len(pending) == 0 {
		c.logger.Warn("relay error with nothing pending", "message", relayErr.Message)
		return
	}
	for _, pc := range pending {
		pc.ch <- callResult{err: relayErr}
	}
}

// keepalive pings the relay on a fixed interval, signed by the session key
// so the primary key stays cold after the handshake. A failed write is a
// dead transport.
func (c *Client) keepalive(stop chan struct{}) {
	ticker := time.NewTicker(c.keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			transport := c.transport
			signer := c.sessionSigner
			c.mu.Unlock()
			if transport == nil {
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.callTimeout)
			err := c.writeSigned(ctx, transport, signer, methodPing, nil)
			cancel()
			if err != nil {
				c.teardown(fmt.Errorf("keepalive: %w", err))
				return
			}
		}
	}
}

// replyPong answers a relay-initiated ping.
func (c *Client) replyPong(ctx context.Context) {
	c.mu.Lock()
	transport := c.transport
	signer := c.sessionSigner
	if signer == nil {
		signer = c.authSigner
	}
	c.mu.Unlock()
	if transport == nil || signer == nil {
		return
	}
	if err := c.writeSigned(ctx, transport, signer, methodPong, nil); err != nil {
		c.logger.Debug("pong reply failed", "error", err)
	}
}

func (c *Client) writeSigned(ctx context.Context, transport Transport, signer evm.Signer, method string, params any) error {
	env, err := newSignedEnvelope(ctx, signer, c.nextID.Add(1), method, params)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", method, err)
	}
	return transport.WriteFrame(ctx, frame)
}

func connectError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", queryfi.ErrConnectionTimeout, err)
	}
	return fmt.Errorf("connect relay: %w", err)
}
