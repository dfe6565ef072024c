package bridge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pion/logging"

	"github.com/backkem/xcomfort/pkg/ack"
	"github.com/backkem/xcomfort/pkg/auth"
	"github.com/backkem/xcomfort/pkg/codec"
	"github.com/backkem/xcomfort/pkg/message"
	"github.com/backkem/xcomfort/pkg/transport"
)

// dispatchQueueSize bounds the deferred-processing queue. The frame handler
// blocks only if semantic processing falls this far behind.
const dispatchQueueSize = 256

// Client is the bridge facade. One client owns one WebSocket session at a
// time; reconnects replace the session but keep the inventory and listener
// registrations.
//
// Inbound frames are decrypted and acknowledged on the read goroutine; all
// semantic processing, including listener callbacks, runs on a single
// dispatch goroutine.
type Client struct {
	config Config
	log    logging.LeveledLogger

	counter   *message.Counter
	tracker   *ack.Tracker
	inventory *inventory
	fanout    *fanout

	// sendMu serializes mc assignment with the socket write so the wire
	// order matches the counter order.
	sendMu sync.Mutex

	mu               sync.Mutex
	ws               *transport.WebSocket
	authn            *auth.Authenticator
	keys             *codec.SessionKeys
	authenticated    bool
	discovered       bool
	connected        bool
	sessionConnected bool // this session reached fully-connected at least once
	closed           bool
	connectedCh      chan struct{}
	failedCh         chan error
	heartbeatStop    chan struct{}
	reconnectTimer   *time.Timer

	dispatchOnce sync.Once
	dispatchCh   chan *message.Message
	dispatchStop chan struct{}
	dispatchWG   sync.WaitGroup
}

// NewClient creates a client for one bridge. The client is idle until Init.
func NewClient(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	c := &Client{
		config:       config,
		log:          config.LoggerFactory.NewLogger("bridge"),
		counter:      message.NewCounter(),
		tracker:      ack.NewTracker(),
		inventory:    newInventory(),
		dispatchCh:   make(chan *message.Message, dispatchQueueSize),
		dispatchStop: make(chan struct{}),
	}
	c.fanout = newFanout(c.log)
	return c, nil
}

// Init establishes the session: WebSocket, handshake, and initial inventory
// discovery. It returns once the client is fully connected or with the
// error that stopped it. A failed Init does not auto-reconnect; the caller
// owns the retry policy for the first connect.
func (c *Client) Init(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.ws != nil || c.connected || c.reconnectTimer != nil {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.mu.Unlock()

	c.dispatchOnce.Do(func() {
		c.dispatchWG.Add(1)
		go c.dispatchLoop()
	})

	return c.connectSession(ctx)
}

// Cleanup tears down the heartbeat, pending waiters, timers, and the socket.
// Subsequent operations fail with ErrClientClosed or ErrNotConnected.
func (c *Client) Cleanup() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	wasConnected := c.connected
	c.connected = false
	ws := c.ws
	c.ws = nil
	timer := c.reconnectTimer
	c.reconnectTimer = nil
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	c.stopHeartbeat()
	c.tracker.Close(ErrNotConnected)
	c.failSession(ErrClientClosed)
	if ws != nil {
		ws.Close()
	}
	close(c.dispatchStop)
	c.dispatchWG.Wait()

	if wasConnected && c.config.OnConnectionChanged != nil {
		c.config.OnConnectionChanged(false)
	}
	c.log.Info("client cleaned up")
}

// Connected reports whether the session is authenticated and the initial
// discovery has completed.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Devices returns a snapshot of the device inventory.
func (c *Client) Devices() []Device { return c.inventory.Devices() }

// Rooms returns a snapshot of the room inventory.
func (c *Client) Rooms() []Room { return c.inventory.Rooms() }

// Scenes returns a snapshot of the scene inventory, including per-scene
// device lists where the bridge reported them.
func (c *Client) Scenes() []Scene { return c.inventory.Scenes() }

// Device returns one device by id.
func (c *Client) Device(id string) (Device, bool) { return c.inventory.Device(id) }

// Room returns one room by id.
func (c *Client) Room(id int) (Room, bool) { return c.inventory.Room(id) }

// Scene returns one scene by id.
func (c *Client) Scene(id int) (Scene, bool) { return c.inventory.Scene(id) }

// AddDeviceStateListener registers a listener for one device. The returned
// function unsubscribes it. Registrations survive reconnects.
func (c *Client) AddDeviceStateListener(deviceID string, fn DeviceStateListener) func() {
	return c.fanout.AddDevice(deviceID, fn)
}

// AddRoomStateListener registers a listener for one room. The returned
// function unsubscribes it. Registrations survive reconnects.
func (c *Client) AddRoomStateListener(roomID int, fn RoomStateListener) func() {
	return c.fanout.AddRoom(roomID, fn)
}

// SwitchDevice turns a device on or off. Success means the bridge
// acknowledged the command; the resulting state arrives via StateUpdate.
func (c *Client) SwitchDevice(deviceID string, on bool) error {
	if deviceID == "" {
		return fmt.Errorf("%w: empty device id", ErrInvalidArgument)
	}
	m, err := message.NewWithPayload(message.TypeDeviceSwitch, deviceSwitchPayload{
		DeviceID: deviceID,
		Switch:   on,
	})
	if err != nil {
		return err
	}
	return c.sendCommand(m)
}

// SetDimmerValue dims a device. Values are clamped into [1, 99]; a dim
// command never carries 0 (use SwitchDevice to turn off). NaN is rejected.
func (c *Client) SetDimmerValue(deviceID string, value float64) error {
	if deviceID == "" {
		return fmt.Errorf("%w: empty device id", ErrInvalidArgument)
	}
	if math.IsNaN(value) {
		return fmt.Errorf("%w: dim value is NaN", ErrInvalidArgument)
	}
	m, err := message.NewWithPayload(message.TypeDeviceDim, deviceDimPayload{
		DeviceID:  deviceID,
		DimmValue: clampDim(value),
	})
	if err != nil {
		return err
	}
	return c.sendCommand(m)
}

// Room control actions.
const (
	RoomActionSwitch = "switch"
	RoomActionDimm   = "dimm"
)

// ControlRoom switches or dims a whole room. The switch action requires a
// bool value; the dimm action requires an int or float64 value, clamped into
// [1, 99].
// Any other combination fails with ErrInvalidArgument.
func (c *Client) ControlRoom(roomID int, action string, value interface{}) error {
	switch action {
	case RoomActionSwitch:
		on, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: switch action needs a bool, got %T", ErrInvalidArgument, value)
		}
		m, err := message.NewWithPayload(message.TypeRoomSwitch, roomSwitchPayload{
			RoomID: roomID,
			Switch: on,
		})
		if err != nil {
			return err
		}
		return c.sendCommand(m)

	case RoomActionDimm:
		var dim float64
		switch v := value.(type) {
		case int:
			dim = float64(v)
		case float64:
			dim = v
		default:
			return fmt.Errorf("%w: dimm action needs a number, got %T", ErrInvalidArgument, value)
		}
		if math.IsNaN(dim) {
			return fmt.Errorf("%w: dim value is NaN", ErrInvalidArgument)
		}
		m, err := message.NewWithPayload(message.TypeRoomDim, roomDimPayload{
			RoomID:    roomID,
			DimmValue: clampDim(dim),
		})
		if err != nil {
			return err
		}
		return c.sendCommand(m)

	default:
		return fmt.Errorf("%w: unknown room action %q", ErrInvalidArgument, action)
	}
}

// ActivateScene triggers a scene. Negative ids are rejected.
func (c *Client) ActivateScene(sceneID int) error {
	if sceneID < 0 {
		return fmt.Errorf("%w: negative scene id %d", ErrInvalidArgument, sceneID)
	}
	m, err := message.NewWithPayload(message.TypeActivateScene, activateScenePayload{
		SceneID: sceneID,
	})
	if err != nil {
		return err
	}
	return c.sendCommand(m)
}

// RefreshAllDeviceInfo re-requests the device and room inventories and
// solicits fresh state with a heartbeat.
func (c *Client) RefreshAllDeviceInfo() error {
	if !c.Connected() {
		return ErrNotConnected
	}
	return c.requestInventory()
}

// clampDim maps a dim value onto the wire range [1, 99].
func clampDim(v float64) int {
	if v < 1 {
		return 1
	}
	if v > 99 {
		return 99
	}
	return int(math.Round(v))
}

// connectSession runs one connection attempt: fresh session state, dial,
// and a bounded wait for handshake plus discovery.
func (c *Client) connectSession(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}

	c.counter.Reset()
	c.keys = nil
	c.authenticated = false
	c.discovered = false
	c.sessionConnected = false
	c.connectedCh = make(chan struct{})
	c.failedCh = make(chan error, 1)
	connectedCh := c.connectedCh
	failedCh := c.failedCh
	c.mu.Unlock()

	authn, err := auth.New(auth.Config{
		AuthKey:         c.config.AuthKey,
		ClientType:      clientType,
		ClientID:        clientID,
		ClientVersion:   clientVersion,
		SaltLength:      c.config.SaltLength,
		SendPlain:       c.sendPlain,
		SendSecured:     c.sendSecured,
		OnKeys:          c.onSessionKeys,
		OnAuthenticated: c.onAuthenticated,
		OnError:         c.failSession,
		LoggerFactory:   c.config.LoggerFactory,
	})
	if err != nil {
		return err
	}

	host := net.JoinHostPort(c.config.BridgeIP, strconv.Itoa(c.config.Port))
	ws, err := transport.Dial(ctx, transport.Config{
		Host:          host,
		Handler:       c.onFrame,
		OnClose:       c.onTransportClose,
		LoggerFactory: c.config.LoggerFactory,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return ErrClientClosed
	}
	c.authn = authn
	c.ws = ws
	c.mu.Unlock()

	ws.Start()

	timer := time.NewTimer(c.config.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-connectedCh:
		return nil
	case err := <-failedCh:
		c.teardownSession()
		return err
	case <-timer.C:
		c.teardownSession()
		return ErrConnectTimeout
	case <-ctx.Done():
		c.teardownSession()
		return ctx.Err()
	}
}

// teardownSession drops the socket of a session that never fully connected.
func (c *Client) teardownSession() {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.authn = nil
	c.keys = nil
	c.authenticated = false
	c.mu.Unlock()

	c.stopHeartbeat()
	if ws != nil {
		ws.Close()
	}
}

// failSession delivers a fatal session error to a pending connect wait.
func (c *Client) failSession(err error) {
	c.mu.Lock()
	ch := c.failedCh
	c.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

// onSessionKeys stores freshly negotiated keys for the codec paths.
func (c *Client) onSessionKeys(keys *codec.SessionKeys) {
	c.mu.Lock()
	c.keys = keys
	c.mu.Unlock()
}

// sessionKeys returns the current session keys, nil during the plaintext
// part of the handshake.
func (c *Client) sessionKeys() *codec.SessionKeys {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys
}

// wsRef returns the live socket, nil when disconnected.
func (c *Client) wsRef() *transport.WebSocket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws
}

// onFrame is the per-frame hot path, run on the read goroutine: decrypt
// once, acknowledge any inbound mc immediately, defer everything else to the
// dispatch goroutine.
func (c *Client) onFrame(frame []byte) {
	data := frame
	if keys := c.sessionKeys(); keys != nil {
		plain, err := codec.Decrypt(frame, keys)
		if err != nil {
			c.log.Warnf("discarding frame: %v", err)
			return
		}
		data = plain
	}

	m, err := message.Decode(data)
	if err != nil {
		c.log.Warnf("discarding frame: %v", err)
		return
	}

	if m.HasMC() {
		if err := c.sendAck(m.MC); err != nil {
			c.log.Warnf("sending ack for mc %d: %v", m.MC, err)
		}
	}

	select {
	case c.dispatchCh <- m:
	case <-c.dispatchStop:
	}
}

// sendAck emits the mandatory acknowledgement for an inbound mc. Acks are
// untracked and never retried.
func (c *Client) sendAck(ref int) error {
	data, err := message.Ack(ref).Encode()
	if err != nil {
		return err
	}

	ws := c.wsRef()
	if ws == nil {
		return ErrNotConnected
	}

	if keys := c.sessionKeys(); keys != nil {
		frame, err := codec.Encrypt(data, keys)
		if err != nil {
			return err
		}
		return ws.Send(frame)
	}
	return ws.Send(data)
}

// sendPlain writes one plaintext handshake message, assigning its mc.
func (c *Client) sendPlain(m *message.Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	m.MC = c.counter.Next()
	data, err := m.Encode()
	if err != nil {
		return err
	}

	ws := c.wsRef()
	if ws == nil {
		return ErrNotConnected
	}
	return ws.Send(data)
}

// sendSecured writes one encrypted message, assigning its mc.
func (c *Client) sendSecured(m *message.Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	m.MC = c.counter.Next()
	return c.writeSecured(m)
}

// writeSecured encrypts and writes a message whose mc is already assigned.
// Callers hold sendMu.
func (c *Client) writeSecured(m *message.Message) error {
	keys := c.sessionKeys()
	if keys == nil {
		return ErrNotConnected
	}

	data, err := m.Encode()
	if err != nil {
		return err
	}
	frame, err := codec.Encrypt(data, keys)
	if err != nil {
		return err
	}

	ws := c.wsRef()
	if ws == nil {
		return ErrNotConnected
	}
	return ws.Send(frame)
}

// sendCommand sends one tracked command and waits for its acknowledgement,
// retrying on nack or timeout with the configured constant delay. Each
// attempt sends a fresh mc; the counter stays strictly increasing.
func (c *Client) sendCommand(m *message.Message) error {
	operation := func() error {
		if !c.Connected() {
			return backoff.Permanent(ErrNotConnected)
		}

		c.sendMu.Lock()
		mc := c.counter.Next()
		m.MC = mc
		waiter, err := c.tracker.Register(mc)
		if err != nil {
			c.sendMu.Unlock()
			return backoff.Permanent(err)
		}
		err = c.writeSecured(m)
		c.sendMu.Unlock()

		if err != nil {
			c.tracker.Unregister(mc)
			return err
		}

		if err := ack.Await(waiter, c.config.AckTimeout); err != nil {
			if errors.Is(err, ack.ErrAckTimeout) {
				c.tracker.Unregister(mc)
			}
			return err
		}
		return nil
	}

	var err error
	if c.config.MaxRetries <= 1 {
		err = operation()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
	} else {
		bo := backoff.WithMaxRetries(
			backoff.NewConstantBackOff(c.config.RetryDelay),
			uint64(c.config.MaxRetries-1),
		)
		err = backoff.Retry(operation, bo)
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ack.ErrAckTimeout):
		return ErrAckTimeout
	default:
		return err
	}
}

// requestInventory solicits the full inventory and fresh state.
func (c *Client) requestInventory() error {
	if err := c.sendSecured(message.New(message.TypeRequestDevices)); err != nil {
		return err
	}
	if err := c.sendSecured(message.New(message.TypeRequestRooms)); err != nil {
		return err
	}
	return c.sendSecured(message.New(message.TypeHeartbeat))
}

// onAuthenticated runs when the handshake completes: request discovery,
// send the initial heartbeat, and start the periodic one.
func (c *Client) onAuthenticated() {
	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()

	if err := c.requestInventory(); err != nil {
		c.log.Warnf("inventory request failed: %v", err)
	}
	c.startHeartbeat()
	c.maybeConnected()
}

// maybeConnected flips to fully-connected once both the handshake and the
// initial discovery are done.
func (c *Client) maybeConnected() {
	c.mu.Lock()
	if c.connected || !c.authenticated || !c.discovered {
		c.mu.Unlock()
		return
	}
	c.connected = true
	c.sessionConnected = true
	ch := c.connectedCh
	c.mu.Unlock()

	close(ch)
	c.log.Info("bridge fully connected")
	if c.config.OnConnectionChanged != nil {
		c.config.OnConnectionChanged(true)
	}
}

func (c *Client) startHeartbeat() {
	c.mu.Lock()
	if c.closed || c.heartbeatStop != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := c.sendSecured(message.New(message.TypeHeartbeat)); err != nil {
					c.log.Debugf("heartbeat failed: %v", err)
				}
			}
		}
	}()
}

func (c *Client) stopHeartbeat() {
	c.mu.Lock()
	stop := c.heartbeatStop
	c.heartbeatStop = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// onTransportClose handles the peer dropping the socket. Waiters fail, and
// a session that was fully connected schedules exactly one reconnect
// attempt.
func (c *Client) onTransportClose(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	wasConnected := c.connected
	hadConnected := c.sessionConnected
	c.connected = false
	c.authenticated = false
	c.keys = nil
	c.ws = nil
	c.mu.Unlock()

	c.stopHeartbeat()
	c.tracker.FailAll(ErrTransportClosed)
	c.failSession(ErrTransportClosed)

	if wasConnected && c.config.OnConnectionChanged != nil {
		c.config.OnConnectionChanged(false)
	}

	if hadConnected {
		c.log.Infof("connection lost (%v), reconnecting in %s", err, c.config.ReconnectDelay)
		c.scheduleReconnect()
	} else {
		c.log.Warnf("connection lost before fully connected: %v", err)
	}
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.reconnectTimer != nil {
		return
	}
	c.reconnectTimer = time.AfterFunc(c.config.ReconnectDelay, c.reconnect)
}

// reconnect is the single delayed attempt after a connected session dropped.
// If it reaches fully-connected the loop re-arms on the next drop; if it
// fails the client stays down until the caller re-inits.
func (c *Client) reconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	if err := c.connectSession(context.Background()); err != nil {
		c.log.Errorf("reconnect failed: %v", err)
	}
}

// dispatchLoop is the deferred execution step: it serializes all semantic
// message processing and listener callbacks.
func (c *Client) dispatchLoop() {
	defer c.dispatchWG.Done()
	for {
		select {
		case <-c.dispatchStop:
			return
		case m := <-c.dispatchCh:
			c.route(m)
		}
	}
}

// route classifies one decoded inbound message. The mandatory ack has
// already left the client.
func (c *Client) route(m *message.Message) {
	switch m.Type {
	case message.TypeAck:
		c.tracker.Resolve(m.Ref, nil)

	case message.TypeNack:
		var info infoPayload
		if len(m.Payload) > 0 {
			_ = m.DecodePayload(&info)
		}
		c.log.Warnf("nack for mc %d: %s", m.Ref, info.Info)
		c.tracker.Resolve(m.Ref, fmt.Errorf("%w: %s", ack.ErrNacked, info.Info))

	case message.TypeHeartbeat:
		c.log.Tracef("heartbeat echo")

	case message.TypePing:
		// Nothing beyond the mandatory ack.

	case message.TypeSetAllData, message.TypeSetHomeData:
		var payload discoveryPayload
		if err := m.DecodePayload(&payload); err != nil {
			c.log.Warnf("bad discovery payload: %v", err)
			return
		}
		if c.inventory.apply(&payload) {
			c.mu.Lock()
			c.discovered = true
			c.mu.Unlock()
			c.maybeConnected()
		}

	case message.TypeStateUpdate:
		var payload stateUpdatePayload
		if err := m.DecodePayload(&payload); err != nil {
			c.log.Warnf("bad state update: %v", err)
			return
		}
		c.fanout.Dispatch(&payload)

	case message.TypeSetBridgeState:
		// Bridge-internal state; deliberately ignored.

	case message.TypeErrorInfo:
		var info infoPayload
		if len(m.Payload) > 0 {
			_ = m.DecodePayload(&info)
		}
		c.log.Warnf("bridge error: %s", info.Info)

	case message.TypeLogData, message.TypeLogEntries:
		c.log.Debugf("bridge log message %s", m.Type)

	case message.TypeConnectionStart, message.TypeScInitResponse, message.TypeConnectionDeclined,
		message.TypeScInitRequest, message.TypePublicKeyResponse, message.TypeSecretExchangeAck,
		message.TypeLoginResponse, message.TypeTokenApplyAck, message.TypeTokenRenewResponse:
		c.mu.Lock()
		authn := c.authn
		c.mu.Unlock()
		if authn != nil {
			authn.HandleMessage(m)
		}

	default:
		c.log.Infof("Unhandled message type: %d", int(m.Type))
	}
}
