// Package auth implements the bridge handshake: connection confirmation,
// session key exchange, login, and token renewal.
//
// The bridge drives the handshake. It speaks first with ConnectionStart and
// the authenticator answers each inbound message until the token renewal
// completes. Messages up to and including SecretExchange travel as plaintext
// JSON; everything after is encrypted with the session keys generated when
// the bridge's public key arrives.
package auth

import (
	"sync"

	"github.com/pion/logging"

	"github.com/backkem/xcomfort/pkg/codec"
	"github.com/backkem/xcomfort/pkg/crypto"
	"github.com/backkem/xcomfort/pkg/message"
)

// loginUsername is the fixed account name the bridge expects.
const loginUsername = "default"

// Config configures an Authenticator. One Authenticator serves one session;
// reconnects create a new one.
type Config struct {
	// AuthKey is the user's bridge authentication key. Required.
	AuthKey string

	// Client identity trio, fixed at build time.
	ClientType    string
	ClientID      string
	ClientVersion string

	// SaltLength overrides the login salt length (default 32).
	SaltLength int

	// SendPlain writes a plaintext JSON handshake message. Required.
	SendPlain func(m *message.Message) error

	// SendSecured writes an encrypted message. Required. The callback is
	// first used after Keys() is non-nil.
	SendSecured func(m *message.Message) error

	// OnKeys fires when fresh session keys have been generated, before the
	// wrapped secret is sent. The next inbound frame may already be
	// encrypted with them.
	OnKeys func(keys *codec.SessionKeys)

	// OnAuthenticated fires once when the handshake reaches its terminal
	// success state.
	OnAuthenticated func()

	// OnError fires once when the handshake aborts.
	OnError func(err error)

	// LoggerFactory creates the authenticator logger. Nil uses pion's default.
	LoggerFactory logging.LoggerFactory
}

// Authenticator is the handshake state machine for one session.
// HandleMessage is driven from the client's dispatch goroutine; accessors are
// safe from any goroutine.
type Authenticator struct {
	config Config
	log    logging.LeveledLogger

	mu           sync.Mutex
	phase        Phase
	keys         *codec.SessionKeys
	deviceID     string
	connectionID string
	token        string
}

// Handshake payload shapes. The bridge uses snake_case keys on the
// authentication path.
type connectionStartPayload struct {
	DeviceID     string `json:"device_id"`
	ConnectionID string `json:"connection_id"`
}

type connectionConfirmPayload struct {
	ClientType    string `json:"client_type"`
	ClientID      string `json:"client_id"`
	ClientVersion string `json:"client_version"`
	ConnectionID  string `json:"connection_id"`
}

type publicKeyPayload struct {
	PublicKey string `json:"public_key"`
}

type secretExchangePayload struct {
	Secret string `json:"secret"`
}

type loginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Salt     string `json:"salt"`
}

type tokenPayload struct {
	Token string `json:"token"`
}

// New creates an authenticator in the Idle phase.
func New(config Config) (*Authenticator, error) {
	if config.SendPlain == nil || config.SendSecured == nil {
		return nil, ErrNoSender
	}
	if config.AuthKey == "" {
		return nil, ErrNoAuthKey
	}
	if config.SaltLength == 0 {
		config.SaltLength = crypto.DefaultSaltLength
	}

	factory := config.LoggerFactory
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}

	return &Authenticator{
		config: config,
		log:    factory.NewLogger("auth"),
		phase:  PhaseIdle,
	}, nil
}

// Phase returns the current handshake phase.
func (a *Authenticator) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// Keys returns the session keys, nil until the bridge's public key has been
// processed.
func (a *Authenticator) Keys() *codec.SessionKeys {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.keys
}

// DeviceID returns the bridge-advertised device id.
func (a *Authenticator) DeviceID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deviceID
}

// ConnectionID returns the bridge-advertised connection id.
func (a *Authenticator) ConnectionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connectionID
}

// Token returns the current session token.
func (a *Authenticator) Token() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

// HandleMessage advances the state machine with one inbound handshake
// message. Messages that do not fit the current phase are logged and
// ignored; ConnectionDeclined aborts from any phase.
func (a *Authenticator) HandleMessage(m *message.Message) {
	a.mu.Lock()

	if a.phase.Terminal() {
		a.log.Debugf("ignoring %s after handshake end", m.Type)
		a.mu.Unlock()
		return
	}

	if m.Type == message.TypeConnectionDeclined {
		a.failAndNotify(ErrConnectionDeclined)
		return
	}

	var err error
	done := false
	switch {
	case a.phase == PhaseIdle && m.Type == message.TypeConnectionStart:
		err = a.onConnectionStart(m)
	case a.phase == PhaseAwaitingScInit && m.Type == message.TypeScInitResponse:
		err = a.onScInit()
	case a.phase == PhaseAwaitingPublicKey && m.Type == message.TypeScInitRequest:
		// Older firmwares echo the request back before answering.
		err = a.onScInitEcho()
	case a.phase == PhaseAwaitingPublicKey && m.Type == message.TypePublicKeyResponse:
		err = a.onPublicKey(m)
	case a.phase == PhaseAwaitingSecretAck && m.Type == message.TypeSecretExchangeAck:
		err = a.onSecretAck()
	case a.phase == PhaseAwaitingLoginResponse && m.Type == message.TypeLoginResponse:
		err = a.onLoginResponse(m)
	case a.phase == PhaseAwaitingTokenApply && m.Type == message.TypeTokenApplyAck:
		err = a.onTokenApplyAck()
	case a.phase == PhaseAwaitingTokenRenew && m.Type == message.TypeTokenRenewResponse:
		err = a.onTokenRenewResponse(m)
	case a.phase == PhaseAwaitingTokenApplyFinal && m.Type == message.TypeTokenApplyAck:
		a.phase = PhaseAuthenticated
		done = true
	default:
		a.log.Infof("ignoring %s in phase %s", m.Type, a.phase)
		a.mu.Unlock()
		return
	}

	if err != nil {
		a.failAndNotify(err)
		return
	}
	a.mu.Unlock()

	// Callbacks run unlocked so they may read the authenticator freely.
	if done {
		a.log.Info("handshake complete")
		if a.config.OnAuthenticated != nil {
			a.config.OnAuthenticated()
		}
	}
}

func (a *Authenticator) onConnectionStart(m *message.Message) error {
	var payload connectionStartPayload
	if err := m.DecodePayload(&payload); err != nil {
		return err
	}
	a.deviceID = payload.DeviceID
	a.connectionID = payload.ConnectionID

	confirm, err := message.NewWithPayload(message.TypeConnectionConfirm, connectionConfirmPayload{
		ClientType:    a.config.ClientType,
		ClientID:      a.config.ClientID,
		ClientVersion: a.config.ClientVersion,
		ConnectionID:  a.connectionID,
	})
	if err != nil {
		return err
	}
	if err := a.config.SendPlain(confirm); err != nil {
		return err
	}
	a.phase = PhaseAwaitingScInit
	return nil
}

func (a *Authenticator) onScInit() error {
	if err := a.config.SendPlain(message.New(message.TypeScInitRequest)); err != nil {
		return err
	}
	a.phase = PhaseAwaitingPublicKey
	return nil
}

func (a *Authenticator) onScInitEcho() error {
	// Phase does not advance; the bridge answers with the public key when
	// it is ready.
	return a.config.SendPlain(message.New(message.TypeScInitRequest))
}

func (a *Authenticator) onPublicKey(m *message.Message) error {
	var payload publicKeyPayload
	if err := m.DecodePayload(&payload); err != nil {
		return err
	}

	pub, err := crypto.ParsePublicKey([]byte(payload.PublicKey))
	if err != nil {
		return err
	}

	keys, err := codec.NewSessionKeys()
	if err != nil {
		return err
	}

	secret, err := crypto.WrapSessionSecret(pub, keys.Key, keys.IV)
	if err != nil {
		return err
	}

	exchange, err := message.NewWithPayload(message.TypeSecretExchange, secretExchangePayload{
		Secret: secret,
	})
	if err != nil {
		return err
	}

	a.keys = keys
	if a.config.OnKeys != nil {
		a.config.OnKeys(keys)
	}
	if err := a.config.SendPlain(exchange); err != nil {
		return err
	}

	a.phase = PhaseAwaitingSecretAck
	return nil
}

func (a *Authenticator) onSecretAck() error {
	salt, err := crypto.GenerateSalt(a.config.SaltLength)
	if err != nil {
		return err
	}

	login, err := message.NewWithPayload(message.TypeLoginRequest, loginPayload{
		Username: loginUsername,
		Password: crypto.AuthHash(a.deviceID, a.config.AuthKey, salt),
		Salt:     salt,
	})
	if err != nil {
		return err
	}
	if err := a.config.SendSecured(login); err != nil {
		return err
	}
	a.phase = PhaseAwaitingLoginResponse
	return nil
}

func (a *Authenticator) onLoginResponse(m *message.Message) error {
	var payload tokenPayload
	if err := m.DecodePayload(&payload); err != nil {
		return err
	}
	if payload.Token == "" {
		return ErrAuthFailed
	}
	a.token = payload.Token

	if err := a.sendToken(message.TypeTokenApply); err != nil {
		return err
	}
	a.phase = PhaseAwaitingTokenApply
	return nil
}

func (a *Authenticator) onTokenApplyAck() error {
	if err := a.sendToken(message.TypeTokenRenew); err != nil {
		return err
	}
	a.phase = PhaseAwaitingTokenRenew
	return nil
}

func (a *Authenticator) onTokenRenewResponse(m *message.Message) error {
	var payload tokenPayload
	if err := m.DecodePayload(&payload); err != nil {
		return err
	}
	if payload.Token == "" {
		return ErrAuthFailed
	}
	a.token = payload.Token

	if err := a.sendToken(message.TypeTokenApply); err != nil {
		return err
	}
	a.phase = PhaseAwaitingTokenApplyFinal
	return nil
}

func (a *Authenticator) sendToken(t message.Type) error {
	m, err := message.NewWithPayload(t, tokenPayload{Token: a.token})
	if err != nil {
		return err
	}
	return a.config.SendSecured(m)
}

// failAndNotify moves to the failure phase, unlocks, and reports the error.
// Must be called with the mutex held.
func (a *Authenticator) failAndNotify(err error) {
	a.phase = PhaseFailed
	a.mu.Unlock()

	a.log.Warnf("handshake failed: %v", err)
	if a.config.OnError != nil {
		a.config.OnError(err)
	}
}
