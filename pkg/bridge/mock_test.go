package bridge

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/backkem/xcomfort/pkg/codec"
	"github.com/backkem/xcomfort/pkg/crypto"
	"github.com/backkem/xcomfort/pkg/message"
)

const (
	mockDeviceID = "BRIDGE-1"
	mockAuthKey  = "test-auth-key"
)

// mockMessage is one decoded client message with the connection it arrived
// on.
type mockMessage struct {
	conn int
	msg  *message.Message
}

// mockBridge scripts a bridge over a real WebSocket: it runs the full
// handshake, auto-acknowledges mc-carrying client messages, and answers
// inventory requests.
type mockBridge struct {
	t      *testing.T
	server *httptest.Server
	priv   *rsa.PrivateKey
	pemKey string

	mu        sync.Mutex
	conn      *websocket.Conn
	keys      *codec.SessionKeys
	mc        int
	connCount int
	received  []mockMessage
	dropAcks  map[message.Type]int
	decline   bool

	recvCh chan mockMessage
}

func newMockBridge(t *testing.T) *mockBridge {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshaling public key: %v", err)
	}

	b := &mockBridge{
		t:        t,
		priv:     priv,
		pemKey:   string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})),
		dropAcks: make(map[message.Type]int),
		recvCh:   make(chan mockMessage, 64),
	}

	upgrader := websocket.Upgrader{}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.serve(conn)
	}))
	t.Cleanup(b.server.Close)
	return b
}

// clientConfig builds a Client config pointed at the mock with fast
// test timeouts.
func (b *mockBridge) clientConfig() Config {
	host := strings.TrimPrefix(b.server.URL, "http://")
	ip, portStr, _ := strings.Cut(host, ":")
	port, _ := strconv.Atoi(portStr)
	return Config{
		BridgeIP:          ip,
		AuthKey:           mockAuthKey,
		Port:              port,
		ConnectTimeout:    5 * time.Second,
		HeartbeatInterval: time.Hour,
		ReconnectDelay:    100 * time.Millisecond,
		AckTimeout:        300 * time.Millisecond,
		RetryDelay:        50 * time.Millisecond,
		MaxRetries:        3,
	}
}

// setDecline makes the bridge refuse every login while set.
func (b *mockBridge) setDecline(v bool) {
	b.mu.Lock()
	b.decline = v
	b.mu.Unlock()
}

// dropAcksFor suppresses the auto-acknowledgement for the next n client
// messages of the given type.
func (b *mockBridge) dropAcksFor(t message.Type, n int) {
	b.mu.Lock()
	b.dropAcks[t] = n
	b.mu.Unlock()
}

// closeConn drops the current connection from the bridge side.
func (b *mockBridge) closeConn() {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// serve runs the scripted bridge for one connection.
func (b *mockBridge) serve(conn *websocket.Conn) {
	b.mu.Lock()
	b.connCount++
	connIndex := b.connCount
	b.conn = conn
	b.keys = nil
	b.mc = 0
	b.mu.Unlock()

	b.send(message.TypeConnectionStart, map[string]string{
		"device_id":     mockDeviceID,
		"connection_id": "conn-" + strconv.Itoa(connIndex),
	}, false)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		m, err := b.decodeFrame(frame)
		if err != nil {
			b.t.Logf("mock bridge: dropping frame: %v", err)
			continue
		}

		b.mu.Lock()
		b.received = append(b.received, mockMessage{conn: connIndex, msg: m})
		drop := false
		if m.HasMC() {
			if n := b.dropAcks[m.Type]; n > 0 {
				b.dropAcks[m.Type] = n - 1
				drop = true
			}
		}
		b.mu.Unlock()

		select {
		case b.recvCh <- mockMessage{conn: connIndex, msg: m}:
		default:
		}

		if m.HasMC() && !drop {
			b.sendRaw(&message.Message{Type: message.TypeAck, Ref: m.MC})
		}
		if drop {
			continue
		}

		b.react(m)
	}
}

// react answers one client message per the handshake script.
func (b *mockBridge) react(m *message.Message) {
	switch m.Type {
	case message.TypeConnectionConfirm:
		b.send(message.TypeScInitResponse, nil, false)

	case message.TypeScInitRequest:
		b.send(message.TypePublicKeyResponse, map[string]string{"public_key": b.pemKey}, false)

	case message.TypeSecretExchange:
		var payload struct {
			Secret string `json:"secret"`
		}
		if err := m.DecodePayload(&payload); err != nil {
			b.t.Errorf("mock bridge: bad secret payload: %v", err)
			return
		}
		ciphertext, err := base64.StdEncoding.DecodeString(payload.Secret)
		if err != nil {
			b.t.Errorf("mock bridge: secret not base64: %v", err)
			return
		}
		plaintext, err := rsa.DecryptPKCS1v15(nil, b.priv, ciphertext)
		if err != nil {
			b.t.Errorf("mock bridge: unwrapping secret: %v", err)
			return
		}
		keyHex, ivHex, ok := strings.Cut(string(plaintext), ":::")
		if !ok {
			b.t.Errorf("mock bridge: secret %q lacks ::: delimiter", plaintext)
			return
		}
		key, err1 := hex.DecodeString(keyHex)
		iv, err2 := hex.DecodeString(ivHex)
		if err1 != nil || err2 != nil || len(key) != 32 || len(iv) != 16 {
			b.t.Errorf("mock bridge: bad key material %q", plaintext)
			return
		}
		b.mu.Lock()
		b.keys = &codec.SessionKeys{Key: key, IV: iv}
		b.mu.Unlock()
		b.send(message.TypeSecretExchangeAck, nil, false)

	case message.TypeLoginRequest:
		var payload struct {
			Username string `json:"username"`
			Password string `json:"password"`
			Salt     string `json:"salt"`
		}
		if err := m.DecodePayload(&payload); err != nil {
			b.t.Errorf("mock bridge: bad login payload: %v", err)
			return
		}
		b.mu.Lock()
		decline := b.decline
		b.mu.Unlock()
		want := crypto.AuthHash(mockDeviceID, mockAuthKey, payload.Salt)
		if decline || payload.Username != "default" || payload.Password != want {
			b.send(message.TypeConnectionDeclined, nil, false)
			return
		}
		b.send(message.TypeLoginResponse, map[string]string{"token": "T0"}, false)

	case message.TypeTokenApply:
		b.send(message.TypeTokenApplyAck, nil, false)

	case message.TypeTokenRenew:
		b.send(message.TypeTokenRenewResponse, map[string]string{"token": "T1"}, false)

	case message.TypeRequestDevices:
		b.send(message.TypeSetAllData, map[string]interface{}{
			"devices": []map[string]interface{}{
				{"deviceId": "D1", "name": "Lamp", "dimmable": true, "devType": 101},
			},
			"scenes": []map[string]interface{}{
				{"sceneId": 3, "name": "Evening"},
			},
			"lastItem": true,
		}, true)

	case message.TypeRequestRooms:
		b.send(message.TypeSetHomeData, map[string]interface{}{
			"rooms": []map[string]interface{}{
				{"roomId": 7, "name": "Kitchen", "devices": []string{"D1"}},
			},
			"lastItem": true,
		}, true)
	}
}

// decodeFrame parses one client frame, decrypting once the session keys are
// established.
func (b *mockBridge) decodeFrame(frame []byte) (*message.Message, error) {
	if len(frame) > 0 && frame[0] == '{' {
		return message.Decode(frame)
	}
	b.mu.Lock()
	keys := b.keys
	b.mu.Unlock()
	plain, err := codec.Decrypt(codec.StripTerminator(frame), keys)
	if err != nil {
		return nil, err
	}
	return message.Decode(plain)
}

// send builds and writes one bridge message. withMC stamps a bridge-side
// counter the client must acknowledge.
func (b *mockBridge) send(t message.Type, payload interface{}, withMC bool) {
	var m *message.Message
	if payload == nil {
		m = message.New(t)
	} else {
		var err error
		m, err = message.NewWithPayload(t, payload)
		if err != nil {
			b.t.Errorf("mock bridge: encoding %s: %v", t, err)
			return
		}
	}
	if withMC {
		b.mu.Lock()
		b.mc += 100
		m.MC = b.mc
		b.mu.Unlock()
	}
	b.sendRaw(m)
}

// sendMessage exposes scripted sends to tests (state updates, unknown
// types).
func (b *mockBridge) sendMessage(m *message.Message) {
	b.sendRaw(m)
}

func (b *mockBridge) sendRaw(m *message.Message) {
	data, err := m.Encode()
	if err != nil {
		b.t.Errorf("mock bridge: encoding %s: %v", m.Type, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return
	}

	frame := data
	if b.keys != nil {
		frame, err = codec.Encrypt(data, b.keys)
		if err != nil {
			b.t.Errorf("mock bridge: encrypting %s: %v", m.Type, err)
			return
		}
	}
	if err := b.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		b.t.Logf("mock bridge: write failed: %v", err)
	}
}

// waitFor blocks until the bridge has received a client message of the
// given type matching the predicate.
func (b *mockBridge) waitFor(t *testing.T, typ message.Type, match func(*message.Message) bool) *message.Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case mm := <-b.recvCh:
			if mm.msg.Type == typ && (match == nil || match(mm.msg)) {
				return mm.msg
			}
		case <-deadline:
			t.Fatalf("bridge did not receive %s", typ)
			return nil
		}
	}
}

// messagesOn returns all messages received on one connection, in order.
func (b *mockBridge) messagesOn(conn int) []*message.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*message.Message
	for _, mm := range b.received {
		if mm.conn == conn {
			out = append(out, mm.msg)
		}
	}
	return out
}
