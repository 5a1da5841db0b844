package p2p

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/soitun/effectai-engine/internal/domain"
	"github.com/soitun/effectai-engine/internal/infra/events"
	"github.com/soitun/effectai-engine/internal/infra/sqlite"
	"github.com/soitun/effectai-engine/internal/payments"
	"github.com/soitun/effectai-engine/internal/registry"
	"github.com/soitun/effectai-engine/internal/security"
	"github.com/soitun/effectai-engine/internal/tasks"
)

type wsFixture struct {
	ts       *httptest.Server
	server   *Server
	registry *registry.Registry
	engine   *tasks.Engine
	db       *sqlite.DB
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	bus := events.NewBus(64)
	reg, err := registry.New(db, bus, false)
	if err != nil {
		t.Fatalf("registry.New() error: %v", err)
	}
	engine, err := tasks.New(tasks.DefaultConfig(), db, bus, reg)
	if err != nil {
		t.Fatalf("tasks.New() error: %v", err)
	}
	signer, _ := payments.NewSigner(make([]byte, 32))
	ledger := payments.New(payments.Config{}, db, bus, signer)

	router := NewRouter(Identity{PeerID: "mgr", Version: "test"}, reg, engine, ledger, db)
	server := NewServer(DefaultConfig(), router, reg)
	engine.SetSender(server)

	mux := http.NewServeMux()
	mux.HandleFunc("/", server.handleWS)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	db.PutTemplate(domain.Template{TemplateID: "tpl1", Name: "test"})
	return &wsFixture{ts: ts, server: server, registry: reg, engine: engine, db: db}
}

// dialWorker connects and completes the challenge handshake with a fresh key.
func dialWorker(t *testing.T, f *wsFixture) (*websocket.Conn, *security.Identity) {
	t.Helper()
	kp, err := security.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity() error: %v", err)
	}

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	var env Envelope
	if err := ws.ReadJSON(&env); err != nil || env.Type != MsgChallenge {
		t.Fatalf("expected challenge frame, got %v (%v)", env.Type, err)
	}
	var ch Challenge
	json.Unmarshal(env.Payload, &ch)

	hello := NewEnvelope(MsgHello, Hello{
		PublicKey: kp.PeerID(),
		Signature: hex.EncodeToString(kp.Sign([]byte(ch.Challenge))),
	})
	if err := ws.WriteJSON(hello); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	return ws, kp
}

// request sends a frame and reads the next inbound frame as the reply.
func request(t *testing.T, ws *websocket.Conn, env Envelope) Envelope {
	t.Helper()
	if err := ws.WriteJSON(env); err != nil {
		t.Fatalf("write: %v", err)
	}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply Envelope
	if err := ws.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return reply
}

func TestHandshakeAndIdentify(t *testing.T) {
	f := newWSFixture(t)
	ws, kp := dialWorker(t, f)

	reply := request(t, ws, NewEnvelope(MsgIdentifyRequest, nil))
	if reply.Type != MsgIdentifyResponse {
		t.Fatalf("reply = %s", reply.Type)
	}
	var id IdentifyResponse
	json.Unmarshal(reply.Payload, &id)
	if id.Registered {
		t.Errorf("peer %s reported registered before onboarding", kp.PeerID()[:8])
	}
}

func TestHandshakeRejectsBadSignature(t *testing.T) {
	f := newWSFixture(t)
	kp, _ := security.NewIdentity()

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	var env Envelope
	ws.ReadJSON(&env)
	ws.WriteJSON(NewEnvelope(MsgHello, Hello{
		PublicKey: kp.PeerID(),
		Signature: hex.EncodeToString(kp.Sign([]byte("wrong thing"))),
	}))

	// The server closes the connection without registering the peer.
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := ws.ReadJSON(&env); err == nil {
		t.Error("expected connection close after bad handshake")
	}
}

func TestOnboardReceiveOfferComplete(t *testing.T) {
	f := newWSFixture(t)
	ws, kp := dialWorker(t, f)
	peerID := kp.PeerID()

	reply := request(t, ws, NewEnvelope(MsgRequestToWork, RequestToWork{Recipient: peerID, Nonce: 1}))
	if reply.Type != MsgAck {
		t.Fatalf("requestToWork reply = %s (%s)", reply.Type, reply.Payload)
	}

	// A provider posts a task; the offer is pushed over the socket.
	if err := f.engine.CreateTask(domain.Task{ID: "t1", TemplateID: "tpl1", Reward: 2}, "prov"); err != nil {
		t.Fatalf("CreateTask() error: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var offer Envelope
	if err := ws.ReadJSON(&offer); err != nil {
		t.Fatalf("read offer: %v", err)
	}
	if offer.Type != MsgTaskOffer {
		t.Fatalf("pushed frame = %s, want taskOffer", offer.Type)
	}
	var task domain.Task
	json.Unmarshal(offer.Payload, &task)
	if task.ID != "t1" || task.AssignedWorkerPeerID != peerID {
		t.Errorf("offer payload = %+v", task)
	}

	// Accept and complete over the same connection.
	if reply := request(t, ws, NewEnvelope(MsgTaskAccepted, TaskAccepted{TaskID: "t1"})); reply.Type != MsgAck {
		t.Fatalf("accept reply = %s (%s)", reply.Type, reply.Payload)
	}
	if reply := request(t, ws, NewEnvelope(MsgTaskCompleted, TaskCompleted{TaskID: "t1", Result: "answer"})); reply.Type != MsgAck {
		t.Fatalf("complete reply = %s (%s)", reply.Type, reply.Payload)
	}

	if got := f.engine.GetTask("t1"); got.State != domain.TaskCompleted {
		t.Errorf("task state = %s, want COMPLETED", got.State)
	}
}

func TestDisconnectMarksWorker(t *testing.T) {
	f := newWSFixture(t)
	ws, kp := dialWorker(t, f)
	peerID := kp.PeerID()

	request(t, ws, NewEnvelope(MsgRequestToWork, RequestToWork{Recipient: peerID, Nonce: 1}))
	ws.Close()

	waitFor(t, func() bool {
		w := f.registry.GetWorker(peerID)
		return w != nil && w.State == domain.WorkerDisconnected
	})
}

// waitFor polls a condition for up to two seconds.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
