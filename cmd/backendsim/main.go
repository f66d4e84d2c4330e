// backendsim is a scripted stand-in for the conversation backend: it
// accepts relay connections, checks the handshake credential, pushes a few
// demo entities, and answers each turn_request with a canned
// status/instruction/status sequence. Flags inject failures so the relay's
// timeout, abort, and reconnect paths can be exercised by hand.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"npcwire/internal/protocol"
)

func main() {
	var (
		addr       = flag.String("addr", ":9090", "listen address")
		token      = flag.String("token", "dev-token", "expected credential")
		delayMs    = flag.Int("delay_ms", 300, "thinking delay per turn")
		failEvery  = flag.Int("fail_every", 0, "answer every Nth turn with BACKEND_ERROR (0 = never)")
		stallEvery = flag.Int("stall_every", 0, "silently swallow every Nth turn (0 = never)")
	)
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	srv := &server{
		log:        logger,
		token:      *token,
		delay:      time.Duration(*delayMs) * time.Millisecond,
		failEvery:  *failEvery,
		stallEvery: *stallEvery,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev tool
		},
	}

	http.HandleFunc("/v1/ws", srv.handle)
	logger.Info("backendsim listening", zap.String("addr", *addr))
	if err := http.ListenAndServe(*addr, nil); err != nil {
		logger.Fatal("listen", zap.Error(err))
	}
}

type server struct {
	log        *zap.Logger
	token      string
	delay      time.Duration
	failEvery  int
	stallEvery int
	upgrader   websocket.Upgrader

	turns atomic.Uint64
}

type session struct {
	srv  *server
	log  *zap.Logger
	conn *websocket.Conn

	writeMu sync.Mutex
}

func (s *server) handle(rw http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sess := &session{srv: s, log: s.log.With(zap.String("remote", conn.RemoteAddr().String())), conn: conn}
	if !sess.handshake() {
		return
	}
	sess.log.Info("relay connected")
	sess.sendDemoEntities()
	sess.readLoop()
	sess.log.Info("relay gone")
}

func (s *session) handshake() bool {
	_ = s.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := s.conn.ReadMessage()
	if err != nil {
		return false
	}
	f, err := protocol.DecodeFrame(msg)
	if err != nil || f.Event != protocol.EventHandshake {
		return false
	}
	var hs protocol.HandshakeMsg
	if err := json.Unmarshal(f.Data, &hs); err != nil {
		return false
	}
	if hs.Token != s.srv.token {
		s.log.Warn("bad credential", zap.String("self", hs.Self.Name))
		s.write(protocol.EventError, "", protocol.ErrorMsg{
			Code:    protocol.ErrAuthInvalid,
			Message: "credential rejected",
		})
		return false
	}
	s.log.Info("handshake ok",
		zap.String("self", hs.Self.Name),
		zap.String("platform", hs.Self.Platform),
		zap.String("proto", hs.ProtocolVersion))
	return true
}

func (s *session) sendDemoEntities() {
	s.write(protocol.EventEntitySync, "", protocol.EntitySyncMsg{
		Op: protocol.SyncBulkCreate,
		Entities: []protocol.EntityRecord{
			{ID: "npc_blacksmith", Name: "Brann", Kind: "npc", Persona: "gruff blacksmith"},
			{ID: "npc_innkeeper", Name: "Mira", Kind: "npc", Persona: "cheerful innkeeper"},
		},
	})
}

func (s *session) readLoop() {
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := protocol.DecodeFrame(msg)
		if err != nil {
			continue
		}
		switch f.Event {
		case protocol.EventTurnRequest:
			var tr protocol.TurnRequestMsg
			if err := json.Unmarshal(f.Data, &tr); err != nil {
				continue
			}
			// Independent task per turn so a scripted delay never blocks
			// other entities.
			go s.answerTurn(tr)
		case protocol.EventCapabilityReport:
			var cr protocol.CapabilityReportMsg
			_ = json.Unmarshal(f.Data, &cr)
			s.log.Info("capability report", zap.Int("actions", len(cr.Catalog)))
		case protocol.EventAck:
			s.log.Debug("ack", zap.String("id", f.ID), zap.ByteString("data", f.Data))
		}
	}
}

func (s *session) answerTurn(tr protocol.TurnRequestMsg) {
	n := int(s.srv.turns.Add(1))
	if s.srv.stallEvery > 0 && n%s.srv.stallEvery == 0 {
		s.log.Info("stalling turn", zap.String("entity", tr.EntityID))
		return
	}

	s.write(protocol.EventStatusUpdate, "", protocol.StatusUpdateMsg{
		Phase: protocol.PhaseThinking, EntityID: tr.EntityID,
	})
	time.Sleep(s.srv.delay)

	if s.srv.failEvery > 0 && n%s.srv.failEvery == 0 {
		s.write(protocol.EventError, "", protocol.ErrorMsg{
			Code:        protocol.ErrBackendError,
			Message:     "the spirits are silent today",
			EntityID:    tr.EntityID,
			RequesterID: tr.RequesterID,
		})
		return
	}

	params, _ := json.Marshal(map[string]string{
		"text": fmt.Sprintf("You said %q? Interesting.", tr.Text),
		"to":   tr.RequesterID,
	})
	s.write(protocol.EventInstruction, fmt.Sprintf("turn_%d", n), protocol.InstructionMsg{
		EntityID:    tr.EntityID,
		RequesterID: tr.RequesterID,
		Name:        "say",
		Params:      params,
	})
	s.write(protocol.EventStatusUpdate, "", protocol.StatusUpdateMsg{
		Phase: protocol.PhaseCompleted, EntityID: tr.EntityID,
	})
}

func (s *session) write(event, id string, payload any) {
	b, err := protocol.EncodeFrame(event, id, payload)
	if err != nil {
		s.log.Error("encode", zap.Error(err))
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		s.log.Debug("write failed", zap.Error(err))
	}
}
