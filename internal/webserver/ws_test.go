package webserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tejzpr/vetlink/internal/db"
)

type wsPeer struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialPeer(t *testing.T, hs *httptest.Server, who, role string) *wsPeer {
	t.Helper()
	header := http.Header{}
	header.Set(HeaderParticipantID, who)
	header.Set(HeaderParticipantRole, role)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(hs.URL, "http")+"/ws", header)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsPeer{t: t, conn: conn}
}

func (p *wsPeer) send(typ, requestID string, payload interface{}) {
	p.t.Helper()
	raw, _ := json.Marshal(payload)
	if err := p.conn.WriteJSON(Frame{Type: typ, RequestID: requestID, Payload: raw}); err != nil {
		p.t.Fatalf("failed to write frame: %v", err)
	}
}

// expect reads frames until one of type typ arrives.
func (p *wsPeer) expect(typ string) Frame {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var f Frame
		if err := p.conn.ReadJSON(&f); err != nil {
			p.t.Fatalf("failed waiting for %q: %v", typ, err)
		}
		if f.Type == typ {
			return f
		}
	}
}

func TestWebSocketChatAndSignaling(t *testing.T) {
	ts := setupTestServer(t)
	hs := httptest.NewServer(ts.handler)
	defer hs.Close()

	vet := dialPeer(t, hs, "vet-1", db.RoleResponder)
	farmer := dialPeer(t, hs, "farmer-1", db.RoleRequester)

	// The responder becomes present once its socket is registered.
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := ts.presence.ListConnected(t.Context(), []string{"vet-1"})
		if len(got) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("vet-1 never became present")
		}
		time.Sleep(10 * time.Millisecond)
	}

	id := ts.createConsultation(t, "vet-1")
	req := vet.expect("consultation-request")
	if !strings.Contains(string(req.Payload), id) {
		t.Errorf("expected request for %s, got %s", id, req.Payload)
	}
	ts.do(t, "POST", "/api/consultations/"+id+"/claim", "vet-1", db.RoleResponder, "")
	farmer.expect("consultation-accepted")

	ref := map[string]string{"consultationId": id}

	// A message sent before the peer joins is replayed as history.
	farmer.send(FrameJoinChat, "j1", ref)
	end := farmer.expect(FrameChatHistoryEnd)
	if end.RequestID != "j1" {
		t.Errorf("expected history end for j1, got %q", end.RequestID)
	}
	farmer.send(FrameSendMessage, "m1", map[string]string{"consultationId": id, "text": "cow limping"})
	ack := farmer.expect(FrameAck)
	var stored db.ChatMessage
	json.Unmarshal(ack.Payload, &stored)
	if ack.RequestID != "m1" || stored.Seq != 1 {
		t.Errorf("unexpected ack %s", ack.Payload)
	}

	vet.send(FrameJoinChat, "j2", ref)
	replay := vet.expect(FrameChatMessage)
	var replayed db.ChatMessage
	json.Unmarshal(replay.Payload, &replayed)
	if replayed.Seq != 1 || replayed.Text != "cow limping" {
		t.Errorf("unexpected replayed message %+v", replayed)
	}
	vet.expect(FrameChatHistoryEnd)

	vet.send(FrameSendMessage, "m2", map[string]string{"consultationId": id, "text": "since when?"})
	live := farmer.expect(FrameChatMessage)
	var liveMsg db.ChatMessage
	json.Unmarshal(live.Payload, &liveMsg)
	if liveMsg.Seq != 2 || liveMsg.SenderID != "vet-1" {
		t.Errorf("unexpected live message %+v", liveMsg)
	}

	// Signaling.
	farmer.send(FrameJoinSignaling, "s1", ref)
	farmer.expect(FrameAck)
	vet.send(FrameJoinSignaling, "s2", ref)
	vet.expect(FrameAck)

	vet.send(FrameSignal, "", map[string]interface{}{
		"consultationId": id,
		"kind":           "offer",
		"payload":        map[string]string{"sdp": "v=0"},
	})
	sig := farmer.expect(FrameSignal)
	var env struct {
		Kind    string          `json:"kind"`
		From    string          `json:"from"`
		Payload json.RawMessage `json:"payload"`
	}
	json.Unmarshal(sig.Payload, &env)
	if env.Kind != "offer" || env.From != "vet-1" || string(env.Payload) != `{"sdp":"v=0"}` {
		t.Errorf("unexpected envelope %s", sig.Payload)
	}

	vet.send(FrameEndCall, "e1", ref)
	farmer.expect(FrameCallEnded)

	// Unknown frames are reported without dropping the connection.
	farmer.send("dance", "x1", ref)
	errFrame := farmer.expect(FrameError)
	if errFrame.RequestID != "x1" || !strings.Contains(string(errFrame.Payload), "invalid_input") {
		t.Errorf("unexpected error frame %s", errFrame.Payload)
	}

	ts.do(t, "POST", "/api/consultations/"+id+"/close", "farmer-1", db.RoleRequester, "")
	vet.expect("consultation-closed")
}

func TestWebSocketRejectsOutsiders(t *testing.T) {
	ts := setupTestServer(t)
	hs := httptest.NewServer(ts.handler)
	defer hs.Close()

	id := ts.createConsultation(t, "vet-1")
	ts.do(t, "POST", "/api/consultations/"+id+"/claim", "vet-1", db.RoleResponder, "")

	outsider := dialPeer(t, hs, "vet-2", db.RoleResponder)
	outsider.send(FrameJoinChat, "j1", map[string]string{"consultationId": id})
	f := outsider.expect(FrameError)
	if !strings.Contains(string(f.Payload), "forbidden") {
		t.Errorf("expected forbidden, got %s", f.Payload)
	}
	outsider.send(FrameJoinSignaling, "j2", map[string]string{"consultationId": id})
	f = outsider.expect(FrameError)
	if !strings.Contains(string(f.Payload), "forbidden") {
		t.Errorf("expected forbidden, got %s", f.Payload)
	}
}

// collectUntil reads frames up to and including the first frame of type typ
// carrying requestID.
func (p *wsPeer) collectUntil(typ, requestID string) []Frame {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frames []Frame
	for {
		var f Frame
		if err := p.conn.ReadJSON(&f); err != nil {
			p.t.Fatalf("failed waiting for %q %q: %v", typ, requestID, err)
		}
		frames = append(frames, f)
		if f.Type == typ && f.RequestID == requestID {
			return frames
		}
	}
}

func TestWebSocketChatRejoinReplaysInOrder(t *testing.T) {
	ts := setupTestServer(t)
	hs := httptest.NewServer(ts.handler)
	defer hs.Close()

	id := ts.createConsultation(t, "vet-1")
	ts.do(t, "POST", "/api/consultations/"+id+"/claim", "vet-1", db.RoleResponder, "")

	farmer := dialPeer(t, hs, "farmer-1", db.RoleRequester)
	vet := dialPeer(t, hs, "vet-1", db.RoleResponder)
	ref := map[string]string{"consultationId": id}

	farmer.send(FrameJoinChat, "j1", ref)
	farmer.expect(FrameChatHistoryEnd)
	vet.send(FrameJoinChat, "j2", ref)
	vet.expect(FrameChatHistoryEnd)

	const sent = 5
	for i := 0; i < sent; i++ {
		vet.send(FrameSendMessage, "", map[string]string{"consultationId": id, "text": "update"})
	}
	for i := 0; i < sent; i++ {
		vet.expect(FrameAck)
	}

	// Rejoin without reading the live copies first.
	farmer.send(FrameJoinChat, "j3", ref)
	frames := farmer.collectUntil(FrameChatHistoryEnd, "j3")

	var end historyEnd
	json.Unmarshal(frames[len(frames)-1].Payload, &end)
	if end.Count != sent {
		t.Fatalf("expected %d replayed messages, got %d", sent, end.Count)
	}
	var seqs []int64
	for _, f := range frames {
		if f.Type != FrameChatMessage {
			continue
		}
		var msg db.ChatMessage
		json.Unmarshal(f.Payload, &msg)
		seqs = append(seqs, msg.Seq)
	}
	if len(seqs) < sent {
		t.Fatalf("expected at least %d chat frames, got %v", sent, seqs)
	}
	replay := seqs[len(seqs)-sent:]
	for i, seq := range replay {
		if seq != int64(i+1) {
			t.Fatalf("expected replay 1..%d right before its end marker, got %v", sent, seqs)
		}
	}

	// Nothing from the replaced subscription follows the replay.
	vet.send(FrameSendMessage, "m6", map[string]string{"consultationId": id, "text": "still there?"})
	live := farmer.expect(FrameChatMessage)
	var liveMsg db.ChatMessage
	json.Unmarshal(live.Payload, &liveMsg)
	if liveMsg.Seq != sent+1 {
		t.Errorf("expected the next live message to be seq %d, got %d", sent+1, liveMsg.Seq)
	}
}
