package webserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tejzpr/vetlink/internal/chat"
	"github.com/tejzpr/vetlink/internal/db"
	"github.com/tejzpr/vetlink/internal/manager"
	"github.com/tejzpr/vetlink/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// Frame types.
const (
	FrameJoinChat      = "join-chat"
	FrameLeaveChat     = "leave-chat"
	FrameSendMessage   = "send-message"
	FrameJoinSignaling = "join-signaling"
	FrameSignal        = "signal"
	FrameEndCall       = "end-call"

	FrameChatMessage    = "chat-message"
	FrameChatHistoryEnd = "chat-history-end"
	FrameCallEnded      = "call-ended"
	FrameAck            = "ack"
	FrameError          = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin policy belongs to the fronting auth layer.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Frame is the wire envelope in both directions.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type outFrame struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

type consultationRef struct {
	ConsultationID string `json:"consultationId"`
}

type sendMessagePayload struct {
	ConsultationID string `json:"consultationId"`
	Text           string `json:"text"`
}

type errorPayload struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	ConsultationID string `json:"consultationId,omitempty"`
}

type historyEnd struct {
	ConsultationID string `json:"consultationId"`
	Count          int    `json:"count"`
}

// wsClient owns one WebSocket connection. The read loop is the only writer
// of the subscription maps.
type wsClient struct {
	s      *Server
	conn   *websocket.Conn
	caller Identity
	send   chan outFrame
	done   chan struct{}

	chats   map[string]*chatForward
	signals map[string]*signaling.Stream
}

// chatForward copies one chat subscription into the send queue.
type chatForward struct {
	sub  *chat.Subscription
	stop chan struct{}
	done chan struct{}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	caller := identityFrom(r.Context())
	// Subscribe before the handshake completes so nothing published after
	// the client sees the upgrade is missed.
	events := s.subscribe(r.Context(), caller)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.unsubscribe(caller, events)
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &wsClient{
		s:       s,
		conn:    conn,
		caller:  caller,
		send:    make(chan outFrame, sendBuffer),
		done:    make(chan struct{}),
		chats:   make(map[string]*chatForward),
		signals: make(map[string]*signaling.Stream),
	}

	go c.writePump()
	go c.forwardEvents(events)

	c.readPump()

	close(c.done)
	for id := range c.chats {
		c.leaveChat(id)
	}
	for _, st := range c.signals {
		s.signaling.Leave(st)
	}
	s.unsubscribe(c.caller, events)
	conn.Close()
}

func (c *wsClient) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.s.log.Debug().Err(err).Str("participant_id", c.caller.ID).Msg("websocket read failed")
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.replyError(f, fmt.Errorf("%w: malformed frame", db.ErrInvalidInput))
			continue
		}
		if err := c.dispatch(f); err != nil {
			c.replyError(f, err)
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case f := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(f); err != nil {
				c.s.log.Debug().Err(err).Str("participant_id", c.caller.ID).Msg("websocket write failed")
				c.conn.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

// enqueue blocks until the writer takes f or the connection is gone.
func (c *wsClient) enqueue(f outFrame) {
	select {
	case c.send <- f:
	case <-c.done:
	}
}

func (c *wsClient) forwardEvents(events chan manager.Event) {
	for ev := range events {
		c.enqueue(outFrame{Type: string(ev.Type), Payload: ev.Payload})
	}
}

func (c *wsClient) dispatch(f Frame) error {
	ctx := context.Background()
	switch f.Type {
	case FrameJoinChat:
		var p consultationRef
		if err := decodePayload(f, &p); err != nil {
			return err
		}
		return c.joinChat(ctx, f, p.ConsultationID)

	case FrameLeaveChat:
		var p consultationRef
		if err := decodePayload(f, &p); err != nil {
			return err
		}
		c.leaveChat(p.ConsultationID)
		c.enqueue(outFrame{Type: FrameAck, RequestID: f.RequestID, Payload: p})
		return nil

	case FrameSendMessage:
		var p sendMessagePayload
		if err := decodePayload(f, &p); err != nil {
			return err
		}
		msg, err := c.s.chat.Send(ctx, p.ConsultationID, c.caller.ID, p.Text)
		if err != nil {
			return err
		}
		c.enqueue(outFrame{Type: FrameAck, RequestID: f.RequestID, Payload: msg})
		return nil

	case FrameJoinSignaling:
		var p consultationRef
		if err := decodePayload(f, &p); err != nil {
			return err
		}
		st, err := c.s.signaling.Join(ctx, p.ConsultationID, c.caller.ID)
		if err != nil {
			return err
		}
		c.signals[p.ConsultationID] = st
		c.enqueue(outFrame{Type: FrameAck, RequestID: f.RequestID, Payload: p})
		go c.forwardSignals(st)
		return nil

	case FrameSignal:
		var env signaling.Envelope
		if err := decodePayload(f, &env); err != nil {
			return err
		}
		return c.s.signaling.Relay(ctx, c.caller.ID, env)

	case FrameEndCall:
		var p consultationRef
		if err := decodePayload(f, &p); err != nil {
			return err
		}
		if err := c.s.signaling.Hangup(p.ConsultationID, c.caller.ID); err != nil {
			return err
		}
		delete(c.signals, p.ConsultationID)
		c.enqueue(outFrame{Type: FrameAck, RequestID: f.RequestID, Payload: p})
		return nil
	}
	return fmt.Errorf("%w: unknown frame type %q", db.ErrInvalidInput, f.Type)
}

// joinChat replays history, marks its end, then forwards live messages.
// All three go through the same send queue, so the client sees them in
// that order. A rejoin stops the previous forwarder before the replay.
func (c *wsClient) joinChat(ctx context.Context, f Frame, consultationID string) error {
	c.leaveChat(consultationID)
	sub, err := c.s.chat.Join(ctx, consultationID, c.caller.ID)
	if err != nil {
		return err
	}
	fw := &chatForward{sub: sub, stop: make(chan struct{}), done: make(chan struct{})}
	c.chats[consultationID] = fw

	for _, msg := range sub.History {
		c.enqueue(outFrame{Type: FrameChatMessage, Payload: msg})
	}
	c.enqueue(outFrame{
		Type:      FrameChatHistoryEnd,
		RequestID: f.RequestID,
		Payload:   historyEnd{ConsultationID: consultationID, Count: len(sub.History)},
	})
	go c.forwardChat(fw)
	return nil
}

// leaveChat stops the forwarder of a consultation and waits for it, so
// nothing from the old subscription is queued afterwards.
func (c *wsClient) leaveChat(consultationID string) {
	fw, ok := c.chats[consultationID]
	if !ok {
		return
	}
	delete(c.chats, consultationID)
	close(fw.stop)
	c.s.chat.Leave(fw.sub)
	<-fw.done
}

func (c *wsClient) forwardChat(fw *chatForward) {
	defer close(fw.done)
	for {
		select {
		case <-fw.stop:
			return
		case msg, ok := <-fw.sub.C:
			if !ok {
				return
			}
			select {
			case c.send <- outFrame{Type: FrameChatMessage, Payload: msg}:
			case <-fw.stop:
				return
			case <-c.done:
				return
			}
		}
	}
}

func (c *wsClient) forwardSignals(st *signaling.Stream) {
	for env := range st.C {
		c.enqueue(outFrame{Type: FrameSignal, Payload: env})
	}
	if st.Reason() == signaling.ClosedEnded {
		c.enqueue(outFrame{Type: FrameCallEnded, Payload: consultationRef{ConsultationID: st.ConsultationID}})
	}
}

func (c *wsClient) replyError(f Frame, err error) {
	_, code := errorStatus(err)
	msg := err.Error()
	if code == "internal" {
		c.s.log.Error().Err(err).Str("frame", f.Type).Str("participant_id", c.caller.ID).Msg("frame failed")
		msg = "internal error"
	}
	var ref consultationRef
	_ = json.Unmarshal(f.Payload, &ref)
	c.enqueue(outFrame{
		Type:      FrameError,
		RequestID: f.RequestID,
		Payload:   errorPayload{Code: code, Message: msg, ConsultationID: ref.ConsultationID},
	})
}

func decodePayload(f Frame, v interface{}) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%w: %s requires a payload", db.ErrInvalidInput, f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: invalid %s payload", db.ErrInvalidInput, f.Type)
	}
	return nil
}
