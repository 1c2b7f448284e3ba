package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forPelevin/subsync/internal/media"
	"github.com/forPelevin/subsync/internal/player"
	"github.com/forPelevin/subsync/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4 << 10
)

// Message types exchanged on /ws/player.
const (
	MsgClock  = "clock"
	MsgSource = "source"
	MsgReload = "reload"
	MsgView   = "view"
	MsgError  = "error"
)

// ClientMessage is sent by the browser. Clock reports carry the audio
// element's currentTime in seconds and whether it is playing.
type ClientMessage struct {
	Type     string  `json:"type"`
	Position float64 `json:"position,omitempty"`
	Playing  bool    `json:"playing,omitempty"`
	Source   string  `json:"source,omitempty"`
}

type ServerMessage struct {
	Type  string      `json:"type"`
	View  *types.View `json:"view,omitempty"`
	Error string      `json:"error,omitempty"`
}

// handleWS bridges one browser audio element to a player session.
//
// @Summary     Player websocket
// @Description Upgrades to a websocket. The client sends {"type":"clock","position":s,"playing":b}
// @Description on every timeupdate/play/pause/seek, {"type":"source","source":url} when the audio
// @Description changes and {"type":"reload"} to retry. The server pushes {"type":"view","view":{...}}.
// @Tags        player
// @Param       source  query  string  false  "Initial audio source"
// @Success     101  {string}  string  "Switching Protocols"
// @Router      /ws/player [get]
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	id, p, remote := s.Open()
	defer s.Close(id)

	updates, unsubscribe := p.Subscribe()
	errs := make(chan string, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop(conn, p, updates, errs)
	}()

	if src := r.URL.Query().Get("source"); src != "" {
		p.SetSource(src)
	}
	s.readLoop(conn, id, p, remote, errs)

	unsubscribe()
	<-done
}

func (s *Server) readLoop(conn *websocket.Conn, id string, p *player.Player, remote *media.Remote, errs chan<- string) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("websocket read failed", "id", id, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			report(errs, "invalid message: "+err.Error())
			continue
		}
		switch msg.Type {
		case MsgClock:
			// The clock counts as mounted from its first report on.
			first := !remote.Reported()
			remote.Update(msg.Position, msg.Playing)
			if first {
				s.log.Debug("player clock reported", "id", id, "position", msg.Position)
				p.Mount(remote)
			}
		case MsgSource:
			p.SetSource(msg.Source)
		case MsgReload:
			p.Reload()
		default:
			report(errs, "unknown message type: "+msg.Type)
		}
	}
}

// writeLoop is the only writer on conn. It pushes a View after every change
// signal, skipping views identical to the last one sent.
func (s *Server) writeLoop(conn *websocket.Conn, p *player.Player, updates <-chan struct{}, errs <-chan string) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	var last []byte
	sendView := func() bool {
		v := p.View()
		b, err := json.Marshal(ServerMessage{Type: MsgView, View: &v})
		if err != nil {
			s.log.Error("encode view", "error", err)
			return true
		}
		if string(b) == string(last) {
			return true
		}
		last = b
		return s.write(conn, websocket.TextMessage, b)
	}

	if !sendView() {
		return
	}
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if !sendView() {
				return
			}
		case msg := <-errs:
			b, _ := json.Marshal(ServerMessage{Type: MsgError, Error: msg})
			if !s.write(conn, websocket.TextMessage, b) {
				return
			}
		case <-ping.C:
			if !s.write(conn, websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, kind int, b []byte) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(kind, b); err != nil {
		s.log.Debug("websocket write failed", "error", err)
		// Unblocks the reader.
		_ = conn.Close()
		return false
	}
	return true
}

func report(errs chan<- string, msg string) {
	select {
	case errs <- msg:
	default:
	}
}
