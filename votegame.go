// Votebox decision game
//
// One host display and many participants progress through a fixed deck of
// decision rounds. Participants vote on the current round's choices from
// their phones; choices carry point deltas and may force the voter to sit
// out the following round at a one point penalty. After the last round the
// host reveals a ranked leaderboard.
//
// Features:
// - Single websocket endpoint at /ws; events carry the room id
// - Rooms are created on first create-room (or join-room) for an id
// - First host connection anchors the room; losing it closes the room
// - Additional host displays are admitted without stealing control
// - Participants identified by per-connection crypto/rand ids
// - Votes broadcast live to the whole room as they land
// - Skip penalties applied atomically with the round-start broadcast
// - Empty rooms reaped after a configurable idle timeout
// - In-browser QR code for the participant join URL, backed by go-qrcode
// - Round deck swappable at startup via --rounds <file.json>

package main

import (
	"crypto/rand"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

const (
	messageCreateRoom = "create-room"
	messageJoinRoom   = "join-room"
	messageSubmitVote = "submit-vote"
	messageNextRound  = "next-round"

	messageRoomJoined        = "room-joined"
	messageRoomNotFound      = "room-not-found"
	messageParticipantJoined = "participant-joined"
	messageParticipantLeft   = "participant-left"
	messageVoteUpdate        = "vote-update"
	messageRoundStarted      = "round-started"
	messageGameFinished      = "game-finished"
	messageRoomClosed        = "room-closed"
	messageError             = "error"
)

// Messages coming from clients
type ClientMessage struct {
	Type     string `json:"type"`               // "create-room", "join-room", "submit-vote", "next-round"
	RoomID   string `json:"roomId,omitempty"`   // all
	IsHost   bool   `json:"isHost,omitempty"`   // create-room
	Nickname string `json:"nickname,omitempty"` // join-room
	ChoiceID string `json:"choiceId,omitempty"` // submit-vote
}

// RoomJoinedMessage confirms admission and the assigned role.
type RoomJoinedMessage struct {
	Type    string `json:"type"` // "room-joined"
	RoomID  string `json:"roomId"`
	Role    string `json:"role"` // "host" or "participant"
	Success bool   `json:"success"`
}

// RoomNotFoundMessage is sent only to a joining connection that named an
// unknown room.
type RoomNotFoundMessage struct {
	Type   string `json:"type"` // "room-not-found"
	RoomID string `json:"roomId"`
}

type ParticipantJoinedMessage struct {
	Type              string `json:"type"` // "participant-joined"
	ParticipantID     string `json:"participantId"`
	Nickname          string `json:"nickname,omitempty"`
	TotalParticipants int    `json:"totalParticipants"`
}

type ParticipantLeftMessage struct {
	Type              string `json:"type"` // "participant-left"
	ParticipantID     string `json:"participantId"`
	TotalParticipants int    `json:"totalParticipants"`
}

// VoteUpdateMessage carries the full vote mapping for the active round.
type VoteUpdateMessage struct {
	Type  string            `json:"type"` // "vote-update"
	Votes map[string]string `json:"votes"`
}

type SkippedParticipant struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
}

type RoundStartedMessage struct {
	Type                string               `json:"type"` // "round-started"
	RoomID              string               `json:"roomId"`
	RoundNumber         int                  `json:"roundNumber"`
	SkippedParticipants []SkippedParticipant `json:"skippedParticipants"`
}

type LeaderboardEntry struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	Score    int    `json:"score"`
}

// GameFinishedMessage carries the final ranking, scores non-increasing.
type GameFinishedMessage struct {
	Type        string             `json:"type"` // "game-finished"
	RoomID      string             `json:"roomId"`
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
}

type RoomClosedMessage struct {
	Type   string `json:"type"` // "room-closed"
	RoomID string `json:"roomId"`
}

type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

type Client struct {
	conn   *websocket.Conn
	send   chan any
	connID string
}

func (c *Client) ID() string {
	return c.connID
}

// Send enqueues without blocking; a full buffer drops the message and
// reports the connection as saturated.
func (c *Client) Send(msg any) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) readPump(cfg *Config, reg *Registry) {
	defer func() {
		reg.disconnect(c)
		close(c.send)
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		c.dispatch(cfg, reg, msg)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (c *Client) dispatch(cfg *Config, reg *Registry, msg ClientMessage) {
	switch msg.Type {
	case messageCreateRoom:
		if msg.RoomID == "" {
			c.Send(ErrorMessage{Type: messageError, Message: "Room ID is required"})
			return
		}

		if err := reg.createOrAttach(c, msg.RoomID, msg.IsHost); err != nil {
			c.Send(ErrorMessage{Type: messageError, Message: err.Error()})
		}

	case messageJoinRoom:
		if msg.RoomID == "" {
			c.Send(ErrorMessage{Type: messageError, Message: "Room ID is required"})
			return
		}

		err := reg.join(c, msg.RoomID, msg.Nickname)
		switch {
		case errors.Is(err, errRoomNotFound):
			c.Send(RoomNotFoundMessage{Type: messageRoomNotFound, RoomID: msg.RoomID})
			logf(cfg, "ROOMS: %s tried to join non-existent room %s", c.connID, msg.RoomID)
		case err != nil:
			c.Send(ErrorMessage{Type: messageError, Message: err.Error()})
		}

	case messageSubmitVote:
		if err := reg.vote(c, msg.RoomID, msg.ChoiceID); err != nil {
			c.Send(ErrorMessage{Type: messageError, Message: err.Error()})
		}

	case messageNextRound:
		if err := reg.nextRound(c, msg.RoomID); err != nil {
			c.Send(ErrorMessage{Type: messageError, Message: err.Error()})
		}

	default:
		// ignore unknown types
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// newConnID generates the stable per-connection identifier. Ids are never
// reused; a dropped connection rejoins as a new participant.
func newConnID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.Println("rand.Read error:", err)
		return ""
	}

	return hex.EncodeToString(buf)
}

func serveWS(cfg *Config, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		connID := newConnID()
		if connID == "" {
			http.Error(w, "unable to assign connection id", http.StatusInternalServerError)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn:   conn,
			send:   make(chan any, 8),
			connID: connID,
		}

		go client.writePump()
		client.readPump(cfg, reg)
	}
}

// newRoomID generates a crypto-random room ID and ensures it doesn't
// collide with an existing room.
func newRoomID(reg *Registry) string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		if reg.lookup(id) == nil {
			return id
		}
	}
}

// QR handler: generates a PNG QR code for the participant join URL using
// go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomID := ps.ByName("roomid")
	if roomID == "" {
		http.Error(w, "missing room id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:roomid/qr; strip trailing "/qr" to get the room URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path + "#join"

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// serveRoundCatalog exposes the immutable deck so the embedded client can
// render questions and choices without shipping its own copy.
func serveRoundCatalog(cfg *Config, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		data, err := json.Marshal(reg.rounds)
		if err != nil {
			http.Error(w, "catalog marshal failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		securityHeaders(cfg, w)

		_, _ = w.Write(data)
	}
}

// ---- Static file paths ----

//go:embed votegame/index.html
var indexHTML []byte

//go:embed votegame/app.css
var voteboxCSS []byte

//go:embed votegame/app.js
var voteboxJS []byte

func getIndexHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(indexHTML)
	}
}

func getCssHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(voteboxCSS)
	}
}

func getJsHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(voteboxJS)
	}
}

// redirectNewRoom handles GET /path by generating a new random room ID
// (with server-side collision detection) and redirecting to /path/:roomid.
// The room itself is only created once the host's create-room arrives.
func redirectNewRoom(cfg *Config, path string, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		roomID := newRoomID(reg)
		logf(cfg, "ROOMS: Reserved room id %s/%s", path, roomID)
		http.Redirect(w, r, path+"/"+roomID, http.StatusTemporaryRedirect)
	}
}

// registerVoteGame sets up routes so that:
//   - /ws                    → shared websocket session transport
//   - $path                  → redirects to a fresh random room id
//   - $path/:roomid          → HTML client (host or participant view)
//   - $path/:roomid/qr       → PNG QR code for the participant join URL
//   - /rounds                → JSON round catalog
func registerVoteGame(cfg *Config, path string, mux *httprouter.Router, reg *Registry) {
	// Shared websocket transport; events address rooms by id
	mux.GET(cfg.prefix+"/ws", serveWS(cfg, reg))

	// Root path → redirect to a fresh room
	mux.GET(cfg.prefix+path, redirectNewRoom(cfg, path, reg))

	// Per-room client view (HTML)
	mux.GET(cfg.prefix+path+"/:roomid", getIndexHandler(cfg))

	// Shared assets (no roomid in route)
	mux.GET(cfg.prefix+"/assets/vote/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/vote/app.js", getJsHandler(cfg))

	// Per-room QR code
	mux.GET(cfg.prefix+path+"/:roomid/qr", qrHandler)

	// Round catalog
	mux.GET(cfg.prefix+"/rounds", serveRoundCatalog(cfg, reg))
}
