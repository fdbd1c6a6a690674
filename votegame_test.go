package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *Registry) {
	t.Helper()

	cfg := &Config{}
	reg := newRegistry(cfg, defaultRounds)

	mux := httprouter.New()
	registerVoteGame(cfg, "/vote", mux, reg)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv, reg
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))

	return msg
}

func TestWebsocketGameFlow(t *testing.T) {
	srv, _ := newTestServer(t)

	host := dialWS(t, srv)
	sendEvent(t, host, ClientMessage{Type: messageCreateRoom, RoomID: "e2e", IsHost: true})

	joined := readEvent(t, host)
	assert.Equal(t, messageRoomJoined, joined["type"])
	assert.Equal(t, "host", joined["role"])
	assert.Equal(t, true, joined["success"])

	participant := dialWS(t, srv)
	sendEvent(t, participant, ClientMessage{Type: messageJoinRoom, RoomID: "e2e", Nickname: "ada"})

	joined = readEvent(t, participant)
	assert.Equal(t, messageRoomJoined, joined["type"])
	assert.Equal(t, "participant", joined["role"])

	occupancy := readEvent(t, participant)
	assert.Equal(t, messageParticipantJoined, occupancy["type"])
	assert.Equal(t, "ada", occupancy["nickname"])
	assert.EqualValues(t, 1, occupancy["totalParticipants"])

	participantID, ok := occupancy["participantId"].(string)
	require.True(t, ok)

	occupancy = readEvent(t, host)
	assert.Equal(t, messageParticipantJoined, occupancy["type"])
	assert.Equal(t, participantID, occupancy["participantId"])

	sendEvent(t, host, ClientMessage{Type: messageNextRound, RoomID: "e2e"})

	started := readEvent(t, host)
	assert.Equal(t, messageRoundStarted, started["type"])
	assert.EqualValues(t, 1, started["roundNumber"])

	started = readEvent(t, participant)
	assert.Equal(t, messageRoundStarted, started["type"])
	assert.EqualValues(t, 1, started["roundNumber"])

	sendEvent(t, participant, ClientMessage{Type: messageSubmitVote, RoomID: "e2e", ChoiceID: "yes"})

	update := readEvent(t, participant)
	assert.Equal(t, messageVoteUpdate, update["type"])
	votes, ok := update["votes"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "yes", votes[participantID])

	update = readEvent(t, host)
	assert.Equal(t, messageVoteUpdate, update["type"])

	// Round 1 "yes" forces a skip, so the next round announces the penalty.
	sendEvent(t, host, ClientMessage{Type: messageNextRound, RoomID: "e2e"})

	started = readEvent(t, participant)
	assert.Equal(t, messageRoundStarted, started["type"])
	assert.EqualValues(t, 2, started["roundNumber"])

	skipped, ok := started["skippedParticipants"].([]any)
	require.True(t, ok)
	require.Len(t, skipped, 1)
	entry, ok := skipped[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ada", entry["nickname"])

	readEvent(t, host) // host sees the same round-started

	// Host walking away closes the room for everyone.
	require.NoError(t, host.Close())

	closed := readEvent(t, participant)
	assert.Equal(t, messageRoomClosed, closed["type"])
	assert.Equal(t, "e2e", closed["roomId"])
}

func TestWebsocketJoinUnknownRoom(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := dialWS(t, srv)
	sendEvent(t, conn, ClientMessage{Type: messageJoinRoom, RoomID: "missing", Nickname: "ada"})

	msg := readEvent(t, conn)
	assert.Equal(t, messageRoomNotFound, msg["type"])
	assert.Equal(t, "missing", msg["roomId"])
}

func TestWebsocketCreateRoomRequiresID(t *testing.T) {
	srv, _ := newTestServer(t)

	conn := dialWS(t, srv)
	sendEvent(t, conn, ClientMessage{Type: messageCreateRoom, IsHost: true})

	msg := readEvent(t, conn)
	assert.Equal(t, messageError, msg["type"])
	assert.Equal(t, "Room ID is required", msg["message"])
}

func TestWebsocketNextRoundRequiresHost(t *testing.T) {
	srv, _ := newTestServer(t)

	host := dialWS(t, srv)
	sendEvent(t, host, ClientMessage{Type: messageCreateRoom, RoomID: "e2e", IsHost: true})
	readEvent(t, host)

	participant := dialWS(t, srv)
	sendEvent(t, participant, ClientMessage{Type: messageJoinRoom, RoomID: "e2e", Nickname: "ada"})
	readEvent(t, participant) // room-joined
	readEvent(t, participant) // participant-joined

	sendEvent(t, participant, ClientMessage{Type: messageNextRound, RoomID: "e2e"})

	msg := readEvent(t, participant)
	assert.Equal(t, messageError, msg["type"])
	assert.Equal(t, "Only host can trigger next round", msg["message"])
}

func TestWebsocketUnknownEventIgnored(t *testing.T) {
	srv, reg := newTestServer(t)

	conn := dialWS(t, srv)
	sendEvent(t, conn, ClientMessage{Type: "emote", RoomID: "e2e"})
	sendEvent(t, conn, ClientMessage{Type: messageCreateRoom, RoomID: "e2e", IsHost: true})

	msg := readEvent(t, conn)
	assert.Equal(t, messageRoomJoined, msg["type"])
	assert.NotNil(t, reg.lookup("e2e"))
}

func TestQRCodeEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/vote/abc123/qr")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
}

func TestRoundCatalogEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/rounds")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rounds []Round
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rounds))
	assert.Len(t, rounds, len(defaultRounds))
}

func TestNewRoomRedirect(t *testing.T) {
	srv, _ := newTestServer(t)

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Get(srv.URL + "/vote")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)

	location := resp.Header.Get("Location")
	require.True(t, strings.HasPrefix(location, "/vote/"))
	assert.Len(t, strings.TrimPrefix(location, "/vote/"), 8)
}
