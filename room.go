/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	errRoomNotFound  = errors.New("Room not found")
	errNotHost       = errors.New("Only host can trigger next round")
	errGameFinished  = errors.New("Game already finished")
	errAlreadyInRoom = errors.New("Already in a room")
)

// conn is the send side of one transport connection. Send must not block;
// it reports false when the connection cannot accept the message.
type conn interface {
	ID() string
	Send(msg any) bool
}

// Participant is a scoring occupant of a room. Every record is fully
// initialized on creation, including placeholders admitted through
// create-room, so the leaderboard never needs to special-case anyone.
type Participant struct {
	ConnID      string
	Nickname    string
	Score       int
	PendingSkip bool
}

// Room is one isolated game session. All fields are guarded by mu; lock
// order is always Registry.mu before Room.mu.
type Room struct {
	mu sync.Mutex

	id           string
	host         string // connection id, empty while no host is present
	participants []*Participant
	currentRound int // 0 = lobby, 1..len(rounds) = active round
	votes        map[string]string
	isGameOver   bool
	lastActivity time.Time

	conns map[string]conn // broadcast group, includes host and co-hosts
}

func newRoom(id string) *Room {
	return &Room{
		id:           id,
		votes:        make(map[string]string),
		lastActivity: time.Now(),
		conns:        make(map[string]conn),
	}
}

func (r *Room) broadcastLocked(msg any) {
	for id, c := range r.conns {
		if !c.Send(msg) {
			delete(r.conns, id)
		}
	}
}

func (r *Room) findParticipantLocked(connID string) *Participant {
	for _, p := range r.participants {
		if p.ConnID == connID {
			return p
		}
	}

	return nil
}

func (r *Room) occupancyLocked() int {
	n := len(r.participants)
	if r.host != "" {
		n++
	}

	return n
}

// leaderboardLocked ranks participants by descending score. The sort is
// stable, so equal scores keep their admission order.
func (r *Room) leaderboardLocked() []LeaderboardEntry {
	entries := make([]LeaderboardEntry, 0, len(r.participants))
	for _, p := range r.participants {
		entries = append(entries, LeaderboardEntry{
			ID:       p.ConnID,
			Nickname: p.Nickname,
			Score:    p.Score,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Score > entries[j].Score
	})

	return entries
}

// applySkipPenalties deducts one point from every participant flagged to
// sit out the round being started, clears the flag, and reports who was
// skipped. Penalty and flag reset happen in the same step as the round
// transition, so each penalty is observable exactly once.
func applySkipPenalties(participants []*Participant) []SkippedParticipant {
	skipped := []SkippedParticipant{}
	for _, p := range participants {
		if !p.PendingSkip {
			continue
		}

		p.Score--
		p.PendingSkip = false
		skipped = append(skipped, SkippedParticipant{
			ID:       p.ConnID,
			Nickname: p.Nickname,
		})
	}

	return skipped
}

// Registry owns every live room and the connection→room index that keeps a
// connection from occupying two rooms at once.
type Registry struct {
	mu sync.Mutex

	cfg    *Config
	rounds []Round
	rooms  map[string]*Room
	byConn map[string]*Room
}

func newRegistry(cfg *Config, rounds []Round) *Registry {
	return &Registry{
		cfg:    cfg,
		rounds: rounds,
		rooms:  make(map[string]*Room),
		byConn: make(map[string]*Room),
	}
}

// attachLocked binds a connection to a room, enforcing one room per
// connection. Callers hold reg.mu.
func (reg *Registry) attachLocked(c conn, room *Room) error {
	if existing, ok := reg.byConn[c.ID()]; ok && existing != room {
		return errAlreadyInRoom
	}

	reg.byConn[c.ID()] = room

	return nil
}

// createOrAttach handles create-room: it creates the room on first use and
// installs the caller as host or first participant, or attaches the caller
// to an existing room. An existing room keeps its incumbent host; a second
// host is admitted to the broadcast group without replacing it.
func (reg *Registry) createOrAttach(c conn, roomID string, asHost bool) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, exists := reg.rooms[roomID]
	if !exists {
		room = newRoom(roomID)
		reg.rooms[roomID] = room
	}

	if err := reg.attachLocked(c, room); err != nil {
		return err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	room.lastActivity = time.Now()
	room.conns[c.ID()] = c

	role := "participant"

	switch {
	case asHost && room.host == "":
		room.host = c.ID()
		role = "host"
		logf(reg.cfg, "ROOMS: %s became host of room %s", c.ID(), roomID)
	case asHost:
		// Co-host: joins the broadcast group but the incumbent keeps
		// round-advance rights.
		role = "host"
		logf(reg.cfg, "ROOMS: %s joined as secondary host in room %s", c.ID(), roomID)
	default:
		// Placeholder participant, counted and ranked as "Anonymous"
		// with score 0 unless a join-room follows on another connection.
		// Participants are unique per connection, so a repeated
		// create-room is a no-op here.
		if room.findParticipantLocked(c.ID()) == nil {
			room.participants = append(room.participants, &Participant{
				ConnID:   c.ID(),
				Nickname: "Anonymous",
			})
		}
		logf(reg.cfg, "ROOMS: %s joined room %s as participant", c.ID(), roomID)
	}

	c.Send(RoomJoinedMessage{
		Type:    messageRoomJoined,
		RoomID:  roomID,
		Role:    role,
		Success: true,
	})

	if !asHost && exists {
		room.broadcastLocked(ParticipantJoinedMessage{
			Type:              messageParticipantJoined,
			ParticipantID:     c.ID(),
			TotalParticipants: len(room.participants),
		})
	}

	return nil
}

// join handles join-room: it admits a fully-initialized participant into an
// existing room and announces the new occupancy to everyone in it.
func (reg *Registry) join(c conn, roomID, nickname string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.rooms[roomID]
	if !ok {
		return errRoomNotFound
	}

	if err := reg.attachLocked(c, room); err != nil {
		return err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if nickname == "" {
		nickname = "Anonymous"
	}

	// A connection never gets a second participant record; a repeated
	// join only refreshes the nickname.
	if p := room.findParticipantLocked(c.ID()); p != nil {
		p.Nickname = nickname
		room.lastActivity = time.Now()

		c.Send(RoomJoinedMessage{
			Type:    messageRoomJoined,
			RoomID:  roomID,
			Role:    "participant",
			Success: true,
		})

		return nil
	}

	room.participants = append(room.participants, &Participant{
		ConnID:   c.ID(),
		Nickname: nickname,
	})
	room.lastActivity = time.Now()
	room.conns[c.ID()] = c

	c.Send(RoomJoinedMessage{
		Type:    messageRoomJoined,
		RoomID:  roomID,
		Role:    "participant",
		Success: true,
	})

	room.broadcastLocked(ParticipantJoinedMessage{
		Type:              messageParticipantJoined,
		ParticipantID:     c.ID(),
		Nickname:          nickname,
		TotalParticipants: len(room.participants),
	})

	logf(reg.cfg, "ROOMS: %s (%s) joined room %s", c.ID(), nickname, roomID)

	return nil
}

// vote handles submit-vote while a round is active. The raw vote is
// recorded even when the voter has no participant record or the choice id
// is unknown; only resolved choices affect the score.
func (reg *Registry) vote(c conn, roomID, choiceID string) error {
	reg.mu.Lock()
	room, ok := reg.rooms[roomID]
	reg.mu.Unlock()

	if !ok {
		return errRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.currentRound < 1 || room.isGameOver {
		logf(reg.cfg, "ROOMS: Ignoring vote from %s in room %s, no active round", c.ID(), roomID)
		return nil
	}

	if p := room.findParticipantLocked(c.ID()); p != nil && room.currentRound <= len(reg.rounds) {
		if choice, ok := reg.rounds[room.currentRound-1].choice(choiceID); ok {
			p.Score += choice.Points
			logf(reg.cfg, "ROOMS: %s earned %d points (total: %d)", p.Nickname, choice.Points, p.Score)

			if choice.SkipNextRound {
				p.PendingSkip = true
				logf(reg.cfg, "ROOMS: %s will skip next round", p.Nickname)
			}
		}
	}

	room.votes[c.ID()] = choiceID
	room.lastActivity = time.Now()

	votes := make(map[string]string, len(room.votes))
	for id, v := range room.votes {
		votes[id] = v
	}

	room.broadcastLocked(VoteUpdateMessage{
		Type:  messageVoteUpdate,
		Votes: votes,
	})

	return nil
}

// nextRound handles the host-only round advance. Past the last round it
// finalizes the game and publishes the leaderboard; otherwise it starts the
// next round, applying skip penalties before the announcement so penalty
// and round number land in the same broadcast.
func (reg *Registry) nextRound(c conn, roomID string) error {
	reg.mu.Lock()
	room, ok := reg.rooms[roomID]
	reg.mu.Unlock()

	if !ok {
		return errRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.host != c.ID() {
		return errNotHost
	}

	if room.isGameOver {
		return errGameFinished
	}

	room.lastActivity = time.Now()

	if room.currentRound >= len(reg.rounds) {
		room.isGameOver = true
		room.votes = make(map[string]string)

		leaderboard := room.leaderboardLocked()
		room.broadcastLocked(GameFinishedMessage{
			Type:        messageGameFinished,
			RoomID:      roomID,
			Leaderboard: leaderboard,
		})

		logf(reg.cfg, "ROOMS: Game finished in room %s with %d ranked participants", roomID, len(leaderboard))

		return nil
	}

	room.currentRound++
	room.votes = make(map[string]string)

	skipped := applySkipPenalties(room.participants)

	room.broadcastLocked(RoundStartedMessage{
		Type:                messageRoundStarted,
		RoomID:              roomID,
		RoundNumber:         room.currentRound,
		SkippedParticipants: skipped,
	})

	logf(reg.cfg, "ROOMS: Host %s started round %d in room %s (%d skipped)", c.ID(), room.currentRound, roomID, len(skipped))

	return nil
}

// disconnect removes a connection from whatever room it occupies. A
// departing host takes the whole room with it; a departing participant
// only shrinks the occupancy.
func (reg *Registry) disconnect(c conn) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.byConn[c.ID()]
	if !ok {
		return
	}

	delete(reg.byConn, c.ID())

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.host == c.ID() {
		room.broadcastLocked(RoomClosedMessage{
			Type:   messageRoomClosed,
			RoomID: room.id,
		})

		for id := range room.conns {
			delete(reg.byConn, id)
			delete(room.conns, id)
		}

		delete(reg.rooms, room.id)
		logf(reg.cfg, "ROOMS: Host left room %s, room destroyed", room.id)

		return
	}

	delete(room.conns, c.ID())
	room.lastActivity = time.Now()

	dst := room.participants[:0]
	found := false
	for _, p := range room.participants {
		if p.ConnID == c.ID() {
			found = true
			continue
		}
		dst = append(dst, p)
	}
	room.participants = dst

	if found {
		room.broadcastLocked(ParticipantLeftMessage{
			Type:              messageParticipantLeft,
			ParticipantID:     c.ID(),
			TotalParticipants: len(room.participants),
		})

		logf(reg.cfg, "ROOMS: Participant %s left room %s", c.ID(), room.id)
	}
}

func (reg *Registry) lookup(roomID string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	return reg.rooms[roomID]
}

// remove deletes a room outright. Idempotent.
func (reg *Registry) remove(roomID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.rooms[roomID]
	if !ok {
		return
	}

	room.mu.Lock()
	for id := range room.conns {
		delete(reg.byConn, id)
		delete(room.conns, id)
	}
	room.mu.Unlock()

	delete(reg.rooms, roomID)
}

// sweepIdle reclaims rooms that have sat empty past the idle threshold.
// Occupancy is re-checked under the room's own lock immediately before
// deletion so an in-flight admission can never be swept away.
func (reg *Registry) sweepIdle(now time.Time, idleThreshold time.Duration) int {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	swept := 0

	for id, room := range reg.rooms {
		room.mu.Lock()
		idle := room.occupancyLocked() == 0 && now.Sub(room.lastActivity) > idleThreshold
		if idle {
			for connID := range room.conns {
				delete(reg.byConn, connID)
				delete(room.conns, connID)
			}
		}
		room.mu.Unlock()

		if idle {
			delete(reg.rooms, id)
			swept++
			logf(reg.cfg, "ROOMS: Room %s removed due to inactivity", id)
		}
	}

	return swept
}

// sweepLoop runs for the lifetime of the process.
func (reg *Registry) sweepLoop() {
	ticker := time.NewTicker(reg.cfg.sweepInterval)
	for range ticker.C {
		reg.sweepIdle(time.Now(), reg.cfg.roomTimeout)
	}
}
