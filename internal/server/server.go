package server

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/chatterd/chatterd/internal/database"
	"github.com/chatterd/chatterd/internal/stats"
	"github.com/chatterd/chatterd/internal/types"
)

const (
	StatActiveConnections = "ActiveConnections"
	StatOnlineUsers       = "OnlineUsers"
	StatLoadedRooms       = "LoadedRooms"
	StatMessagesRelayed   = "MessagesRelayed"
)

type stopReq struct {
	done chan struct{}
}

// ChatServer is the coordinator: the single serialization point for
// connection lifecycle, identity registration and presence. Its run loop
// owns the connection registry and the live room table; each live room
// serializes its own joins and relays on its own goroutine, so events
// for the same identity or the same room can never interleave while
// unrelated rooms proceed concurrently.
type ChatServer struct {
	log      *log.Logger
	db       database.ChatRepository
	stats    stats.StatsProvider
	registry *ConnectionRegistry

	clients     map[*Client]struct{}
	clientsLock sync.Mutex
	rooms       map[string]*Room

	AttachChan     chan *Client
	detachChan     chan *Client
	registerChan   chan *ClientEvent
	joinChan       chan *ClientEvent
	unloadRoomChan chan string
	stop           chan stopReq
	done           chan struct{}
}

func NewChatServer(logger *log.Logger, db database.ChatRepository, sp stats.StatsProvider) (*ChatServer, error) {
	cs := &ChatServer{
		log:            logger,
		db:             db,
		stats:          sp,
		registry:       NewConnectionRegistry(),
		clients:        make(map[*Client]struct{}),
		rooms:          make(map[string]*Room),
		AttachChan:     make(chan *Client),
		detachChan:     make(chan *Client),
		registerChan:   make(chan *ClientEvent, 256),
		joinChan:       make(chan *ClientEvent, 256),
		unloadRoomChan: make(chan string, 256),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
	}

	sp.RegisterMetric(StatActiveConnections)
	sp.RegisterMetric(StatOnlineUsers)
	sp.RegisterMetric(StatLoadedRooms)
	sp.RegisterMetric(StatMessagesRelayed)

	return cs, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case c := <-cs.AttachChan:
			cs.addClient(c)
			cs.stats.Incr(StatActiveConnections)
		case c := <-cs.detachChan:
			cs.handleDisconnect(c)
		case evt := <-cs.registerChan:
			cs.handleRegister(evt)
		case evt := <-cs.joinChan:
			cs.handleJoin(evt)
		case id := <-cs.unloadRoomChan:
			cs.unloadRoom(id)
		case req := <-cs.stop:
			cs.log.Println("shutting down rooms")
			for _, r := range cs.rooms {
				close(r.exit)
				<-r.done
			}

			close(req.done)
			close(cs.done)
			return
		}
	}
}

// handleRegister resolves or creates the identity named in the event,
// persists the connection handle, binds identity to connection and
// pushes a fresh presence snapshot to everyone. On any persistence
// failure the connection is left unregistered and only the caller is
// told.
func (cs *ChatServer) handleRegister(evt *ClientEvent) {
	c := evt.client

	displayName := strings.TrimSpace(evt.register.DisplayName)
	if displayName == "" {
		c.queueEvent(RegisterErrorEvent("display name is required"))
		return
	}

	acct, err := cs.db.GetAccountByDisplayName(displayName)
	if errors.Is(err, sql.ErrNoRows) {
		acct, err = cs.db.CreateAccount(displayName)
	}
	if err != nil {
		cs.log.Println("register:", err)
		c.queueEvent(RegisterErrorEvent("registration failed"))
		return
	}

	if err := cs.db.UpdateAccountConnection(acct.Id, c.session); err != nil {
		cs.log.Println("register: update connection:", err)
		c.queueEvent(RegisterErrorEvent("registration failed"))
		return
	}

	user := types.User{Id: acct.Id, DisplayName: acct.DisplayName}
	c.setUser(user)

	prev := cs.registry.Bind(user, c)
	if prev != nil && prev != c {
		cs.log.Printf("connection %q superseded by %q for %q", prev.session, c.session, user.DisplayName)
	}
	if prev == nil {
		cs.stats.Incr(StatOnlineUsers)
	}

	c.queueEvent(RegisteredEvent(user))
	cs.broadcastPresence()
}

// handleDisconnect unbinds the connection if it is still the bound
// handle for its identity. A connection already superseded by a later
// registration must not clear the identity's persisted handle.
func (cs *ChatServer) handleDisconnect(c *Client) {
	cs.removeClient(c)
	cs.stats.Decr(StatActiveConnections)

	user, ok := cs.registry.Unbind(c)
	if !ok {
		return
	}

	if err := cs.db.UpdateAccountConnection(user.Id, ""); err != nil {
		cs.log.Println("clear connection:", err)
	}

	cs.stats.Decr(StatOnlineUsers)
	cs.broadcastPresence()
}

// handleJoin routes a join to the live room, loading it from the store
// first if necessary.
func (cs *ChatServer) handleJoin(evt *ClientEvent) {
	if room, ok := cs.rooms[evt.join.RoomId]; ok {
		select {
		case room.joinChan <- evt:
		default:
			cs.log.Printf("join channel full on room %q", room.externalId)
			evt.client.queueEvent(ErrorEvent(EventJoinRoom, NewPersistenceError("room busy", nil)))
		}
		return
	}

	dbRoom, err := cs.db.GetRoomByExternalId(evt.join.RoomId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			evt.client.queueEvent(ErrorEvent(EventJoinRoom, NewNotFoundError("room not found")))
		} else {
			cs.log.Println("GetRoomByExternalId:", err)
			evt.client.queueEvent(ErrorEvent(EventJoinRoom, NewPersistenceError("load room", err)))
		}
		return
	}

	room := newRoom(cs, dbRoom)
	cs.rooms[room.externalId] = room
	cs.stats.Incr(StatLoadedRooms)

	room.joinChan <- evt

	go room.start()
}

// broadcastPresence recomputes the online snapshot and pushes it to
// every live connection. Full replace, not a delta.
func (cs *ChatServer) broadcastPresence() {
	evt := OnlineUsersEvent(cs.registry.Snapshot())

	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	for c := range cs.clients {
		c.queueEvent(evt)
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	cs.clients[c] = struct{}{}
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	delete(cs.clients, c)
}

func (cs *ChatServer) unloadRoom(roomId string) {
	r, ok := cs.rooms[roomId]
	if !ok {
		return
	}

	cs.log.Printf("unloading room %q", r.externalId)
	delete(cs.rooms, roomId)
	cs.stats.Decr(StatLoadedRooms)

	done := make(chan struct{})
	r.exit <- exitReq{done: done}
	<-done
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")

	cs.clientsLock.Lock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
