package server

import (
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/chatterd/chatterd/internal/database"
	"github.com/chatterd/chatterd/internal/types"
)

const idleRoomTimeout = 30 * time.Second

type exitReq struct {
	done chan struct{}
}

// Room is the live counterpart of a persisted room: it serializes all
// joins, message relays and typing signals for one room on a single
// goroutine, which is what gives per-room delivery ordering.
type Room struct {
	id           int
	externalId   string
	isGroup      bool
	name         string
	participants []int
	lastActivity time.Time

	cs  *ChatServer
	log *log.Logger

	joinChan  chan *ClientEvent
	eventChan chan *ClientEvent
	leaveChan chan *Client

	clients    map[*Client]struct{}
	clientLock sync.RWMutex

	// killTimer unloads the room from memory when no connection is
	// subscribed for idleRoomTimeout
	killTimer *time.Timer
	exit      chan exitReq
	done      chan struct{}
}

func newRoom(cs *ChatServer, dbRoom database.Room) *Room {
	return &Room{
		id:           dbRoom.Id,
		externalId:   dbRoom.ExternalId,
		isGroup:      dbRoom.IsGroup,
		name:         dbRoom.GroupName.String,
		participants: slices.Clone(dbRoom.ParticipantIds),
		lastActivity: dbRoom.LastActivityAt,
		cs:           cs,
		log:          cs.log,
		joinChan:     make(chan *ClientEvent, 256),
		eventChan:    make(chan *ClientEvent, 256),
		leaveChan:    make(chan *Client, 256),
		clients:      make(map[*Client]struct{}),
		exit:         make(chan exitReq),
		done:         make(chan struct{}),
	}
}

func (r *Room) start() {
	r.log.Printf("starting room %q", r.externalId)
	r.killTimer = time.NewTimer(idleRoomTimeout)
	r.killTimer.Stop()

	defer close(r.done)

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case c := <-r.leaveChan:
			r.handleLeave(c)
		case evt := <-r.eventChan:
			switch evt.Event {
			case EventChatMessage:
				r.relayMessage(evt)
			case EventTyping:
				r.relayTyping(evt, true)
			case EventStopTyping:
				r.relayTyping(evt, false)
			}
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e, ok := <-r.exit:
			r.handleRoomExit()
			if ok && e.done != nil {
				e.done <- struct{}{}
			}
			return
		}
	}
}

func (r *Room) handleRoomTimeout() {
	r.log.Printf("room %q idle, requesting unload", r.externalId)
	select {
	case r.cs.unloadRoomChan <- r.externalId:
	default:
		// coordinator busy, try again next interval
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) handleRoomExit() {
	r.log.Printf("room %q is exiting", r.externalId)

	r.clientLock.Lock()
	for c := range r.clients {
		c.delRoom(r.externalId)
	}
	r.clientLock.Unlock()
}

// handleJoin subscribes the connection to this room. For a group room an
// identity not yet in the participant set is appended and persisted
// first; joining twice is a no-op on membership. Non-group rooms never
// mutate their participant set.
func (r *Room) handleJoin(evt *ClientEvent) {
	r.killTimer.Stop()

	c := evt.client
	p := evt.join

	if r.isGroup && !slices.Contains(r.participants, p.IdentityId) {
		if err := r.cs.db.AddParticipant(r.id, p.IdentityId); err != nil {
			r.log.Println("AddParticipant:", err)
			if r.clientCount() == 0 {
				r.killTimer.Reset(idleRoomTimeout)
			}
			c.queueEvent(ErrorEvent(EventJoinRoom, NewPersistenceError("join room", err)))
			return
		}
		r.participants = append(r.participants, p.IdentityId)
	}

	r.addClient(c)

	c.queueEvent(RoomJoinedEvent(
		r.externalId,
		fmt.Sprintf("joined room %s", r.externalId),
		r.roomInfo(),
	))
}

func (r *Room) handleLeave(c *Client) {
	r.removeClient(c)
}

// relayMessage persists the message and fans it out to every connection
// subscribed to this room, the sender included. A message that fails
// validation or persistence is reported to the sender only and never
// reaches the room.
func (r *Room) relayMessage(evt *ClientEvent) {
	c := evt.client
	p := evt.publish

	content := strings.TrimSpace(p.Content)
	if content == "" {
		c.queueEvent(ErrorEvent(EventChatMessage, NewValidationError("message content is empty")))
		return
	}

	ts := p.Timestamp
	if ts.IsZero() {
		ts = Now()
	}

	saved, err := r.cs.db.CreateMessage(database.Message{
		RoomId:    r.id,
		SenderId:  p.SenderId,
		Content:   content,
		CreatedAt: ts,
	})
	if err != nil {
		r.log.Println("CreateMessage:", err)
		c.queueEvent(ErrorEvent(EventChatMessage, NewPersistenceError("save message", err)))
		return
	}

	r.lastActivity = saved.CreatedAt
	if err := r.cs.db.TouchRoomActivity(r.id, saved.CreatedAt); err != nil {
		r.log.Println("TouchRoomActivity:", err)
	}

	senderName, ok := r.cs.registry.DisplayName(saved.SenderId)
	if !ok {
		if acct, err := r.cs.db.GetAccountById(saved.SenderId); err == nil {
			senderName = acct.DisplayName
		} else {
			r.log.Println("GetAccountById:", err)
		}
	}

	r.broadcast(ChatMessageEvent(types.Message{
		Id:         saved.Id,
		RoomId:     r.externalId,
		SenderId:   saved.SenderId,
		SenderName: senderName,
		Content:    saved.Content,
		Timestamp:  saved.CreatedAt,
	}))

	r.cs.stats.Incr(StatMessagesRelayed)
}

// relayTyping is a directed broadcast to every subscribed connection
// except the originating one. Nothing is persisted.
func (r *Room) relayTyping(evt *ClientEvent, typing bool) {
	if typing {
		r.broadcast(DisplayTypingEvent(r.externalId, evt.typing.DisplayName, evt.client))
		return
	}

	r.broadcast(HideTypingEvent(r.externalId, evt.client))
}

func (r *Room) roomInfo() *types.Room {
	return &types.Room{
		Id:             r.externalId,
		IsGroup:        r.isGroup,
		Name:           r.name,
		Participants:   slices.Clone(r.participants),
		LastActivityAt: r.lastActivity,
	}
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	c.addRoom(r)
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}

	delete(r.clients, c)
	c.delRoom(r.externalId)

	if len(r.clients) == 0 {
		r.log.Printf("no clients in %q, starting kill timer", r.externalId)
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) clientCount() int {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	return len(r.clients)
}

func (r *Room) broadcast(evt *ServerEvent) {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for client := range r.clients {
		if client == evt.SkipClient {
			continue
		}

		client.queueEvent(evt)
	}
}
