package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chatterd/chatterd/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1024
)

// Client is one live connection. The session id is the opaque connection
// handle persisted for a registered identity.
type Client struct {
	session    string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger

	userLock sync.RWMutex
	user     types.User

	send      chan *ServerEvent
	rooms     map[string]*Room
	roomsLock sync.RWMutex
	stop      chan struct{}
	stopOnce  sync.Once
}

func NewClient(conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	return &Client{
		session:    uuid.NewString(),
		conn:       conn,
		chatServer: cs,
		log:        l,
		send:       make(chan *ServerEvent, 256),
		rooms:      make(map[string]*Room),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Println("write exiting")
	}()

	for {
		select {
		case evt, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeEvent(evt)
			if err != nil {
				c.log.Println("failed to serialize event:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Println("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		evt, err := parseEvent(raw)
		if err != nil {
			c.log.Println("error parsing event:", err)
			c.queueEvent(ErrorEvent("", NewValidationError("invalid event format")))
			continue
		}

		evt.client = c
		c.dispatch(evt)
	}
}

// parseEvent decodes one inbound frame and its event-specific payload.
func parseEvent(raw []byte) (*ClientEvent, error) {
	var evt ClientEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, err
	}

	switch evt.Event {
	case EventRegister:
		evt.register = &RegisterPayload{}
		if err := json.Unmarshal(evt.Data, evt.register); err != nil {
			return nil, err
		}
	case EventJoinRoom:
		evt.join = &JoinRoomPayload{}
		if err := json.Unmarshal(evt.Data, evt.join); err != nil {
			return nil, err
		}
	case EventChatMessage:
		evt.publish = &ChatMessagePayload{}
		if err := json.Unmarshal(evt.Data, evt.publish); err != nil {
			return nil, err
		}
	case EventTyping, EventStopTyping:
		evt.typing = &TypingPayload{}
		if len(evt.Data) > 0 {
			if err := json.Unmarshal(evt.Data, evt.typing); err != nil {
				return nil, err
			}
		}
	}

	return &evt, nil
}

func (c *Client) dispatch(evt *ClientEvent) {
	switch evt.Event {
	case EventRegister:
		select {
		case c.chatServer.registerChan <- evt:
		default:
			c.log.Println("registerChan full")
			c.queueEvent(RegisterErrorEvent("server busy"))
		}
	case EventJoinRoom:
		select {
		case c.chatServer.joinChan <- evt:
		default:
			c.log.Println("joinChan full")
			c.queueEvent(ErrorEvent(EventJoinRoom, NewPersistenceError("server busy", nil)))
		}
	case EventChatMessage:
		r := c.getRoom(evt.publish.RoomId)
		if r == nil {
			c.queueEvent(ErrorEvent(EventChatMessage, NewNotFoundError("room not found")))
			return
		}

		select {
		case r.eventChan <- evt:
		default:
			c.log.Printf("eventChan full for room %q", r.externalId)
			c.queueEvent(ErrorEvent(EventChatMessage, NewPersistenceError("room busy", nil)))
		}
	case EventTyping, EventStopTyping:
		r := c.getRoom(evt.typing.RoomId)
		if r == nil {
			// typing for a room this connection is not subscribed to is
			// simply dropped
			return
		}

		select {
		case r.eventChan <- evt:
		default:
			c.log.Printf("eventChan full for room %q", r.externalId)
		}
	default:
		c.queueEvent(ErrorEvent(evt.Event, NewValidationError("unknown event")))
	}
}

func (c *Client) queueEvent(evt *ServerEvent) bool {
	select {
	case c.send <- evt:
	default:
		c.log.Println("failed to send event to client, channel is full")
		return false
	}

	return true
}

func serializeEvent(evt *ServerEvent) ([]byte, error) {
	return json.Marshal(evt)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) setUser(user types.User) {
	c.userLock.Lock()
	defer c.userLock.Unlock()
	c.user = user
}

func (c *Client) getUser() types.User {
	c.userLock.RLock()
	defer c.userLock.RUnlock()
	return c.user
}

// stopClient is safe to call from both the read pump's cleanup and the
// coordinator's shutdown path.
func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	c.leaveAllRooms()
	c.chatServer.detachChan <- c
	c.stopClient()
}

func (c *Client) leaveAllRooms() {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	for _, room := range c.rooms {
		room.leaveChan <- c
	}
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, id)
}

func (c *Client) addRoom(r *Room) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	c.rooms[r.externalId] = r
}

func (c *Client) getRoom(id string) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	if room, ok := c.rooms[id]; ok {
		return room
	}

	return nil
}
