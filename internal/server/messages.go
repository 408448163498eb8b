package server

import (
	"encoding/json"
	"time"

	"github.com/chatterd/chatterd/internal/types"
)

// Inbound event names, the wire contract shared with clients.
const (
	EventRegister    = "register"
	EventJoinRoom    = "joinRoom"
	EventChatMessage = "chatMessage"
	EventTyping      = "typing"
	EventStopTyping  = "stopTyping"
)

// Outbound event names.
const (
	EventRegistered    = "registered"
	EventRegisterError = "register:error"
	EventOnlineUsers   = "onlineUsers"
	EventRoomJoined    = "room:joined"
	EventDisplayTyping = "displayTyping"
	EventHideTyping    = "hideTyping"
	EventError         = "error"
)

// ClientEvent is one inbound frame. Data is decoded into exactly one of
// the payload fields according to Event before the frame is dispatched.
type ClientEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`

	register *RegisterPayload
	join     *JoinRoomPayload
	publish  *ChatMessagePayload
	typing   *TypingPayload
	client   *Client
}

type RegisterPayload struct {
	DisplayName string `json:"displayName"`
}

type JoinRoomPayload struct {
	RoomId     string `json:"roomId"`
	IdentityId int    `json:"identityId"`
	IsGroup    bool   `json:"isGroup"`
}

type ChatMessagePayload struct {
	RoomId    string    `json:"roomId"`
	SenderId  int       `json:"senderId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

type TypingPayload struct {
	RoomId      string `json:"roomId"`
	DisplayName string `json:"displayName,omitempty"`
}

// ServerEvent is one outbound frame.
type ServerEvent struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	// SkipClient excludes one connection from a room broadcast.
	SkipClient *Client `json:"-"`
}

type RegisteredData struct {
	IdentityId  int    `json:"identityId"`
	DisplayName string `json:"displayName"`
}

type RoomJoinedData struct {
	RoomId  string      `json:"roomId"`
	Message string      `json:"message"`
	Room    *types.Room `json:"room,omitempty"`
}

type TypingData struct {
	RoomId      string `json:"roomId"`
	DisplayName string `json:"displayName,omitempty"`
}

type ErrorData struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}

func RegisteredEvent(user types.User) *ServerEvent {
	return &ServerEvent{
		Event:     EventRegistered,
		Timestamp: Now(),
		Data: RegisteredData{
			IdentityId:  user.Id,
			DisplayName: user.DisplayName,
		},
	}
}

func RegisterErrorEvent(message string) *ServerEvent {
	return &ServerEvent{
		Event:     EventRegisterError,
		Timestamp: Now(),
		Data:      ErrorData{Message: message},
	}
}

func OnlineUsersEvent(users []types.OnlineUser) *ServerEvent {
	return &ServerEvent{
		Event:     EventOnlineUsers,
		Timestamp: Now(),
		Data:      users,
	}
}

func RoomJoinedEvent(roomId, message string, room *types.Room) *ServerEvent {
	return &ServerEvent{
		Event:     EventRoomJoined,
		Timestamp: Now(),
		Data: RoomJoinedData{
			RoomId:  roomId,
			Message: message,
			Room:    room,
		},
	}
}

func ChatMessageEvent(msg types.Message) *ServerEvent {
	return &ServerEvent{
		Event:     EventChatMessage,
		Timestamp: msg.Timestamp,
		Data:      msg,
	}
}

func DisplayTypingEvent(roomId, displayName string, skip *Client) *ServerEvent {
	return &ServerEvent{
		Event:      EventDisplayTyping,
		Timestamp:  Now(),
		Data:       TypingData{RoomId: roomId, DisplayName: displayName},
		SkipClient: skip,
	}
}

func HideTypingEvent(roomId string, skip *Client) *ServerEvent {
	return &ServerEvent{
		Event:      EventHideTyping,
		Timestamp:  Now(),
		Data:       TypingData{RoomId: roomId},
		SkipClient: skip,
	}
}

// ErrorEvent reports a handler failure to the originating connection,
// tagged with the inbound event that caused it.
func ErrorEvent(event string, err error) *ServerEvent {
	return &ServerEvent{
		Event:     EventError,
		Timestamp: Now(),
		Data: ErrorData{
			Event:   event,
			Message: err.Error(),
		},
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
