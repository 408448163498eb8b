package types

import (
	"time"
)

type User struct {
	Id          int       `json:"identityId"`
	DisplayName string    `json:"displayName"`
	Online      bool      `json:"online,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// OnlineUser is one entry of the presence snapshot pushed to clients.
type OnlineUser struct {
	IdentityId  int    `json:"identityId"`
	DisplayName string `json:"displayName"`
}

type Room struct {
	Id             string    `json:"roomId"`
	IsGroup        bool      `json:"isGroup"`
	Name           string    `json:"name,omitempty"`
	Participants   []int     `json:"participants"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}

type Message struct {
	Id         int       `json:"id"`
	RoomId     string    `json:"roomId"`
	SenderId   int       `json:"senderId"`
	SenderName string    `json:"senderName,omitempty"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}
