package database

import (
	"database/sql"
	"time"
)

type Account struct {
	Id           int
	DisplayName  string
	PasswordHash sql.NullString
	ConnectionId sql.NullString
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Room struct {
	Id             int
	ExternalId     string
	IsGroup        bool
	GroupName      sql.NullString
	ParticipantIds []int
	LastActivityAt time.Time
	CreatedAt      time.Time
}

type Message struct {
	Id         int
	RoomId     int
	SenderId   int
	SenderName string
	Content    string
	CreatedAt  time.Time
}

type CreateRoomParams struct {
	ExternalId     string
	IsGroup        bool
	GroupName      string
	ParticipantIds []int
}
