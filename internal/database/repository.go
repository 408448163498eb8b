package database

import "time"

type ChatRepository interface {
	Ping() error
	GetAccountByDisplayName(displayName string) (Account, error)
	CreateAccount(displayName string) (Account, error)
	GetAccountById(accountId int) (Account, error)
	UpdateAccountConnection(accountId int, connectionId string) error
	ListAccounts() ([]Account, error)
	GetOneToOneRoom(a, b int) (Room, error)
	CreateRoom(params CreateRoomParams) (Room, error)
	GetRoomByExternalId(externalId string) (Room, error)
	ListRooms() ([]Room, error)
	AddParticipant(roomId, accountId int) error
	TouchRoomActivity(roomId int, at time.Time) error
	CreateMessage(msg Message) (Message, error)
	GetMessages(roomId int) ([]Message, error)
}
