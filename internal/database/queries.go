package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const roomColumns = "r.id, r.external_id, r.is_group, r.group_name, r.last_activity_at, r.created_at"

func (db *PgChatRepository) GetAccountByDisplayName(displayName string) (Account, error) {
	row := db.conn.QueryRow(
		"SELECT id, display_name, password_hash, connection_id, created_at, updated_at "+
			"FROM accounts WHERE display_name = $1 LIMIT 1",
		displayName,
	)

	return scanAccount(row)
}

func (db *PgChatRepository) CreateAccount(displayName string) (Account, error) {
	row := db.conn.QueryRow(
		"INSERT INTO accounts (display_name, created_at, updated_at) "+
			"VALUES ($1, $2, $2) RETURNING id, display_name, password_hash, connection_id, created_at, updated_at",
		displayName,
		time.Now().UTC(),
	)

	return scanAccount(row)
}

func (db *PgChatRepository) GetAccountById(accountId int) (Account, error) {
	row := db.conn.QueryRow(
		"SELECT id, display_name, password_hash, connection_id, created_at, updated_at "+
			"FROM accounts WHERE id = $1 LIMIT 1",
		accountId,
	)

	return scanAccount(row)
}

// UpdateAccountConnection stores the account's current connection handle.
// An empty connectionId clears the handle, marking the account offline.
func (db *PgChatRepository) UpdateAccountConnection(accountId int, connectionId string) error {
	_, err := db.conn.Exec(
		"UPDATE accounts SET connection_id = NULLIF($2, ''), updated_at = $3 WHERE id = $1",
		accountId,
		connectionId,
		time.Now().UTC(),
	)

	return err
}

func (db *PgChatRepository) ListAccounts() ([]Account, error) {
	rows, err := db.conn.Query(
		"SELECT id, display_name, password_hash, connection_id, created_at, updated_at " +
			"FROM accounts ORDER BY display_name",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.Id, &a.DisplayName, &a.PasswordHash, &a.ConnectionId, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}

	return accounts, rows.Err()
}

func (db *PgChatRepository) GetOneToOneRoom(a, b int) (Room, error) {
	row := db.conn.QueryRow(
		"SELECT "+roomColumns+", array_agg(p.account_id) "+
			"FROM rooms r JOIN room_participants p ON p.room_id = r.id "+
			"WHERE r.is_group = FALSE "+
			"GROUP BY r.id "+
			"HAVING COUNT(*) = 2 AND COUNT(*) FILTER (WHERE p.account_id IN ($1, $2)) = 2 "+
			"LIMIT 1",
		a, b,
	)

	return scanRoom(row)
}

func (db *PgChatRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Room{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(
		"INSERT INTO rooms (external_id, is_group, group_name, last_activity_at, created_at) "+
			"VALUES ($1, $2, NULLIF($3, ''), $4, $4) "+
			"RETURNING id, external_id, is_group, group_name, last_activity_at, created_at",
		params.ExternalId,
		params.IsGroup,
		params.GroupName,
		time.Now().UTC(),
	)

	var r Room
	if err := row.Scan(&r.Id, &r.ExternalId, &r.IsGroup, &r.GroupName, &r.LastActivityAt, &r.CreatedAt); err != nil {
		return Room{}, err
	}

	for _, accountId := range params.ParticipantIds {
		if _, err := tx.Exec(
			"INSERT INTO room_participants (room_id, account_id, created_at) VALUES ($1, $2, $3) "+
				"ON CONFLICT (room_id, account_id) DO NOTHING",
			r.Id,
			accountId,
			time.Now().UTC(),
		); err != nil {
			return Room{}, fmt.Errorf("add participant %d: %w", accountId, err)
		}
		r.ParticipantIds = append(r.ParticipantIds, accountId)
	}

	if err := tx.Commit(); err != nil {
		return Room{}, err
	}

	return r, nil
}

func (db *PgChatRepository) GetRoomByExternalId(externalId string) (Room, error) {
	row := db.conn.QueryRow(
		"SELECT "+roomColumns+", array_agg(p.account_id) "+
			"FROM rooms r JOIN room_participants p ON p.room_id = r.id "+
			"WHERE r.external_id = $1 "+
			"GROUP BY r.id",
		externalId,
	)

	return scanRoom(row)
}

func (db *PgChatRepository) ListRooms() ([]Room, error) {
	rows, err := db.conn.Query(
		"SELECT " + roomColumns + ", array_agg(p.account_id) " +
			"FROM rooms r JOIN room_participants p ON p.room_id = r.id " +
			"GROUP BY r.id " +
			"ORDER BY r.last_activity_at DESC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var r Room
		var participants pq.Int64Array
		if err := rows.Scan(&r.Id, &r.ExternalId, &r.IsGroup, &r.GroupName, &r.LastActivityAt, &r.CreatedAt, &participants); err != nil {
			return nil, err
		}
		for _, id := range participants {
			r.ParticipantIds = append(r.ParticipantIds, int(id))
		}
		rooms = append(rooms, r)
	}

	return rooms, rows.Err()
}

func (db *PgChatRepository) AddParticipant(roomId, accountId int) error {
	_, err := db.conn.Exec(
		"INSERT INTO room_participants (room_id, account_id, created_at) VALUES ($1, $2, $3) "+
			"ON CONFLICT (room_id, account_id) DO NOTHING",
		roomId,
		accountId,
		time.Now().UTC(),
	)

	return err
}

func (db *PgChatRepository) TouchRoomActivity(roomId int, at time.Time) error {
	_, err := db.conn.Exec(
		"UPDATE rooms SET last_activity_at = $2 WHERE id = $1",
		roomId,
		at,
	)

	return err
}

func (db *PgChatRepository) CreateMessage(msg Message) (Message, error) {
	row := db.conn.QueryRow(
		"INSERT INTO messages (room_id, sender_id, content, created_at) "+
			"VALUES ($1, $2, $3, $4) RETURNING id, room_id, sender_id, content, created_at",
		msg.RoomId,
		msg.SenderId,
		msg.Content,
		msg.CreatedAt,
	)

	var m Message
	err := row.Scan(&m.Id, &m.RoomId, &m.SenderId, &m.Content, &m.CreatedAt)

	return m, err
}

func (db *PgChatRepository) GetMessages(roomId int) ([]Message, error) {
	rows, err := db.conn.Query(
		"SELECT m.id, m.room_id, m.sender_id, a.display_name, m.content, m.created_at "+
			"FROM messages m JOIN accounts a ON a.id = m.sender_id "+
			"WHERE m.room_id = $1 "+
			"ORDER BY m.created_at ASC",
		roomId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Id, &m.RoomId, &m.SenderId, &m.SenderName, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func scanAccount(row *sql.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.Id, &a.DisplayName, &a.PasswordHash, &a.ConnectionId, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func scanRoom(row *sql.Row) (Room, error) {
	var r Room
	var participants pq.Int64Array
	if err := row.Scan(&r.Id, &r.ExternalId, &r.IsGroup, &r.GroupName, &r.LastActivityAt, &r.CreatedAt, &participants); err != nil {
		return Room{}, err
	}

	for _, id := range participants {
		r.ParticipantIds = append(r.ParticipantIds, int(id))
	}

	return r, nil
}
