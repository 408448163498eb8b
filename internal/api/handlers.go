package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/teris-io/shortid"

	"github.com/chatterd/chatterd/internal/database"
	"github.com/chatterd/chatterd/internal/server"
	"github.com/chatterd/chatterd/internal/types"
)

type CreateRoomRequest struct {
	Participants []int  `json:"participants" validate:"required,min=1,dive,gt=0"`
	IsGroup      bool   `json:"isGroup"`
	Name         string `json:"name" validate:"required_if=IsGroup true"`
}

type CreateRoomResponse struct {
	RoomId string `json:"roomId"`
}

func (s *ChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *ChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *ChatApp) listUsers(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.db.ListAccounts()
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	users := lo.Map(accounts, func(a database.Account, _ int) types.User {
		return types.User{
			Id:          a.Id,
			DisplayName: a.DisplayName,
			Online:      a.ConnectionId.Valid,
			CreatedAt:   a.CreatedAt,
			UpdatedAt:   a.UpdatedAt,
		}
	})

	s.writeJson(w, http.StatusOK, users)
}

// findExistingRoom looks up the non-group room whose participant set is
// exactly the two given identities.
func (s *ChatApp) findExistingRoom(w http.ResponseWriter, r *http.Request) {
	user1, err1 := strconv.Atoi(r.URL.Query().Get("user1"))
	user2, err2 := strconv.Atoi(r.URL.Query().Get("user2"))
	if err1 != nil || err2 != nil {
		errResp := NewBadRequestError("both user1 and user2 are required")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.db.GetOneToOneRoom(user1, user2)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError("no existing room found")
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, CreateRoomResponse{RoomId: room.ExternalId})
}

// createRoom always creates a new room; 1-1 idempotence is the caller's
// responsibility via findExistingRoom first.
func (s *ChatApp) createRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError("")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.validate.Struct(req); err != nil {
		errResp := NewBadRequestError(err.Error())
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	participants := lo.Uniq(req.Participants)
	if !req.IsGroup && len(participants) != 2 {
		errResp := NewBadRequestError("a one-to-one room requires exactly two distinct participants")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	externalId, err := shortid.Generate()
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	groupName := ""
	if req.IsGroup {
		groupName = req.Name
	}

	room, err := s.db.CreateRoom(database.CreateRoomParams{
		ExternalId:     externalId,
		IsGroup:        req.IsGroup,
		GroupName:      groupName,
		ParticipantIds: participants,
	})
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, CreateRoomResponse{RoomId: room.ExternalId})
}

func (s *ChatApp) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.db.ListRooms()
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, lo.Map(rooms, func(r database.Room, _ int) types.Room {
		return toWireRoom(r)
	}))
}

func (s *ChatApp) getRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.db.GetRoomByExternalId(r.PathValue("roomId"))
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError("room not found")
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, toWireRoom(room))
}

// getMessages returns the room's history ascending by timestamp, sender
// names included.
func (s *ChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	room, err := s.db.GetRoomByExternalId(r.PathValue("roomId"))
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError("room not found")
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	messages, err := s.db.GetMessages(room.Id)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, lo.Map(messages, func(m database.Message, _ int) types.Message {
		return types.Message{
			Id:         m.Id,
			RoomId:     room.ExternalId,
			SenderId:   m.SenderId,
			SenderName: m.SenderName,
			Content:    m.Content,
			Timestamp:  m.CreatedAt,
		}
	}))
}

func (s *ChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, "*") || slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(conn, s.cs, s.log)
	s.cs.AttachChan <- client

	go client.Write()
	go client.Read()
}

func toWireRoom(r database.Room) types.Room {
	return types.Room{
		Id:             r.ExternalId,
		IsGroup:        r.IsGroup,
		Name:           r.GroupName.String,
		Participants:   r.ParticipantIds,
		LastActivityAt: r.LastActivityAt,
		CreatedAt:      r.CreatedAt,
	}
}
