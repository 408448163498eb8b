package server

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/chatterd/chatterd/internal/database"
	"github.com/chatterd/chatterd/internal/stats"
	"github.com/chatterd/chatterd/internal/types"
)

// newTestRoom builds a room with its kill timer armed far in the future
// so handlers can be driven directly without running the room goroutine.
func newTestRoom(cs *ChatServer, dbRoom database.Room) *Room {
	r := newRoom(cs, dbRoom)
	r.killTimer = time.NewTimer(time.Hour)
	return r
}

func Test_roomHandleJoin(t *testing.T) {
	t.Run("group join appends and persists a new participant", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		r := newTestRoom(cs, database.Room{
			Id:             1,
			ExternalId:     "grp",
			IsGroup:        true,
			GroupName:      sql.NullString{String: "general", Valid: true},
			ParticipantIds: []int{1},
		})
		c := newTestClient(t, cs, "sess-1")

		db.On("AddParticipant", 1, 2).Return(nil).Once()

		r.handleJoin(&ClientEvent{
			Event:  EventJoinRoom,
			join:   &JoinRoomPayload{RoomId: "grp", IdentityId: 2, IsGroup: true},
			client: c,
		})

		assert.ElementsMatch(t, []int{1, 2}, r.participants, "expected identity appended to participant set")
		assert.Equal(t, 1, r.clientCount(), "expected connection subscribed")

		evt := recvEvent(t, c)
		assert.Equal(t, EventRoomJoined, evt.Event, "expected room:joined reply")
		data := evt.Data.(RoomJoinedData)
		assert.Equal(t, "grp", data.RoomId, "expected joined room id to match")
		assert.Equal(t, "general", data.Room.Name, "expected room name in reply")
	})

	t.Run("rejoining member does not persist again", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		r := newTestRoom(cs, database.Room{Id: 1, ExternalId: "grp", IsGroup: true, ParticipantIds: []int{1, 2}})
		c := newTestClient(t, cs, "sess-1")

		r.handleJoin(&ClientEvent{
			Event:  EventJoinRoom,
			join:   &JoinRoomPayload{RoomId: "grp", IdentityId: 2, IsGroup: true},
			client: c,
		})

		assert.ElementsMatch(t, []int{1, 2}, r.participants, "expected membership unchanged")
		db.AssertNotCalled(t, "AddParticipant", mock.Anything, mock.Anything)
	})

	t.Run("non-group join never mutates membership", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		r := newTestRoom(cs, database.Room{Id: 1, ExternalId: "dm", IsGroup: false, ParticipantIds: []int{1, 2}})
		c := newTestClient(t, cs, "sess-1")

		r.handleJoin(&ClientEvent{
			Event:  EventJoinRoom,
			join:   &JoinRoomPayload{RoomId: "dm", IdentityId: 3},
			client: c,
		})

		assert.ElementsMatch(t, []int{1, 2}, r.participants, "expected membership unchanged")
		assert.Equal(t, 1, r.clientCount(), "expected connection still subscribed")
		db.AssertNotCalled(t, "AddParticipant", mock.Anything, mock.Anything)
	})

	t.Run("membership persistence failure leaves caller unsubscribed", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		r := newTestRoom(cs, database.Room{Id: 1, ExternalId: "grp", IsGroup: true, ParticipantIds: []int{1}})
		c := newTestClient(t, cs, "sess-1")

		db.On("AddParticipant", 1, 2).Return(errors.New("store unreachable")).Once()

		r.handleJoin(&ClientEvent{
			Event:  EventJoinRoom,
			join:   &JoinRoomPayload{RoomId: "grp", IdentityId: 2, IsGroup: true},
			client: c,
		})

		assert.ElementsMatch(t, []int{1}, r.participants, "expected membership unchanged on failure")
		assert.Equal(t, 0, r.clientCount(), "expected connection not subscribed")

		evt := recvEvent(t, c)
		assert.Equal(t, EventError, evt.Event, "expected error reply to the caller")
	})
}

func Test_relayMessage(t *testing.T) {
	t.Run("persists then fans out to every subscriber including sender", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		r := newTestRoom(cs, database.Room{Id: 1, ExternalId: "dm", ParticipantIds: []int{1, 2}})
		sender := newTestClient(t, cs, "sess-1")
		other := newTestClient(t, cs, "sess-2")
		r.addClient(sender)
		r.addClient(other)
		cs.registry.Bind(types.User{Id: 1, DisplayName: "alice"}, sender)

		ts := Now()
		db.On("CreateMessage", database.Message{RoomId: 1, SenderId: 1, Content: "hello", CreatedAt: ts}).
			Return(database.Message{Id: 9, RoomId: 1, SenderId: 1, Content: "hello", CreatedAt: ts}, nil).Once()
		db.On("TouchRoomActivity", 1, ts).Return(nil).Once()
		su.On("Incr", StatMessagesRelayed).Return().Once()

		r.relayMessage(&ClientEvent{
			Event:   EventChatMessage,
			publish: &ChatMessagePayload{RoomId: "dm", SenderId: 1, Content: "hello", Timestamp: ts},
			client:  sender,
		})

		for _, c := range []*Client{sender, other} {
			evt := recvEvent(t, c)
			assert.Equal(t, EventChatMessage, evt.Event, "expected message delivered to every subscriber")
			assert.Equal(t, types.Message{
				Id:         9,
				RoomId:     "dm",
				SenderId:   1,
				SenderName: "alice",
				Content:    "hello",
				Timestamp:  ts,
			}, evt.Data, "expected persisted message on the wire")
		}

		assert.Equal(t, ts, r.lastActivity, "expected room activity advanced")
	})

	t.Run("delivers messages in relay order", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		r := newTestRoom(cs, database.Room{Id: 1, ExternalId: "dm"})
		sender := newTestClient(t, cs, "sess-1")
		r.addClient(sender)
		cs.registry.Bind(types.User{Id: 1, DisplayName: "alice"}, sender)

		ts := Now()
		for i, content := range []string{"first", "second"} {
			msg := database.Message{RoomId: 1, SenderId: 1, Content: content, CreatedAt: ts}
			db.On("CreateMessage", msg).Return(database.Message{
				Id: i + 1, RoomId: 1, SenderId: 1, Content: content, CreatedAt: ts,
			}, nil).Once()
		}
		db.On("TouchRoomActivity", 1, ts).Return(nil).Twice()
		su.On("Incr", StatMessagesRelayed).Return().Twice()

		for _, content := range []string{"first", "second"} {
			r.relayMessage(&ClientEvent{
				Event:   EventChatMessage,
				publish: &ChatMessagePayload{RoomId: "dm", SenderId: 1, Content: content, Timestamp: ts},
				client:  sender,
			})
		}

		first := recvEvent(t, sender)
		second := recvEvent(t, sender)
		assert.Equal(t, "first", first.Data.(types.Message).Content, "expected first relayed message delivered first")
		assert.Equal(t, "second", second.Data.(types.Message).Content, "expected second relayed message delivered second")
	})

	t.Run("empty content is rejected to sender only", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		r := newTestRoom(cs, database.Room{Id: 1, ExternalId: "dm"})
		sender := newTestClient(t, cs, "sess-1")
		other := newTestClient(t, cs, "sess-2")
		r.addClient(sender)
		r.addClient(other)

		r.relayMessage(&ClientEvent{
			Event:   EventChatMessage,
			publish: &ChatMessagePayload{RoomId: "dm", SenderId: 1, Content: "   "},
			client:  sender,
		})

		evt := recvEvent(t, sender)
		assert.Equal(t, EventError, evt.Event, "expected validation error to sender")
		assert.Len(t, other.send, 0, "expected nothing delivered to other subscribers")
		db.AssertNotCalled(t, "CreateMessage", mock.Anything)
	})

	t.Run("persistence failure suppresses fanout", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		r := newTestRoom(cs, database.Room{Id: 1, ExternalId: "dm"})
		sender := newTestClient(t, cs, "sess-1")
		other := newTestClient(t, cs, "sess-2")
		r.addClient(sender)
		r.addClient(other)

		db.On("CreateMessage", mock.AnythingOfType("database.Message")).
			Return(database.Message{}, errors.New("store unreachable")).Once()

		r.relayMessage(&ClientEvent{
			Event:   EventChatMessage,
			publish: &ChatMessagePayload{RoomId: "dm", SenderId: 1, Content: "hello"},
			client:  sender,
		})

		evt := recvEvent(t, sender)
		assert.Equal(t, EventError, evt.Event, "expected error reply to sender")
		assert.Len(t, other.send, 0, "expected no fanout on persistence failure")
		db.AssertNotCalled(t, "TouchRoomActivity", mock.Anything, mock.Anything)
	})

	t.Run("resolves sender name from store when not online", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su)
		r := newTestRoom(cs, database.Room{Id: 1, ExternalId: "dm"})
		sender := newTestClient(t, cs, "sess-1")
		r.addClient(sender)

		ts := Now()
		db.On("CreateMessage", database.Message{RoomId: 1, SenderId: 7, Content: "hi", CreatedAt: ts}).
			Return(database.Message{Id: 3, RoomId: 1, SenderId: 7, Content: "hi", CreatedAt: ts}, nil).Once()
		db.On("TouchRoomActivity", 1, ts).Return(nil).Once()
		db.On("GetAccountById", 7).Return(database.Account{Id: 7, DisplayName: "bob"}, nil).Once()
		su.On("Incr", StatMessagesRelayed).Return().Once()

		r.relayMessage(&ClientEvent{
			Event:   EventChatMessage,
			publish: &ChatMessagePayload{RoomId: "dm", SenderId: 7, Content: "hi", Timestamp: ts},
			client:  sender,
		})

		evt := recvEvent(t, sender)
		assert.Equal(t, "bob", evt.Data.(types.Message).SenderName, "expected sender name resolved from store")
	})
}

func Test_relayTyping(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, db, su)
	r := newTestRoom(cs, database.Room{Id: 1, ExternalId: "dm"})
	typer := newTestClient(t, cs, "sess-1")
	other := newTestClient(t, cs, "sess-2")
	r.addClient(typer)
	r.addClient(other)

	r.relayTyping(&ClientEvent{
		Event:  EventTyping,
		typing: &TypingPayload{RoomId: "dm", DisplayName: "alice"},
		client: typer,
	}, true)

	evt := recvEvent(t, other)
	assert.Equal(t, EventDisplayTyping, evt.Event, "expected typing indicator at other subscribers")
	assert.Equal(t, TypingData{RoomId: "dm", DisplayName: "alice"}, evt.Data, "expected typing payload")
	assert.Len(t, typer.send, 0, "expected typing indicator skipped for originator")

	r.relayTyping(&ClientEvent{
		Event:  EventStopTyping,
		typing: &TypingPayload{RoomId: "dm"},
		client: typer,
	}, false)

	evt = recvEvent(t, other)
	assert.Equal(t, EventHideTyping, evt.Event, "expected hide indicator at other subscribers")
	assert.Len(t, typer.send, 0, "expected hide indicator skipped for originator")
}

func Test_roomClientTracking(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, db, su)
	r := newTestRoom(cs, database.Room{Id: 1, ExternalId: "dm"})
	c := newTestClient(t, cs, "sess-1")

	r.addClient(c)
	assert.Equal(t, 1, r.clientCount(), "expected one subscriber")
	assert.Equal(t, r, c.getRoom("dm"), "expected room tracked on client")

	r.removeClient(c)
	assert.Equal(t, 0, r.clientCount(), "expected no subscribers")
	assert.Nil(t, c.getRoom("dm"), "expected room dropped from client")

	// removing an unknown client is a no-op
	r.removeClient(newTestClient(t, cs, "sess-2"))
	assert.Equal(t, 0, r.clientCount(), "expected count unchanged")
}

func Test_handleRoomExit(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, db, su)
	r := newTestRoom(cs, database.Room{Id: 1, ExternalId: "dm"})
	c1 := newTestClient(t, cs, "sess-1")
	c2 := newTestClient(t, cs, "sess-2")
	r.addClient(c1)
	r.addClient(c2)

	r.handleRoomExit()

	assert.Nil(t, c1.getRoom("dm"), "expected room dropped from first client")
	assert.Nil(t, c2.getRoom("dm"), "expected room dropped from second client")
}
