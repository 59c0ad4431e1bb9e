package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestID_UnmarshalAcceptsStringsAndNumbers(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ID
		wantErr bool
	}{
		{name: "number", input: `{"project_id":456}`, want: "456"},
		{name: "string", input: `{"project_id":"456"}`, want: "456"},
		{name: "padded string", input: `{"project_id":" abc "}`, want: "abc"},
		{name: "null", input: `{"project_id":null}`, want: ""},
		{name: "float", input: `{"project_id":4.5}`, wantErr: true},
		{name: "object", input: `{"project_id":{}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var intent ProjectIntent
			err := json.Unmarshal([]byte(tt.input), &intent)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, intent.ProjectID)
		})
	}
}

func TestRoomID_Helpers(t *testing.T) {
	project := ProjectRoom("456")
	assert.Equal(t, RoomID("project:456"), project)
	assert.False(t, project.IsPersonal())
	assert.Equal(t, ID("456"), project.ProjectID())

	user := UserRoom("u1")
	assert.Equal(t, RoomID("user:u1"), user)
	assert.True(t, user.IsPersonal())
	assert.Equal(t, ID(""), user.ProjectID())
}

func TestParseRoomID(t *testing.T) {
	for _, ok := range []string{"project:1", "user:alice", "project:a-b_c"} {
		_, err := ParseRoomID(ok)
		assert.NoError(t, err, ok)
	}
	for _, bad := range []string{"", "project:", "team:1", "user:has space", "project:1/2"} {
		_, err := ParseRoomID(bad)
		assert.ErrorIs(t, err, ErrInvalidRoom, bad)
	}
}

func TestDomainEvent_Validate(t *testing.T) {
	valid := func() *DomainEvent {
		return &DomainEvent{
			Type:        EventTaskUpdated,
			TargetRooms: []RoomID{ProjectRoom("1")},
			Payload:     json.RawMessage(`{"task_id":1}`),
		}
	}

	require.NoError(t, valid().Validate())

	e := valid()
	e.Type = "session_ended"
	assert.ErrorIs(t, e.Validate(), ErrUnknownEventType)

	e = valid()
	e.TargetRooms = nil
	assert.ErrorIs(t, e.Validate(), ErrNoTargetRooms)

	e = valid()
	e.TargetRooms = []RoomID{"lobby"}
	assert.ErrorIs(t, e.Validate(), ErrInvalidRoom)

	e = valid()
	e.Payload = json.RawMessage(`[1,2]`)
	assert.ErrorIs(t, e.Validate(), ErrInvalidPayloadJSON)

	e = valid()
	e.Payload = json.RawMessage(`{"x":"` + strings.Repeat("a", MaxPayloadBytes) + `"}`)
	assert.ErrorIs(t, e.Validate(), ErrPayloadTooLarge)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindInvalidToken, KindOf(fmt.Errorf("%w: expired", ErrInvalidToken)))
	assert.Equal(t, KindUnauthorized, KindOf(fmt.Errorf("join: %w", ErrUnauthorized)))
	assert.Equal(t, KindMalformedIntent, KindOf(ErrInvalidRoom))
	assert.Equal(t, KindMalformedIntent, KindOf(fmt.Errorf("%w: missing task_id", ErrMalformedIntent)))
	assert.Equal(t, KindRateLimited, KindOf(ErrRateLimited))
	assert.Equal(t, KindDeliveryFailure, KindOf(ErrDeliveryFailure))
	assert.Equal(t, KindInternal, KindOf(fmt.Errorf("boom")))
}

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(EventUserPresence, UserRoom("u1"), UserPresencePayload{UserID: "u1", Online: true}, fixedTime)
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"user_presence","data":{"user_id":"u1","online":true},"room":"user:u1","timestamp":"2026-01-02T03:04:05Z"}`,
		string(raw))
}

var fixedTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
