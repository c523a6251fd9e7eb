package chat

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestMessage_DecodesServerFrame(t *testing.T) {
	frame := []byte(`{
		"id": "65f1c0ffee",
		"chat_id": 42,
		"sender_id": 7,
		"timestamp": "2024-03-01T10:15:00.123456Z",
		"text": "hi",
		"attachments": [],
		"sender": {"id": 7, "username": "ada", "avatar": null}
	}`)

	var m Message
	require.NoError(t, json.Unmarshal(frame, &m))
	require.Equal(t, ID("65f1c0ffee"), m.ID)
	require.Equal(t, ID("42"), m.ConversationID)
	require.Equal(t, ID("7"), m.AuthorID())
	require.Equal(t, "ada", m.AuthorName())
	require.Equal(t, 2024, m.CreatedAt.Year())
	require.NoError(t, m.Validate())
}

func TestID_RejectsNonIntegerNumbers(t *testing.T) {
	var id ID
	require.Error(t, json.Unmarshal([]byte(`1.5`), &id))
	require.NoError(t, json.Unmarshal([]byte(`null`), &id))
	require.True(t, id.IsZero())
}

func TestMessage_ValidateRequiresID(t *testing.T) {
	err := Message{Text: "no id"}.Validate()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrMalformedFrame))
}

func TestSendRejectedError_MatchesSentinel(t *testing.T) {
	err := errors.Wrap(&SendRejectedError{Reason: RejectNotConnected, State: StateConnecting}, "dispatch")
	require.True(t, errors.Is(err, ErrSendRejected))
	require.True(t, RejectedBecause(err, RejectNotConnected))
	require.False(t, RejectedBecause(err, RejectEmpty))
	require.Contains(t, err.Error(), "connecting")
}

func TestHTTPError_IsFetchFailure(t *testing.T) {
	var err error = &HTTPError{Method: "GET", URL: "/x", StatusCode: 503}
	require.True(t, errors.Is(err, ErrFetchFailure))
}

func TestConversation_Title(t *testing.T) {
	require.Equal(t, "chat 3", Conversation{ID: "3"}.Title())
	require.Equal(t, "team", Conversation{ID: "3", Name: "team"}.Title())
	require.Equal(t, "Dialog with bob", Conversation{ID: "3", Name: "team", DisplayName: "Dialog with bob"}.Title())
}
