package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRoundTripsWireNames(t *testing.T) {
	events := []Event{
		TurnStart{TurnID: "t1"},
		TextDelta{Text: "hi"},
		ToolCall{ToolCallID: "tc1", ToolName: "Read", Args: json.RawMessage(`{"path":"/tmp/x"}`), ArgsText: `{"path":"/tmp/x"}`},
		ToolResult{ToolCallID: "tc1", Result: "contents"},
		SessionID{SessionID: "abc"},
		TurnEnd{Status: StatusComplete},
	}
	for _, ev := range events {
		data, err := json.Marshal(ev)
		require.NoError(t, err)
		got, err := Decode(string(ev.Type()), data)
		require.NoError(t, err)
		assert.Equal(t, ev.Type(), got.Type())
	}
}

func TestDecodeUnknown(t *testing.T) {
	_, err := Decode("nope", []byte(`{}`))
	assert.Error(t, err)
}

func TestParseContentString(t *testing.T) {
	parts, err := ParseContent(json.RawMessage(`"hi"`))
	require.NoError(t, err)
	assert.Equal(t, []ContentPart{TextPart("hi")}, parts)
}

func TestParseContentParts(t *testing.T) {
	raw := `[{"type":"text","text":"look"},{"type":"image","source":{"type":"base64","media_type":"image/png","data":"AAAA"}}]`
	parts, err := ParseContent(json.RawMessage(raw))
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, "image/png", parts[1].Source.MediaType)
	assert.Equal(t, "look", PlainText(parts))
}

func TestParseContentRejects(t *testing.T) {
	cases := []string{``, `null`, `"   "`, `[]`, `[{"type":"video"}]`, `[{"type":"image"}]`, `{}`}
	for _, c := range cases {
		_, err := ParseContent(json.RawMessage(c))
		assert.Error(t, err, "input %q", c)
	}
}

func TestTurnStatusSealed(t *testing.T) {
	assert.False(t, StatusPending.Sealed())
	assert.False(t, StatusRunning.Sealed())
	assert.True(t, StatusComplete.Sealed())
	assert.True(t, StatusErrored.Sealed())
	assert.True(t, StatusInterrupted.Sealed())
}
