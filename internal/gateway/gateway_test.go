package gateway

import (
	"context"
	"encoding/json"
	"testing"
)

func TestParseDispatchMemberAdd(t *testing.T) {
	data := json.RawMessage(`{
		"guild_id": "148831815984087041",
		"user": {"id": "100", "username": "newcomer"}
	}`)

	event, ok, err := parseDispatch("GUILD_MEMBER_ADD", data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected a member-join event")
	}
	if event.Type != EventMemberJoin {
		t.Fatalf("unexpected event type: %v", event.Type)
	}
	if event.Join.Server != 148831815984087041 || event.Join.Member != 100 {
		t.Fatalf("unexpected join event: %+v", event.Join)
	}
	if event.Join.Username != "newcomer" {
		t.Fatalf("unexpected username: %q", event.Join.Username)
	}
}

func TestParseDispatchMessageCreate(t *testing.T) {
	data := json.RawMessage(`{
		"guild_id": "148831815984087041",
		"channel_id": "555",
		"author": {"id": "10", "username": "asker"},
		"content": "!invited"
	}`)

	event, ok, err := parseDispatch("MESSAGE_CREATE", data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected a message event")
	}
	if event.Type != EventMessage {
		t.Fatalf("unexpected event type: %v", event.Type)
	}
	msg := event.Message
	if msg.Server != 148831815984087041 || msg.Channel != 555 || msg.Author != 10 {
		t.Fatalf("unexpected message event: %+v", msg)
	}
	if msg.Content != "!invited" {
		t.Fatalf("unexpected content: %q", msg.Content)
	}
}

func TestParseDispatchSkipsBotMessages(t *testing.T) {
	data := json.RawMessage(`{
		"guild_id": "148831815984087041",
		"channel_id": "555",
		"author": {"id": "10", "username": "bot", "bot": true},
		"content": "!invited"
	}`)

	_, ok, err := parseDispatch("MESSAGE_CREATE", data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if ok {
		t.Fatalf("bot messages must be dropped")
	}
}

func TestParseDispatchSkipsDirectMessages(t *testing.T) {
	data := json.RawMessage(`{
		"channel_id": "555",
		"author": {"id": "10", "username": "dm"},
		"content": "!invited"
	}`)

	_, ok, err := parseDispatch("MESSAGE_CREATE", data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if ok {
		t.Fatalf("messages without a guild must be dropped")
	}
}

func TestParseDispatchIgnoresUnknownEvents(t *testing.T) {
	_, ok, err := parseDispatch("PRESENCE_UPDATE", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unknown events must not error: %v", err)
	}
	if ok {
		t.Fatalf("unknown events must be dropped")
	}
}

func TestParseDispatchRejectsMalformedSnowflakes(t *testing.T) {
	cases := map[string]json.RawMessage{
		"bad guild":  json.RawMessage(`{"guild_id": "abc", "user": {"id": "100"}}`),
		"empty user": json.RawMessage(`{"guild_id": "148831815984087041", "user": {"id": ""}}`),
	}
	for name, data := range cases {
		if _, _, err := parseDispatch("GUILD_MEMBER_ADD", data); err == nil {
			t.Fatalf("expected %s to be rejected", name)
		}
	}
}

func TestParseSnowflake(t *testing.T) {
	id, err := parseSnowflake("148831815984087041")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if id != 148831815984087041 {
		t.Fatalf("unexpected id: %d", id)
	}

	for _, raw := range []string{"", "abc", "-5", "0", "12.3"} {
		if _, err := parseSnowflake(raw); err == nil {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}

func TestNewClientDefaults(t *testing.T) {
	provider := func(ctx context.Context) (string, error) { return "t", nil }

	client, err := NewClient(Options{TokenProvider: provider})
	if err != nil {
		t.Fatalf("new client failed: %v", err)
	}
	if client.intents != defaultIntents {
		t.Fatalf("expected default intents, got %d", client.intents)
	}
	if cap(client.events) != defaultEventBuffer {
		t.Fatalf("expected default event buffer, got %d", cap(client.events))
	}
}

func TestNewClientRequiresTokenProvider(t *testing.T) {
	if _, err := NewClient(Options{}); err == nil {
		t.Fatalf("expected error without a token provider")
	}
}
