package invitetrack

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func newTestCommandHandler(t *testing.T, store Store, notifier Notifier) *CommandHandler {
	t.Helper()
	queries, err := NewQueryService(store, trackedServer)
	if err != nil {
		t.Fatalf("new query service: %v", err)
	}
	handler, err := NewCommandHandler(queries, notifier, trackedServer, nil)
	if err != nil {
		t.Fatalf("new command handler: %v", err)
	}
	return handler
}

func TestInvitedCommandListsMentions(t *testing.T) {
	store := NewMemoryStore(StoreOptions{})
	seedInvites(t, store, 10, 2, 100)
	notifier := &fakeNotifier{}
	handler := newTestCommandHandler(t, store, notifier)

	outcome := handler.HandleMessage(context.Background(), Message{
		Server:  trackedServer,
		Channel: 555,
		Author:  10,
		Content: "!invited",
	})
	if outcome != CommandAnswered {
		t.Fatalf("expected CommandAnswered, got %v", outcome)
	}
	if len(notifier.messages) != 1 {
		t.Fatalf("expected one reply, got %d", len(notifier.messages))
	}
	reply := notifier.messages[0]
	if reply.Channel != 555 {
		t.Fatalf("reply must target the originating channel, got %d", reply.Channel)
	}
	if !strings.Contains(reply.Content, "You invited 2 people!") {
		t.Fatalf("unexpected reply: %q", reply.Content)
	}
	if !strings.Contains(reply.Content, "<@100> <@101>") {
		t.Fatalf("expected invitee mentions in join order, got %q", reply.Content)
	}
}

func TestInvitedCommandEmptyState(t *testing.T) {
	store := NewMemoryStore(StoreOptions{})
	notifier := &fakeNotifier{}
	handler := newTestCommandHandler(t, store, notifier)

	outcome := handler.HandleMessage(context.Background(), Message{
		Server:  trackedServer,
		Channel: 555,
		Author:  10,
		Content: "!invited",
	})
	if outcome != CommandAnswered {
		t.Fatalf("expected CommandAnswered, got %v", outcome)
	}
	if !strings.Contains(notifier.messages[0].Content, "haven't invited anyone yet") {
		t.Fatalf("unexpected empty-state reply: %q", notifier.messages[0].Content)
	}
}

func TestTopInvitesCommandRendersLeaderboard(t *testing.T) {
	store := NewMemoryStore(StoreOptions{})
	seedInvites(t, store, 1, 5, 100)
	seedInvites(t, store, 2, 3, 200)
	seedInvites(t, store, 3, 4, 300)
	seedInvites(t, store, 4, 1, 400)
	notifier := &fakeNotifier{}
	handler := newTestCommandHandler(t, store, notifier)

	outcome := handler.HandleMessage(context.Background(), Message{
		Server:  trackedServer,
		Channel: 555,
		Author:  99,
		Content: "!topinvites",
	})
	if outcome != CommandAnswered {
		t.Fatalf("expected CommandAnswered, got %v", outcome)
	}
	reply := notifier.messages[0].Content
	if !strings.HasPrefix(reply, "## Leaderboard\n") {
		t.Fatalf("expected leaderboard heading, got %q", reply)
	}
	lines := strings.Split(reply, "\n")[1:]
	if len(lines) != 4 {
		t.Fatalf("expected 4 leaderboard lines, got %d: %q", len(lines), reply)
	}
	if !strings.HasPrefix(lines[0], "\U0001F947 <@1>: 5") {
		t.Fatalf("expected gold medal line first, got %q", lines[0])
	}
	if !strings.HasPrefix(lines[3], "**#4** <@4>: 1") {
		t.Fatalf("expected numeric marker beyond the medals, got %q", lines[3])
	}
}

func TestCommandsIgnoreOtherServers(t *testing.T) {
	store := NewMemoryStore(StoreOptions{})
	notifier := &fakeNotifier{}
	handler := newTestCommandHandler(t, store, notifier)

	outcome := handler.HandleMessage(context.Background(), Message{
		Server:  trackedServer + 1,
		Channel: 555,
		Author:  10,
		Content: "!invited",
	})
	if outcome != CommandIgnored {
		t.Fatalf("expected CommandIgnored, got %v", outcome)
	}
	if len(notifier.messages) != 0 {
		t.Fatalf("no reply expected for other servers")
	}
}

func TestCommandsIgnoreUnrelatedMessages(t *testing.T) {
	store := NewMemoryStore(StoreOptions{})
	notifier := &fakeNotifier{}
	handler := newTestCommandHandler(t, store, notifier)

	for _, content := range []string{"hello", "!unknown", "invited", ""} {
		outcome := handler.HandleMessage(context.Background(), Message{
			Server:  trackedServer,
			Channel: 555,
			Author:  10,
			Content: content,
		})
		if outcome != CommandIgnored {
			t.Fatalf("expected %q to be ignored, got %v", content, outcome)
		}
	}
}

func TestCommandReplyFailureIsLoggedNotFatal(t *testing.T) {
	store := NewMemoryStore(StoreOptions{})
	notifier := &fakeNotifier{fail: errors.New("channel gone")}
	handler := newTestCommandHandler(t, store, notifier)

	outcome := handler.HandleMessage(context.Background(), Message{
		Server:  trackedServer,
		Channel: 555,
		Author:  10,
		Content: "!invited",
	})
	if outcome != CommandFailed {
		t.Fatalf("expected CommandFailed, got %v", outcome)
	}
}
