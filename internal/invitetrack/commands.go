package invitetrack

import (
	"context"
	"fmt"
	"strings"
)

// Message is an inbound text message from the command surface.
type Message struct {
	Server  ServerID
	Channel ChannelID
	Author  MemberID
	Content string
}

// CommandOutcome describes how a message was handled.
type CommandOutcome int

const (
	// CommandIgnored: not a command, or from an untracked server.
	CommandIgnored CommandOutcome = iota
	// CommandAnswered: a reply was sent.
	CommandAnswered
	// CommandFailed: the query or the reply failed; logged, no reply.
	CommandFailed
)

const commandPrefix = "!"

// CommandHandler dispatches the two text commands the tracker understands:
// "!invited" and "!topinvites". Messages from other servers are ignored at
// the entry point.
type CommandHandler struct {
	queries  *QueryService
	notifier Notifier
	tracked  ServerID
	logger   Logger
}

func NewCommandHandler(queries *QueryService, notifier Notifier, tracked ServerID, logger Logger) (*CommandHandler, error) {
	if queries == nil || notifier == nil || tracked == 0 {
		return nil, ErrInvalidInput
	}
	return &CommandHandler{
		queries:  queries,
		notifier: notifier,
		tracked:  tracked,
		logger:   logger,
	}, nil
}

func (h *CommandHandler) HandleMessage(ctx context.Context, msg Message) CommandOutcome {
	if h == nil {
		return CommandIgnored
	}
	if msg.Server != h.tracked {
		return CommandIgnored
	}
	switch strings.TrimSpace(msg.Content) {
	case commandPrefix + "invited":
		return h.invited(ctx, msg)
	case commandPrefix + "topinvites":
		return h.topInvites(ctx, msg)
	default:
		return CommandIgnored
	}
}

func (h *CommandHandler) invited(ctx context.Context, msg Message) CommandOutcome {
	invitees, err := h.queries.InvitedBy(ctx, msg.Author)
	if err != nil {
		h.logf("invited query failed for %d: %v", msg.Author, err)
		return CommandFailed
	}
	var reply string
	if len(invitees) == 0 {
		reply = "You haven't invited anyone yet (at least since 2024..)"
	} else {
		mentions := make([]string, 0, len(invitees))
		for _, invitee := range invitees {
			mentions = append(mentions, Mention(invitee))
		}
		reply = fmt.Sprintf("You invited %d people!\n%s", len(invitees), strings.Join(mentions, " "))
	}
	return h.reply(ctx, msg.Channel, reply)
}

func (h *CommandHandler) topInvites(ctx context.Context, msg Message) CommandOutcome {
	entries, err := h.queries.Leaderboard(ctx, DefaultLeaderboardLimit)
	if err != nil {
		h.logf("leaderboard query failed: %v", err)
		return CommandFailed
	}
	lines := make([]string, 0, len(entries))
	for pos, entry := range entries {
		lines = append(lines, fmt.Sprintf("%s %s: %d", RankMarker(pos), Mention(entry.Inviter), entry.Count))
	}
	reply := "## Leaderboard\n" + strings.Join(lines, "\n")
	return h.reply(ctx, msg.Channel, reply)
}

func (h *CommandHandler) reply(ctx context.Context, channel ChannelID, content string) CommandOutcome {
	result := h.notifier.PostMessage(ctx, channel, content)
	if !result.Sent {
		h.logf("command reply failed: %v", result.Err)
		return CommandFailed
	}
	return CommandAnswered
}

func (h *CommandHandler) logf(format string, args ...any) {
	if h == nil || h.logger == nil {
		return
	}
	h.logger.Printf(format, args...)
}
