package invitetrack

import (
	"context"
	"fmt"
	"time"
)

// JoinEvent is a member-joined notification from the gateway. It carries no
// inviter attribution; that has to be looked up from the REST source.
type JoinEvent struct {
	Member     MemberID
	MemberName string
	Server     ServerID
}

// JoinOutcome describes how one join event was resolved.
type JoinOutcome int

const (
	// JoinIgnored: event was for another server, or the handler context
	// ended before the lookup ran.
	JoinIgnored JoinOutcome = iota
	// JoinNoInviter: the platform reported no attributable inviter.
	JoinNoInviter
	// JoinAttributed: a new invite record was created.
	JoinAttributed
	// JoinAlreadyAttributed: the member rejoined, or bulk reconciliation
	// got there first; the existing record stands.
	JoinAlreadyAttributed
	// JoinStoreFailed: the store rejected the write; the member still got
	// a neutral welcome.
	JoinStoreFailed
)

type TrackerOptions struct {
	TrackedServer ServerID
	// LookupDelay is how long to wait after a join event before asking the
	// REST source for attribution. The platform's own inviter data lags
	// event delivery; this is a heuristic, not a guarantee.
	LookupDelay time.Duration
	// UTCOffsetHours positions the stored wall-clock civil time. It must
	// match the reconciler's offset so both write paths agree on join order.
	UTCOffsetHours int
	Logger         Logger
}

// Tracker is the live ingestion path: one join event in, at most one invite
// record out, plus a welcome notification either way.
type Tracker struct {
	store          Store
	source         MemberSource
	notifier       Notifier
	tracked        ServerID
	lookupDelay    time.Duration
	utcOffsetHours int
	logger         Logger
}

func NewTracker(store Store, source MemberSource, notifier Notifier, opts TrackerOptions) (*Tracker, error) {
	if store == nil || source == nil || notifier == nil {
		return nil, ErrInvalidInput
	}
	if opts.TrackedServer == 0 {
		return nil, ErrInvalidInput
	}
	lookupDelay := opts.LookupDelay
	if lookupDelay < 0 {
		lookupDelay = 0
	}
	return &Tracker{
		store:          store,
		source:         source,
		notifier:       notifier,
		tracked:        opts.TrackedServer,
		lookupDelay:    lookupDelay,
		utcOffsetHours: opts.UTCOffsetHours,
		logger:         opts.Logger,
	}, nil
}

// HandleJoin processes one join event end to end. It never returns an
// error: every failure downstream of the server filter degrades to a
// logged outcome so the event dispatcher keeps running.
func (t *Tracker) HandleJoin(ctx context.Context, event JoinEvent) JoinOutcome {
	if t == nil {
		return JoinIgnored
	}
	if event.Server != t.tracked {
		return JoinIgnored
	}
	t.logf("%s joined server %d", event.MemberName, event.Server)

	// Give the platform time to record the attribution before asking.
	if err := sleepContext(ctx, t.lookupDelay); err != nil {
		t.logf("join handling aborted for %s: %v", event.MemberName, err)
		return JoinIgnored
	}

	entry, err := t.source.SearchMember(ctx, event.MemberName)
	if err != nil {
		t.logf("could not look up %s: %v", event.MemberName, err)
		t.notify(ctx, fmt.Sprintf("Welcome %s", Mention(event.Member)))
		return JoinNoInviter
	}
	if entry.Inviter == nil {
		t.logf("could not find %s inviter", event.MemberName)
		t.notify(ctx, fmt.Sprintf("Welcome %s", Mention(event.Member)))
		return JoinNoInviter
	}
	inviter := *entry.Inviter
	if inviter == event.Member {
		// Self-invites are semantically invalid; treat as unattributed.
		t.logf("ignoring self-invite for %s", event.MemberName)
		t.notify(ctx, fmt.Sprintf("Welcome %s", Mention(event.Member)))
		return JoinNoInviter
	}

	record := InviteRecord{
		Invitee: event.Member,
		Inviter: inviter,
		Server:  event.Server,
	}
	// Same conversion as the bulk path, so join times from either producer
	// land with the same wall-clock and ORDER BY joined_at stays coherent.
	if joinedAt, parseErr := ParseSnapshotTime(entry.JoinedAt, t.utcOffsetHours); parseErr == nil {
		record.JoinedAt = joinedAt
	} else {
		t.logf("unparseable join time for %s, storing insertion time: %v", event.MemberName, parseErr)
	}
	inserted, err := t.store.UpsertIfAbsent(ctx, record)
	if err != nil {
		t.logf("store rejected attribution for %s: %v", event.MemberName, err)
		t.notify(ctx, fmt.Sprintf("Welcome %s", Mention(event.Member)))
		return JoinStoreFailed
	}
	if inserted {
		t.notify(ctx, fmt.Sprintf("Welcome! %s was invited by %s", Mention(event.Member), Mention(inviter)))
		return JoinAttributed
	}
	t.notify(ctx, fmt.Sprintf("Welcome back! %s was already invited by %s", Mention(event.Member), Mention(inviter)))
	return JoinAlreadyAttributed
}

func (t *Tracker) notify(ctx context.Context, description string) {
	result := t.notifier.PostAlert(ctx, description)
	if !result.Sent {
		t.logf("notification failed: %v", result.Err)
	}
}

func (t *Tracker) logf(format string, args ...any) {
	if t == nil || t.logger == nil {
		return
	}
	t.logger.Printf(format, args...)
}
