package invitetrack

import (
	"context"
	"sync"
)

type fakeMemberSource struct {
	mu            sync.Mutex
	searchEntry   SnapshotEntry
	searchErr     error
	searchCalls   int
	snapshot      []SnapshotEntry
	snapshotErrs  []error
	snapshotCalls int
}

func (f *fakeMemberSource) SearchMember(ctx context.Context, username string) (SnapshotEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	if f.searchErr != nil {
		return SnapshotEntry{}, f.searchErr
	}
	return f.searchEntry, nil
}

func (f *fakeMemberSource) Snapshot(ctx context.Context) ([]SnapshotEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.snapshotCalls
	f.snapshotCalls++
	if call < len(f.snapshotErrs) && f.snapshotErrs[call] != nil {
		return nil, f.snapshotErrs[call]
	}
	return f.snapshot, nil
}

type sentMessage struct {
	Channel ChannelID
	Content string
}

type fakeNotifier struct {
	mu       sync.Mutex
	fail     error
	alerts   []string
	messages []sentMessage
}

func (f *fakeNotifier) PostAlert(ctx context.Context, description string) NotifyResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return notifyFailed(f.fail)
	}
	f.alerts = append(f.alerts, description)
	return notifySent()
}

func (f *fakeNotifier) PostMessage(ctx context.Context, channel ChannelID, content string) NotifyResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return notifyFailed(f.fail)
	}
	f.messages = append(f.messages, sentMessage{Channel: channel, Content: content})
	return notifySent()
}

func (f *fakeNotifier) lastAlert() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.alerts) == 0 {
		return ""
	}
	return f.alerts[len(f.alerts)-1]
}

// flakyStore wraps a MemoryStore and injects failures per operation.
type flakyStore struct {
	*MemoryStore
	knownErr  error
	upsertErr error
}

func (s *flakyStore) KnownInvitees(ctx context.Context, server ServerID) (map[MemberID]struct{}, error) {
	if s.knownErr != nil {
		return nil, s.knownErr
	}
	return s.MemoryStore.KnownInvitees(ctx, server)
}

func (s *flakyStore) UpsertIfAbsent(ctx context.Context, record InviteRecord) (bool, error) {
	if s.upsertErr != nil {
		return false, s.upsertErr
	}
	return s.MemoryStore.UpsertIfAbsent(ctx, record)
}

func inviterRef(id MemberID) *MemberID {
	return &id
}
