package invitetrack

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrMemberNotFound = errors.New("member not found")
	ErrMissingAccess  = errors.New("missing access to member list")
	ErrBadTimestamp   = errors.New("unexpected timestamp format")
)

// MemberID is a platform member snowflake.
type MemberID int64

// ServerID is a platform server snowflake.
type ServerID int64

// ChannelID is a platform channel snowflake.
type ChannelID int64

// Mention renders a member as a platform mention token.
func Mention(id MemberID) string {
	return fmt.Sprintf("<@%d>", id)
}

// InviteRecord is one durable attribution fact: invitee was brought into
// server by inviter. At most one record exists per (invitee, server).
type InviteRecord struct {
	Invitee  MemberID
	Inviter  MemberID
	Server   ServerID
	JoinedAt time.Time
}

// Logger matches the subset of *log.Logger that components use.
type Logger interface {
	Printf(format string, args ...any)
}

// Store is the attribution store shared by live ingestion and bulk
// reconciliation. UpsertIfAbsent is the sole write path; the uniqueness
// constraint on (invitee, server) is the only concurrency-correctness
// mechanism between the two producers.
type Store interface {
	// UpsertIfAbsent inserts the record unless one already exists for
	// (invitee, server). It reports true only when a new row was created.
	// A duplicate is (false, nil); a storage failure is (false, err).
	UpsertIfAbsent(ctx context.Context, record InviteRecord) (bool, error)
	// KnownInvitees returns every invitee already recorded for the server.
	// Failures propagate; callers decide how to degrade.
	KnownInvitees(ctx context.Context, server ServerID) (map[MemberID]struct{}, error)
	// InviterToInvitees groups invitees by inviter, each group ordered by
	// join time ascending. The configured legacy inviter is excluded from
	// the result entirely.
	InviterToInvitees(ctx context.Context, server ServerID) (map[MemberID][]MemberID, error)
	Close() error
}

// StoreOptions carries cross-backend store configuration.
type StoreOptions struct {
	// LegacyInviter is a reserved synthetic account excluded from all
	// aggregate views. Zero disables the exclusion.
	LegacyInviter MemberID
}

type MemoryStore struct {
	mu      sync.Mutex
	options StoreOptions
	records map[ServerID]map[MemberID]InviteRecord
	order   map[ServerID][]MemberID
}

func NewMemoryStore(options StoreOptions) *MemoryStore {
	return &MemoryStore{
		options: options,
		records: map[ServerID]map[MemberID]InviteRecord{},
		order:   map[ServerID][]MemberID{},
	}
}

func (s *MemoryStore) UpsertIfAbsent(ctx context.Context, record InviteRecord) (bool, error) {
	if s == nil {
		return false, ErrInvalidInput
	}
	if record.Invitee == 0 || record.Inviter == 0 || record.Server == 0 {
		return false, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byInvitee := s.records[record.Server]
	if byInvitee == nil {
		byInvitee = map[MemberID]InviteRecord{}
		s.records[record.Server] = byInvitee
	}
	if _, exists := byInvitee[record.Invitee]; exists {
		return false, nil
	}
	if record.JoinedAt.IsZero() {
		record.JoinedAt = time.Now().UTC()
	}
	byInvitee[record.Invitee] = record
	s.order[record.Server] = append(s.order[record.Server], record.Invitee)
	return true, nil
}

func (s *MemoryStore) KnownInvitees(ctx context.Context, server ServerID) (map[MemberID]struct{}, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	known := make(map[MemberID]struct{}, len(s.records[server]))
	for invitee := range s.records[server] {
		known[invitee] = struct{}{}
	}
	return known, nil
}

func (s *MemoryStore) InviterToInvitees(ctx context.Context, server ServerID) (map[MemberID][]MemberID, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byInvitee := s.records[server]
	ordered := make([]InviteRecord, 0, len(byInvitee))
	for _, invitee := range s.order[server] {
		ordered = append(ordered, byInvitee[invitee])
	}
	// Join time ascending; insertion order is the stable tie-break.
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].JoinedAt.Before(ordered[j].JoinedAt)
	})
	grouped := map[MemberID][]MemberID{}
	for _, record := range ordered {
		if s.options.LegacyInviter != 0 && record.Inviter == s.options.LegacyInviter {
			continue
		}
		grouped[record.Inviter] = append(grouped[record.Inviter], record.Invitee)
	}
	return grouped, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

type StoreFactory func(dsn string, options StoreOptions) (Store, error)

var storeFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StoreFactory
}{
	factories: map[string]StoreFactory{},
}

func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = normalizeStoreScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.factories[scheme] = factory
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	scheme = normalizeStoreScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeStoreScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildStoreFromDSN selects a store backend by DSN scheme: memory:// for the
// in-process store, postgres:// for the durable store. Registered factories
// take precedence over the built-in schemes.
func BuildStoreFromDSN(dsn string, options StoreOptions) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeStoreScheme(parsed.Scheme)
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn, options)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(options), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn, options)
	case "mysql", "mariadb", "sqlite":
		return nil, fmt.Errorf("%w: store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported store backend scheme: %s", scheme)
	}
}
