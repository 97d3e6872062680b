package invitetrack

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
)

// ReconcileStats summarizes one reconciliation pass.
type ReconcileStats struct {
	// Scanned is the number of snapshot entries inspected.
	Scanned int
	// Skipped counts entries with no attributable inviter plus invitees
	// already present in the store.
	Skipped int
	// Inserted, Duplicates and Failed count direct-insert results.
	Inserted   int
	Duplicates int
	Failed     int
	// Emitted counts records written in export mode.
	Emitted int
}

type ReconcilerOptions struct {
	Server ServerID
	// UTCOffsetHours positions the stored wall-clock civil time. Zero is
	// UTC; the configuration layer owns the operational default.
	UTCOffsetHours int
	// SnapshotAttempts bounds retries of the snapshot crawl on transient
	// transport failures. Permission failures are never retried.
	SnapshotAttempts int
	Logger           Logger
}

// Reconciler is the bulk ingestion path. It derives the delta between the
// full membership snapshot and the invitees already recorded, then either
// inserts it directly or emits it as a bulk-loadable record stream. Both
// modes share computeDelta, so their logical output is identical.
type Reconciler struct {
	store            Store
	source           MemberSource
	server           ServerID
	utcOffsetHours   int
	snapshotAttempts int
	logger           Logger
}

func NewReconciler(store Store, source MemberSource, opts ReconcilerOptions) (*Reconciler, error) {
	if store == nil || source == nil {
		return nil, ErrInvalidInput
	}
	if opts.Server == 0 {
		return nil, ErrInvalidInput
	}
	attempts := opts.SnapshotAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &Reconciler{
		store:            store,
		source:           source,
		server:           opts.Server,
		utcOffsetHours:   opts.UTCOffsetHours,
		snapshotAttempts: attempts,
		logger:           opts.Logger,
	}, nil
}

type deltaRecord struct {
	Invitee  MemberID
	Inviter  MemberID
	JoinedAt string
}

// computeDelta filters the snapshot down to members with a known inviter
// that the store has not seen yet. Pure delta semantics: nothing already
// recorded is re-derived or overwritten.
func computeDelta(known map[MemberID]struct{}, snapshot []SnapshotEntry) []deltaRecord {
	delta := make([]deltaRecord, 0, len(snapshot))
	for _, entry := range snapshot {
		if entry.Inviter == nil {
			continue
		}
		if _, exists := known[entry.Member]; exists {
			continue
		}
		delta = append(delta, deltaRecord{
			Invitee:  entry.Member,
			Inviter:  *entry.Inviter,
			JoinedAt: entry.JoinedAt,
		})
	}
	return delta
}

func (r *Reconciler) collect(ctx context.Context) ([]deltaRecord, int, error) {
	known, err := r.store.KnownInvitees(ctx, r.server)
	if err != nil {
		// The uniqueness guard on the store makes duplicate insert
		// attempts harmless, so an unknown known-set degrades to empty
		// rather than aborting the run.
		r.logf("known invitees unavailable, treating all as unknown: %v", err)
		known = map[MemberID]struct{}{}
	}

	var snapshot []SnapshotEntry
	err = retry.Do(
		func() error {
			var fetchErr error
			snapshot, fetchErr = r.source.Snapshot(ctx)
			return fetchErr
		},
		retry.Context(ctx),
		retry.Attempts(uint(r.snapshotAttempts)),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrMissingAccess)
		}),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch membership snapshot: %w", err)
	}
	return computeDelta(known, snapshot), len(snapshot), nil
}

// Run performs a direct-insert reconciliation pass. It is idempotent and
// safe to run concurrently with live ingestion; both funnel through the
// store's uniqueness-guarded upsert.
func (r *Reconciler) Run(ctx context.Context) (ReconcileStats, error) {
	if r == nil {
		return ReconcileStats{}, ErrInvalidInput
	}
	delta, scanned, err := r.collect(ctx)
	if err != nil {
		return ReconcileStats{}, err
	}
	stats := ReconcileStats{Scanned: scanned, Skipped: scanned - len(delta)}
	for _, record := range delta {
		joinedAt, err := ParseSnapshotTime(record.JoinedAt, r.utcOffsetHours)
		if err != nil {
			// A malformed join time means the upstream format changed;
			// stop rather than coerce.
			return stats, err
		}
		inserted, err := r.store.UpsertIfAbsent(ctx, InviteRecord{
			Invitee:  record.Invitee,
			Inviter:  record.Inviter,
			Server:   r.server,
			JoinedAt: joinedAt,
		})
		switch {
		case err != nil:
			r.logf("insert failed for invitee %d: %v", record.Invitee, err)
			stats.Failed++
		case inserted:
			stats.Inserted++
		default:
			stats.Duplicates++
		}
	}
	r.logf("reconciliation done: %+v", stats)
	return stats, nil
}

// Export writes the delta as a flat record stream, one
// invitee,inviter,server,local-datetime line per record, loadable by a
// generic delimited-file bulk loader.
func (r *Reconciler) Export(ctx context.Context, w io.Writer) (ReconcileStats, error) {
	if r == nil || w == nil {
		return ReconcileStats{}, ErrInvalidInput
	}
	delta, scanned, err := r.collect(ctx)
	if err != nil {
		return ReconcileStats{}, err
	}
	stats := ReconcileStats{Scanned: scanned, Skipped: scanned - len(delta)}
	writer := csv.NewWriter(w)
	for _, record := range delta {
		localTime, err := LocalCivilTime(record.JoinedAt, r.utcOffsetHours)
		if err != nil {
			return stats, err
		}
		row := []string{
			strconv.FormatInt(int64(record.Invitee), 10),
			strconv.FormatInt(int64(record.Inviter), 10),
			strconv.FormatInt(int64(r.server), 10),
			localTime,
		}
		if err := writer.Write(row); err != nil {
			return stats, err
		}
		stats.Emitted++
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return stats, err
	}
	return stats, nil
}

func (r *Reconciler) logf(format string, args ...any) {
	if r == nil || r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
