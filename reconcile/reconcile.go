// Package reconcile rescans known users with the automation classifier and
// blocks the ones it flags. It never unblocks anyone.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"captcha-gatekeeper/database"
	"captcha-gatekeeper/detection"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ProfileLookup fetches the current profile of a user from the platform.
type ProfileLookup interface {
	UserProfile(ctx context.Context, userID int64) (detection.Profile, error)
}

type Options struct {
	// SkipIDs are never scanned, typically the admins of the chat asking.
	SkipIDs []int64
}

type Detection struct {
	UserID         int64
	Name           string
	Username       string
	PreviousStatus database.Status
	Reason         string
}

type Report struct {
	RunID     string
	Total     int
	Scanned   int
	Skipped   int
	APIErrors int
	Detected  []Detection
}

type Reconciler struct {
	store      database.Store
	classifier detection.Classifier
	lookup     ProfileLookup
	selfID     int64
	// pause between platform lookups to stay under rate limits
	pause time.Duration
	log   zerolog.Logger

	mu sync.Mutex
}

// New builds a Reconciler. lookup may be nil, in which case the stored
// name and handle are classified.
func New(store database.Store, classifier detection.Classifier, lookup ProfileLookup, selfID int64, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:      store,
		classifier: classifier,
		lookup:     lookup,
		selfID:     selfID,
		pause:      100 * time.Millisecond,
		log:        log,
	}
}

// SetPause changes the delay between users.
func (r *Reconciler) SetPause(d time.Duration) {
	r.pause = d
}

// Run scans every non-blocked user once. Runs never overlap.
func (r *Reconciler) Run(ctx context.Context, opts Options) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := Report{RunID: uuid.NewString()}
	log := r.log.With().Str("run_id", report.RunID).Logger()

	users, err := r.store.ListNonBlocked(ctx)
	if err != nil {
		return report, fmt.Errorf("list users for scanning: %w", err)
	}
	report.Total = len(users)
	log.Info().Int("users", len(users)).Msg("Starting user scan")

	skip := make(map[int64]struct{}, len(opts.SkipIDs)+1)
	skip[r.selfID] = struct{}{}
	for _, id := range opts.SkipIDs {
		skip[id] = struct{}{}
	}

	for i, u := range users {
		if _, ok := skip[u.ID]; ok {
			report.Skipped++
			continue
		}
		if i > 0 && r.pause > 0 {
			select {
			case <-ctx.Done():
				return report, ctx.Err()
			case <-time.After(r.pause):
			}
		}
		report.Scanned++

		profile := detection.Profile{UserID: u.ID, FirstName: u.Name, Username: u.Username}
		if r.lookup != nil {
			fresh, err := r.lookup.UserProfile(ctx, u.ID)
			if err != nil {
				report.APIErrors++
				log.Warn().Err(err).Int64("user_id", u.ID).Msg("profile lookup failed, using stored profile")
			} else {
				profile = fresh
			}
		}

		verdict, err := r.classifier.Classify(ctx, profile)
		if err != nil {
			report.APIErrors++
			log.Warn().Err(err).Int64("user_id", u.ID).Msg("classifier failed, leaving user unchanged")
			continue
		}
		if !verdict.Flagged {
			continue
		}

		// Only rows still present are blocked, so a user who left or was
		// blocked since the listing is not recreated or counted twice.
		changed, err := r.store.BlockKnownUser(ctx, u.ID, profile.Username)
		if err != nil {
			return report, fmt.Errorf("block user %d: %w", u.ID, err)
		}
		if !changed {
			continue
		}

		report.Detected = append(report.Detected, Detection{
			UserID:         u.ID,
			Name:           u.Name,
			Username:       profile.Username,
			PreviousStatus: u.Status,
			Reason:         verdict.Reason,
		})
		log.Warn().Int64("user_id", u.ID).Str("reason", verdict.Reason).
			Str("previous_status", string(u.Status)).Msg("Blocked user flagged by rescan")
	}

	log.Info().Int("scanned", report.Scanned).Int("detected", len(report.Detected)).
		Int("api_errors", report.APIErrors).Msg("User scan complete")
	return report, nil
}

// Start runs a scan every interval until ctx is cancelled. A zero interval
// disables the periodic scan.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Run(ctx, Options{}); err != nil && ctx.Err() == nil {
				r.log.Error().Err(err).Msg("Periodic user scan failed")
			}
		}
	}
}
