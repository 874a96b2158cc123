package metrics

import (
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"

	. "github.com/roelfdiedericks/serialmon/internal/logging"
)

// DefaultPruneSchedule prunes at the top of every hour.
const DefaultPruneSchedule = "0 * * * *"

// Five-field cron expressions plus descriptors such as @hourly and @every 10m.
var scheduleParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule validates a prune schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	schedule, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule, nil
}

// Pruner deletes samples older than the retention window on a cron schedule.
type Pruner struct {
	cron   *cronlib.Cron
	store  *Store
	maxAge time.Duration
}

// StartPruner schedules store.Prune(maxAge). An empty schedule uses DefaultPruneSchedule.
func StartPruner(store *Store, schedule string, maxAge time.Duration) (*Pruner, error) {
	if schedule == "" {
		schedule = DefaultPruneSchedule
	}
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, err
	}

	p := &Pruner{
		cron:   cronlib.New(cronlib.WithParser(scheduleParser)),
		store:  store,
		maxAge: maxAge,
	}
	p.cron.Schedule(sched, cronlib.FuncJob(p.run))
	p.cron.Start()

	L_debug("metrics: pruner scheduled", "schedule", schedule, "retention", maxAge)
	return p, nil
}

func (p *Pruner) run() {
	removed, err := p.store.Prune(p.maxAge)
	if err != nil {
		L_warn("metrics: scheduled prune failed", "error", err)
		return
	}
	if removed > 0 {
		L_info("metrics: pruned old samples", "removed", removed)
	}
}

// Next reports when the pruner runs next.
func (p *Pruner) Next() time.Time {
	entries := p.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Stop cancels the schedule and waits for a running prune to finish.
func (p *Pruner) Stop() {
	<-p.cron.Stop().Done()
}
