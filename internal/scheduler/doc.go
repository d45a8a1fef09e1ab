// Package scheduler fires the periodic check trigger.
//
// A schedule is either a cron expression (robfig/cron, optional seconds field
// and @descriptors) or a fixed interval ("15m", "01:30"). Ticks that arrive
// while the previous trigger is still being handed off are skipped.
package scheduler
