package domain

// Alert event names. Operators choose which ones reach their channels with
// notify.events.
const (
	AlertPartialFill  = "partial_fill"
	AlertUnwindFailed = "unwind_failed"
	AlertLateFill     = "late_fill"
	AlertKillSwitch   = "kill_switch"
	AlertFeedDown     = "feed_down"
	AlertShutdown     = "shutdown"
)
