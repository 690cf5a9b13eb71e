package sync

// Mode selects how a sync pass reconciles with the server.
type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeFull        Mode = "full"
)

// StateName is the engine's coarse state: Idle -> Syncing -> (Idle | Error).
type StateName string

const (
	StateIdle    StateName = "idle"
	StateSyncing StateName = "syncing"
	StateError   StateName = "error"
)

// Status is a passively observable snapshot of the engine for status
// displays. It never requires a response from the observer.
type Status struct {
	State     StateName
	Percent   int // 0-100 across the planned push+pull units of the pass
	LastError string
}

// Result summarises one sync pass.
type Result struct {
	Mode             Mode
	Pushed           int      // mutations acknowledged by the server
	Rejected         int      // mutations the server permanently refused
	Pulled           int      // server records applied locally
	DeferredBuffered int      // server values buffered behind in-flight mutations
	DeferredApplied  int      // previously buffered values applied this pass
	Errors           []string // per-collection failures; the pass continued past them
}

// Failed reports whether any collection's phase failed during the pass.
func (r *Result) Failed() bool {
	return len(r.Errors) > 0
}

// Rejection describes a mutation the server refused. It is surfaced for
// observability; the queue entry is already acknowledged away since a retry
// cannot succeed.
type Rejection struct {
	MutationID string
	Collection string
	RecordID   string
	Reason     string
}
