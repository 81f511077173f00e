package xfer

import "fmt"

// Stage is the primary axis of a Transfer's state, advancing monotonically
// until Completed.
type Stage uint8

const (
	// StageNone is the initial stage before any registry insertion.
	StageNone Stage = iota
	// StageQueuedLocally means the unique key and token have been reserved.
	StageQueuedLocally
	// StageRequested means a TransferRequest has been sent to the peer.
	StageRequested
	// StageQueuedRemotely means the peer has acknowledged queueing (or the
	// ready path has passed through this stage instantaneously).
	StageQueuedRemotely
	// StageInitializing means the transfer connection has been acquired and
	// the offset prologue is being written/read.
	StageInitializing
	// StageInProgress means bytes are streaming.
	StageInProgress
	// StageCompleted is terminal; exactly one Terminator is set.
	StageCompleted
)

func (s Stage) String() string {
	switch s {
	case StageNone:
		return "None"
	case StageQueuedLocally:
		return "QueuedLocally"
	case StageRequested:
		return "Requested"
	case StageQueuedRemotely:
		return "QueuedRemotely"
	case StageInitializing:
		return "Initializing"
	case StageInProgress:
		return "InProgress"
	case StageCompleted:
		return "Completed"
	default:
		return fmt.Sprintf("Stage(%d)", uint8(s))
	}
}

// Terminator names the outcome of a Completed transfer. Zero value
// (TerminatorNone) is only valid while Stage != StageCompleted.
type Terminator uint8

const (
	// TerminatorNone means no terminal outcome has been recorded yet.
	TerminatorNone Terminator = iota
	// TerminatorSucceeded means the transfer finished normally.
	TerminatorSucceeded
	// TerminatorCancelled means a cancellation token fired.
	TerminatorCancelled
	// TerminatorTimedOut means a waiter or connection deadline expired.
	TerminatorTimedOut
	// TerminatorErrored means an unrecoverable I/O or protocol error occurred.
	TerminatorErrored
	// TerminatorRejected means the peer refused the transfer.
	TerminatorRejected
	// TerminatorAborted means local/remote size reconciliation disagreed.
	TerminatorAborted
)

func (t Terminator) String() string {
	switch t {
	case TerminatorNone:
		return "None"
	case TerminatorSucceeded:
		return "Succeeded"
	case TerminatorCancelled:
		return "Cancelled"
	case TerminatorTimedOut:
		return "TimedOut"
	case TerminatorErrored:
		return "Errored"
	case TerminatorRejected:
		return "Rejected"
	case TerminatorAborted:
		return "Aborted"
	default:
		return fmt.Sprintf("Terminator(%d)", uint8(t))
	}
}

// legalEdges enumerates the forward-progress edges of the state graph.
// Completed is reachable from every other stage in addition to these; that
// is checked separately in canTransition.
var legalEdges = map[Stage]Stage{
	StageNone:           StageQueuedLocally,
	StageQueuedLocally:  StageRequested,
	StageRequested:      StageQueuedRemotely,
	StageQueuedRemotely: StageInitializing,
	StageInitializing:   StageInProgress,
	StageInProgress:     StageCompleted,
}

// canTransition reports whether moving from "from" to "to" is a legal edge:
// either the declared forward-progress edge, or any non-Completed stage
// advancing directly into Completed.
func canTransition(from, to Stage) bool {
	if to == StageCompleted {
		return from != StageCompleted
	}
	return legalEdges[from] == to
}
