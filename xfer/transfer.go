// Package xfer defines the Transfer data model and its state machine: the
// composite (stage, terminator) tag, the transitions legal between them,
// and the snapshot/event mechanism subscribers observe. Every mutating
// method validates under lock, mutates, logs, then emits its event outside
// the lock, so a subscriber callback can never deadlock against a
// concurrent state read.
package xfer

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Direction indicates whether a Transfer is a download or an upload.
type Direction uint8

const (
	// Download represents a file being received from a peer.
	Download Direction = iota
	// Upload represents a file being sent to a peer.
	Upload
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// Snapshot is an immutable copy of a Transfer's observable fields, handed to
// event subscribers so they never see a pointer into the live Transfer.
type Snapshot struct {
	Direction        Direction
	Username         string
	Filename         string
	Token            uint32
	RemoteToken      uint32
	Size             uint64
	SizeKnown        bool
	StartOffset      uint64
	BytesTransferred uint64
	Stage            Stage
	Terminator       Terminator
	Exception        error
	ClientError      error
	CreatedAt        time.Time
	CompletedAt      time.Time
}

// StateChangedEvent is emitted on every legal stage transition.
type StateChangedEvent struct {
	Previous Stage
	Transfer Snapshot
}

// ProgressUpdatedEvent is emitted while a Transfer is InProgress: once with
// BytesTransferred=0 on entry, once per streamed chunk, and once more
// immediately before leaving InProgress.
type ProgressUpdatedEvent struct {
	Transfer Snapshot
}

// Transfer represents one negotiated file exchange. The owning orchestrator
// exclusively mutates it via the methods below; everything else observes
// Snapshots.
type Transfer struct {
	Direction   Direction
	Username    string
	Filename    string
	Token       uint32
	RemoteToken uint32
	StartOffset uint64
	CreatedAt   time.Time
	CompletedAt time.Time

	mu               sync.Mutex
	size             uint64
	sizeKnown        bool
	bytesTransferred uint64
	stage            Stage
	terminator       Terminator
	exception        error
	clientError      error
	terminateOnce    sync.Once

	stateChangedCB  func(StateChangedEvent)
	progressUpdated func(ProgressUpdatedEvent)
	timeProvider    TimeProvider
}

// New creates a Transfer in StageNone. size is nil when the caller did not
// supply one; it is adopted later via SetNegotiatedSize.
func New(direction Direction, username, filename string, size *uint64, startOffset uint64, token uint32) *Transfer {
	t := &Transfer{
		Direction:    direction,
		Username:     username,
		Filename:     filename,
		Token:        token,
		StartOffset:  startOffset,
		CreatedAt:    time.Now(),
		timeProvider: DefaultTimeProvider{},
	}
	if size != nil {
		t.size = *size
		t.sizeKnown = true
	}

	logrus.WithFields(logrus.Fields{
		"function":  "xfer.New",
		"token":     token,
		"username":  username,
		"filename":  filename,
		"direction": direction,
	}).Info("transfer created")

	return t
}

// SetTimeProvider overrides the time source, for deterministic tests.
func (t *Transfer) SetTimeProvider(tp TimeProvider) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeProvider = tp
}

// OnStateChanged registers the callback invoked on every legal transition.
func (t *Transfer) OnStateChanged(cb func(StateChangedEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateChangedCB = cb
}

// OnProgress registers the callback invoked on every progress event.
func (t *Transfer) OnProgress(cb func(ProgressUpdatedEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progressUpdated = cb
}

// UniqueKey is the identity used for duplicate-transfer detection:
// "{direction}:{username}:{filename}".
func (t *Transfer) UniqueKey() string {
	return fmt.Sprintf("%s:%s:%s", t.Direction, t.Username, t.Filename)
}

// HasSize reports whether a size has been supplied or negotiated.
func (t *Transfer) HasSize() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sizeKnown
}

// Size returns the known size, or 0 if not yet known.
func (t *Transfer) Size() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// SetNegotiatedSize adopts the peer-negotiated size when the caller did not
// supply one. It is a programmer error to call this when a size is already
// known; callers must reconcile (and fail) instead — see download package
// phase (g).
func (t *Transfer) SetNegotiatedSize(size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.size = size
	t.sizeKnown = true
}

// BytesTransferred returns the current monotonic transferred-byte count.
func (t *Transfer) BytesTransferred() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytesTransferred
}

// AddBytesTransferred advances the transferred-byte counter and emits a
// ProgressUpdatedEvent. It is only valid while Stage == StageInProgress.
func (t *Transfer) AddBytesTransferred(n uint64) {
	t.mu.Lock()
	t.bytesTransferred += n
	snap := t.snapshotLocked()
	cb := t.progressUpdated
	t.mu.Unlock()

	if cb != nil {
		cb(ProgressUpdatedEvent{Transfer: snap})
	}
}

// EmitProgress re-emits the current byte count as a ProgressUpdatedEvent
// without mutating it — used for the mandatory initial-zero and
// final-pre-completion progress events.
func (t *Transfer) EmitProgress() {
	t.mu.Lock()
	snap := t.snapshotLocked()
	cb := t.progressUpdated
	t.mu.Unlock()

	if cb != nil {
		cb(ProgressUpdatedEvent{Transfer: snap})
	}
}

// Stage returns the current stage.
func (t *Transfer) Stage() Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stage
}

// Terminator returns the recorded terminator, TerminatorNone if not yet
// Completed.
func (t *Transfer) Terminator() Terminator {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminator
}

// Exception returns the unwrapped root-cause error attached when the
// terminator is not Succeeded, nil otherwise.
func (t *Transfer) Exception() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exception
}

// SetClientError attaches the top-level wrapper surfaced to callers for a
// stream-phase or non-semantic negotiation failure, distinct from Exception:
// Exception always holds the unwrapped root cause; ClientError holds the
// *slskerr.SoulseekClientError built around it, or nil when the terminator
// itself (Rejected, TimedOut, Cancelled, or, for a download, an offline peer) is already
// meaningful enough to surface directly. Only the first call has effect,
// matching Terminate's first-arrival-wins semantics.
func (t *Transfer) SetClientError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.clientError == nil {
		t.clientError = err
	}
}

// ClientError returns the wrapped top-level error set via SetClientError, or
// nil if none was attached.
func (t *Transfer) ClientError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clientError
}

// Advance moves the Transfer to the given non-Completed stage. It returns an
// error (and makes no change) if the transition is not a legal edge of the
// state graph. Use Terminate to reach StageCompleted.
func (t *Transfer) Advance(to Stage) error {
	if to == StageCompleted {
		return fmt.Errorf("xfer: use Terminate to reach Completed, not Advance")
	}

	t.mu.Lock()
	from := t.stage
	if !canTransition(from, to) {
		t.mu.Unlock()
		return fmt.Errorf("xfer: illegal transition %s -> %s", from, to)
	}
	t.stage = to
	snap := t.snapshotLocked()
	cb := t.stateChangedCB
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Transfer.Advance",
		"token":    t.Token,
		"username": t.Username,
		"filename": t.Filename,
		"from":     from.String(),
		"to":       to.String(),
	}).Info("transfer state changed")

	if cb != nil {
		cb(StateChangedEvent{Previous: from, Transfer: snap})
	}
	return nil
}

// Terminate records the final outcome of the transfer exactly once. Any
// call after the first is a no-op — first arrival wins — logged at Debug
// so a racing second cause is still visible in logs.
func (t *Transfer) Terminate(term Terminator, err error) {
	fired := false
	t.terminateOnce.Do(func() {
		fired = true
		t.mu.Lock()
		from := t.stage
		t.stage = StageCompleted
		t.terminator = term
		t.exception = err
		t.CompletedAt = t.currentTime()
		snap := t.snapshotLocked()
		cb := t.stateChangedCB
		t.mu.Unlock()

		logFields := logrus.Fields{
			"function":   "Transfer.Terminate",
			"token":      t.Token,
			"username":   t.Username,
			"filename":   t.Filename,
			"from":       from.String(),
			"terminator": term.String(),
		}
		if err != nil {
			logFields["error"] = err.Error()
		}
		logrus.WithFields(logFields).Info("transfer completed")

		if cb != nil {
			cb(StateChangedEvent{Previous: from, Transfer: snap})
		}
	})

	if !fired {
		logrus.WithFields(logrus.Fields{
			"function":   "Transfer.Terminate",
			"token":      t.Token,
			"terminator": term.String(),
		}).Debug("terminate called again after first-arrival-wins; dropped")
	}
}

func (t *Transfer) currentTime() time.Time {
	if t.timeProvider != nil {
		return t.timeProvider.Now()
	}
	return time.Now()
}

func (t *Transfer) snapshotLocked() Snapshot {
	return Snapshot{
		Direction:        t.Direction,
		Username:         t.Username,
		Filename:         t.Filename,
		Token:            t.Token,
		RemoteToken:      t.RemoteToken,
		Size:             t.size,
		SizeKnown:        t.sizeKnown,
		StartOffset:      t.StartOffset,
		BytesTransferred: t.bytesTransferred,
		Stage:            t.stage,
		Terminator:       t.terminator,
		Exception:        t.exception,
		ClientError:      t.clientError,
		CreatedAt:        t.CreatedAt,
		CompletedAt:      t.CompletedAt,
	}
}

// Snapshot returns an immutable copy of the Transfer's current state.
func (t *Transfer) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// IsRejectionMessage reports whether a TransferResponse message text is the
// one recognized rejection phrase: only "File not shared." is treated as a
// hard rejection; other allowed=false messages are treated as queueing.
func IsRejectionMessage(message string) bool {
	return strings.Contains(strings.ToLower(message), "file not shared.")
}
