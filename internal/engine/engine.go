// Package engine drives a participant's progress through a session: the
// current-item pointer, the global and per-item timers, pause handling, and
// the must-answer-everything gate before finish. It is deliberately free of
// transport concerns; a UI loop feeds it ticks and submits the answers it
// emits.
package engine

import (
	"errors"
	"sync"
	"time"
)

type State string

const (
	StateNotStarted State = "NotStarted"
	StateInProgress State = "InProgress"
	StateCompleted  State = "Completed"
)

var (
	ErrNotInProgress = errors.New("session is not in progress")
	ErrCompleted     = errors.New("session is already completed")
	ErrInvalidItem   = errors.New("image is not part of the session")
	ErrInvalidIndex  = errors.New("index is outside the item list")
)

// Item is one case in the session's flattened sequence.
type Item struct {
	ImageID    string
	OrderIndex int
	StageIndex int
}

// Limits is the effective per-item timeout policy for the session.
// PerItem == 0 means no limit applies.
type Limits struct {
	PerItem time.Duration
	Hard    bool
	Soft    bool
}

// Answer is one recorded outcome, ready to be submitted to the server.
type Answer struct {
	ImageID         string
	Value           string
	OrderIndex      int
	ElapsedItemMS   int64
	ElapsedGlobalMS int64
	Skipped         bool
	Timeout         bool
	At              time.Time
}

// TimerStatus is the pure result of evaluating (now, baselines, limit).
// The engine never acts on a threshold crossing itself; the caller observes
// HardExpired and submits a timeout.
type TimerStatus struct {
	ItemElapsed   time.Duration
	GlobalElapsed time.Duration
	SoftExpired   bool
	HardExpired   bool
}

// StartParams carries the server's session materialization into the engine.
type StartParams struct {
	SessionID     string
	ParticipantID string
	GroupID       string
	Items         []Item
	Stages        []SnapshotStage
	Limits        Limits
	AllowResume   bool
}

// FinishResult reports the total elapsed time at completion.
type FinishResult struct {
	TotalElapsed time.Duration
}

// IncompleteError blocks Finish while items lack a substantive answer.
type IncompleteError struct {
	Remaining int
}

func (e *IncompleteError) Error() string {
	return "session incomplete"
}

// Engine is the session/timer state machine. All methods are safe for
// concurrent use; timer baselines are only ever read and adjusted under the
// engine lock so a pause can never race a timeout evaluation.
type Engine struct {
	mu           sync.Mutex
	clock        func() time.Time
	checkpointer Checkpointer

	sessionID     string
	participantID string
	groupID       string
	items         []Item
	index         map[string]int
	stages        []SnapshotStage
	limits        Limits

	state       State
	current     int
	answers     map[string]Answer
	globalStart time.Time
	itemStart   time.Time
	pausedAt    time.Time
}

// New returns an engine in NotStarted. A nil checkpointer disables snapshot
// persistence.
func New(checkpointer Checkpointer) *Engine {
	return &Engine{
		clock:        time.Now,
		checkpointer: checkpointer,
		state:        StateNotStarted,
		answers:      map[string]Answer{},
	}
}

// SetClock overrides the wall-clock source. Intended for tests.
func (e *Engine) SetClock(clock func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = clock
}

// Start enters InProgress. When resume is allowed and the checkpoint matches
// the requested participant and group, the stored pointer, answers and timer
// baselines are restored unmodified; otherwise the engine starts fresh from
// the given item list with both baselines at now.
func (e *Engine) Start(p StartParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateCompleted {
		return ErrCompleted
	}

	e.sessionID = p.SessionID
	e.participantID = p.ParticipantID
	e.groupID = p.GroupID
	e.items = p.Items
	e.stages = p.Stages
	e.limits = p.Limits
	e.index = make(map[string]int, len(p.Items))
	for i, it := range p.Items {
		e.index[it.ImageID] = i
	}

	if p.AllowResume && e.checkpointer != nil {
		if snap, err := e.checkpointer.Load(); err == nil && snap != nil &&
			snap.ParticipantID == p.ParticipantID && snap.GroupID == p.GroupID &&
			snap.Pointer >= 0 && snap.Pointer < len(e.items) {
			e.sessionID = snap.SessionID
			e.current = snap.Pointer
			e.globalStart = snap.GlobalStart
			e.itemStart = snap.ItemStart
			e.answers = make(map[string]Answer, len(snap.Answers))
			for id, a := range snap.Answers {
				e.answers[id] = a
			}
			e.state = StateInProgress
			e.checkpoint()
			return nil
		}
	}

	now := e.clock()
	e.current = 0
	e.answers = map[string]Answer{}
	e.globalStart = now
	e.itemStart = now
	e.pausedAt = time.Time{}
	e.state = StateInProgress
	e.checkpoint()
	return nil
}

// Answer records a substantive value for the image, advances the pointer
// (clamping at the last item) and resets the item baseline.
func (e *Engine) Answer(imageID, value string) (Answer, error) {
	return e.record(imageID, value, false, false)
}

// Skip records the distinguished skip value; the item still blocks Finish.
func (e *Engine) Skip(imageID string) (Answer, error) {
	return e.record(imageID, valueSkip, true, false)
}

// Timeout records an automatic timeout answer for the image. Callers invoke
// it after Tick reports HardExpired; timeouts count as substantive.
func (e *Engine) Timeout(imageID string) (Answer, error) {
	return e.record(imageID, valueTimeout, false, true)
}

const (
	valueSkip    = "skip"
	valueTimeout = "timeout"
)

func (e *Engine) record(imageID, value string, skipped, timeout bool) (Answer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateInProgress {
		return Answer{}, ErrNotInProgress
	}
	idx, ok := e.index[imageID]
	if !ok {
		return Answer{}, ErrInvalidItem
	}

	now := e.clock()
	// while instructions are open the pause moment is the time reference, so
	// an answer landing mid-pause records no pause time and the baseline
	// reset stays behind the pending ResumeInstructions adjustment
	ref := now
	if !e.pausedAt.IsZero() {
		ref = e.pausedAt
	}
	a := Answer{
		ImageID:         imageID,
		Value:           value,
		OrderIndex:      e.items[idx].OrderIndex,
		ElapsedItemMS:   ref.Sub(e.itemStart).Milliseconds(),
		ElapsedGlobalMS: ref.Sub(e.globalStart).Milliseconds(),
		Skipped:         skipped,
		Timeout:         timeout,
		At:              now,
	}
	e.answers[imageID] = a

	// pointer clamps at the last item, it does not wrap
	if e.current < len(e.items)-1 {
		e.current++
	}
	e.itemStart = ref
	e.checkpoint()
	return a, nil
}

// Navigate moves the pointer to any valid index for review without touching
// recorded answers. The item baseline resets.
func (e *Engine) Navigate(target int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateInProgress {
		return ErrNotInProgress
	}
	if target < 0 || target >= len(e.items) {
		return ErrInvalidIndex
	}
	e.current = target
	ref := e.clock()
	if !e.pausedAt.IsZero() {
		ref = e.pausedAt
	}
	e.itemStart = ref
	e.checkpoint()
	return nil
}

// Tick recomputes both elapsed values from the stored baselines. Elapsed time
// is never accumulated by counter, so a backgrounded client catches up on the
// next tick. While instructions are open, the pause moment is the reference
// and no threshold can newly expire.
func (e *Engine) Tick(now time.Time) TimerStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateInProgress {
		return TimerStatus{}
	}
	ref := now
	if !e.pausedAt.IsZero() {
		ref = e.pausedAt
	}
	st := TimerStatus{
		ItemElapsed:   ref.Sub(e.itemStart),
		GlobalElapsed: ref.Sub(e.globalStart),
	}
	if e.limits.PerItem > 0 && st.ItemElapsed > e.limits.PerItem {
		st.HardExpired = e.limits.Hard
		st.SoftExpired = e.limits.Soft && !e.limits.Hard
	}
	return st
}

// PauseInstructions suspends both timers while the instructions view is open.
func (e *Engine) PauseInstructions() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateInProgress || !e.pausedAt.IsZero() {
		return
	}
	e.pausedAt = e.clock()
}

// ResumeInstructions closes the instructions view. The full pause interval is
// added to both baselines in one step under the lock, so the visible elapsed
// time excludes the pause and neither timer observes a stale baseline.
func (e *Engine) ResumeInstructions() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pausedAt.IsZero() {
		return
	}
	d := e.clock().Sub(e.pausedAt)
	e.globalStart = e.globalStart.Add(d)
	e.itemStart = e.itemStart.Add(d)
	e.pausedAt = time.Time{}
	e.checkpoint()
}

// Finish completes the session once every item holds a substantive answer.
// Skipped and unanswered items block with the exact remaining count.
func (e *Engine) Finish() (FinishResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateCompleted {
		return FinishResult{}, ErrCompleted
	}
	if e.state != StateInProgress {
		return FinishResult{}, ErrNotInProgress
	}
	remaining := 0
	for _, it := range e.items {
		a, ok := e.answers[it.ImageID]
		if !ok || a.Skipped || a.Value == valueSkip || a.Value == "" {
			remaining++
		}
	}
	if remaining > 0 {
		return FinishResult{}, &IncompleteError{Remaining: remaining}
	}
	now := e.clock()
	e.state = StateCompleted
	if e.checkpointer != nil {
		// the attempt is over; a later visit must not resume it
		_ = e.checkpointer.Clear()
	}
	return FinishResult{TotalElapsed: now.Sub(e.globalStart)}, nil
}

// FirstUnfinished returns the index of the first item without a substantive
// answer, or -1 when none remain. The UI uses it to redirect after an
// incomplete finish attempt.
func (e *Engine) FirstUnfinished() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, it := range e.items {
		a, ok := e.answers[it.ImageID]
		if !ok || a.Skipped || a.Value == valueSkip || a.Value == "" {
			return i
		}
	}
	return -1
}

// State returns the lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Current returns the pointer index and the item under it.
func (e *Engine) Current() (int, Item) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.items) == 0 {
		return 0, Item{}
	}
	return e.current, e.items[e.current]
}

// SessionID returns the bound session id (the snapshot's id after a resume).
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Answers returns a copy of all recorded answers keyed by image id.
func (e *Engine) Answers() map[string]Answer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Answer, len(e.answers))
	for k, v := range e.answers {
		out[k] = v
	}
	return out
}

// checkpoint persists the current snapshot; callers hold the lock.
func (e *Engine) checkpoint() {
	if e.checkpointer == nil {
		return
	}
	snap := &Snapshot{
		Version:       SnapshotVersion,
		SessionID:     e.sessionID,
		ParticipantID: e.participantID,
		GroupID:       e.groupID,
		Stages:        e.stages,
		Pointer:       e.current,
		GlobalStart:   e.globalStart,
		ItemStart:     e.itemStart,
		Answers:       make(map[string]Answer, len(e.answers)),
	}
	for id, a := range e.answers {
		snap.Answers[id] = a
	}
	_ = e.checkpointer.Save(snap)
}
