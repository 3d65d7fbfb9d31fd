package reasoning

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/copartner/internal/config"
	"github.com/nidhogg/copartner/internal/event"
	"github.com/nidhogg/copartner/internal/intent"
	"github.com/nidhogg/copartner/internal/memory"
	"github.com/nidhogg/copartner/internal/provider"
	"github.com/nidhogg/copartner/internal/safety"
	"github.com/nidhogg/copartner/internal/skill"
)

// Capabilities is the inference dispatch the loop plans and drafts with.
type Capabilities interface {
	Infer(ctx context.Context, req *provider.InferRequest) (string, error)
}

// ModeController reads and changes the operating mode. Mode is read fresh
// before every step.
type ModeController interface {
	Mode() config.Mode
	SetMode(config.Mode) error
}

// Rules supplies the safety rule set in force right now.
type Rules interface {
	Current() *safety.RuleSet
}

// Archiver persists finished sessions.
type Archiver interface {
	Archive(ctx context.Context, s Session) error
}

// TopicTracker remembers the active topic per session for routing hints.
type TopicTracker interface {
	SetActiveTopic(sessionKey, slug string)
}

// Profiles switches the safety rule profile.
type Profiles interface {
	Active() string
	Names() []string
	Use(profile string) error
}

// Observer receives gate verdicts and session outcomes, e.g. for metrics.
type Observer interface {
	GateDecision(action string, v safety.Verdict)
	SessionFinished(s Session)
}

// Deps are the collaborators of a Loop. Archiver, Topics, Skills, Profiles
// and Observer are optional.
type Deps struct {
	Capabilities Capabilities
	Mode         ModeController
	Rules        Rules
	Memory       *memory.Manager
	Bus          *event.Bus
	Skills       *skill.Manager
	Archiver     Archiver
	Topics       TopicTracker
	Profiles     Profiles
	Observer     Observer
}

// Options tune a Loop.
type Options struct {
	// ApprovalIdleTimeout fails a session waiting on AskPermission with
	// approval_expired. Zero waits until approved, declined or cancelled.
	ApprovalIdleTimeout time.Duration
	MaxSessions         int
	ImportanceThreshold float64
	// KeepFinished bounds how many terminal sessions stay queryable in
	// memory.
	KeepFinished int
}

// OptionsFrom derives loop options from configuration.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		ApprovalIdleTimeout: cfg.Reasoning.ApprovalIdleTimeout(),
		MaxSessions:         cfg.Reasoning.MaxSessions,
		ImportanceThreshold: cfg.Memory.ImportanceThreshold,
	}
}

const maxRetries = 1

type approval struct {
	approved bool
	note     string
}

type run struct {
	mu         sync.Mutex
	s          Session
	scratch    *scratch
	ctx        context.Context
	cancel     context.CancelCauseFunc
	failedStep string
}

func (r *run) snapshot() Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s.clone()
}

// Loop runs reasoning sessions. Sessions run concurrently; at most one
// session per correlation id is in Acting at any time.
type Loop struct {
	deps    Deps
	opts    Options
	logger  *zap.Logger
	actions *ActionRegistry
	planner *Planner
	locks   *keyedLock

	ctx  context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	runs     map[string]*run
	finished []string
	pending  map[string]chan approval
	active   int
	closed   bool
	wg       sync.WaitGroup
	subs     []*event.Subscription
}

// New creates a Loop with the built-in actions registered.
func New(deps Deps, opts Options, logger *zap.Logger) *Loop {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 32
	}
	if opts.KeepFinished <= 0 {
		opts.KeepFinished = 256
	}
	if opts.ImportanceThreshold <= 0 {
		opts.ImportanceThreshold = 0.7
	}
	ctx, stop := context.WithCancel(context.Background())
	l := &Loop{
		deps:    deps,
		opts:    opts,
		logger:  logger,
		actions: NewActionRegistry(),
		locks:   newKeyedLock(),
		ctx:     ctx,
		stop:    stop,
		runs:    make(map[string]*run),
		pending: make(map[string]chan approval),
	}
	RegisterBuiltinActions(l.actions)
	l.planner = &Planner{actions: l.actions, skills: deps.Skills, infer: l.infer}
	return l
}

// Actions exposes the action registry so callers can add or replace actions.
func (l *Loop) Actions() *ActionRegistry { return l.actions }

// Start subscribes to approvals and cancellations.
func (l *Loop) Start() {
	l.subs = append(l.subs,
		l.deps.Bus.SubscribeFunc("reasoning.approvals", event.Kinds(event.KindApproval),
			func(_ context.Context, e event.Event) error {
				a := e.Payload.(event.Approval)
				if !l.Approve(e.CorrelationID, a.Approved, a.Note) {
					l.logger.Info("approval ignored, nothing pending",
						zap.String("correlation_id", e.CorrelationID))
				}
				return nil
			}),
		l.deps.Bus.SubscribeFunc("reasoning.cancel", event.Kinds(event.KindUserCancel, event.KindReasoningCancel),
			func(_ context.Context, e event.Event) error {
				reason := "user cancel"
				switch p := e.Payload.(type) {
				case event.UserCancel:
					if p.Reason != "" {
						reason = p.Reason
					}
				case event.ReasoningCancel:
					if p.Reason != "" {
						reason = p.Reason
					}
				}
				l.Cancel(e.CorrelationID, reason)
				return nil
			}),
	)
}

// Submit starts a session in the background. It fails with
// ErrCapabilityBusy when MaxSessions sessions are already running.
func (l *Loop) Submit(in intent.Intent) (string, error) {
	r, err := l.begin(l.ctx, in)
	if err != nil {
		return "", err
	}
	go func() {
		defer l.finish(r)
		l.execute(r)
	}()
	return r.s.ID, nil
}

// Run executes a session to a terminal state and returns it.
func (l *Loop) Run(ctx context.Context, in intent.Intent) (Session, error) {
	r, err := l.begin(ctx, in)
	if err != nil {
		return Session{}, err
	}
	defer l.finish(r)
	l.execute(r)
	return r.snapshot(), nil
}

func (l *Loop) begin(parent context.Context, in intent.Intent) (*run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLoopClosed
	}
	if l.active >= l.opts.MaxSessions {
		return nil, fmt.Errorf("reasoning: %d sessions running: %w", l.active, provider.ErrCapabilityBusy)
	}
	if in.CorrelationID == "" {
		in.CorrelationID = uuid.New().String()
	}
	ctx, cancel := context.WithCancelCause(parent)
	r := &run{
		s: Session{
			ID:            uuid.New().String(),
			CorrelationID: in.CorrelationID,
			Intent:        in,
			StartedAt:     time.Now(),
		},
		scratch: newScratch(),
		ctx:     ctx,
		cancel:  cancel,
	}
	l.runs[r.s.ID] = r
	l.active++
	l.wg.Add(1)
	return r, nil
}

func (l *Loop) finish(r *run) {
	r.cancel(nil)
	s := r.snapshot()
	l.mu.Lock()
	l.active--
	l.finished = append(l.finished, s.ID)
	if len(l.finished) > l.opts.KeepFinished {
		drop := l.finished[0]
		l.finished = l.finished[1:]
		delete(l.runs, drop)
	}
	l.mu.Unlock()
	l.wg.Done()
	if l.deps.Observer != nil {
		l.deps.Observer.SessionFinished(s)
	}
}

func (l *Loop) execute(r *run) {
	in := r.s.Intent
	l.transition(r, StatePlanning, "")
	plan, err := l.planner.Plan(r.ctx, in, l.deps.Mode.Mode(), "")
	if err != nil {
		l.fail(r, err)
		return
	}

	for attempt := 0; ; attempt++ {
		if err := l.act(r, plan, attempt); err != nil {
			l.fail(r, err)
			return
		}
		l.transition(r, StateChecking, "")
		res := l.check(r, plan, attempt)
		r.mu.Lock()
		r.s.Check = &res
		r.mu.Unlock()
		if res.Passed {
			break
		}
		l.logger.Info("check failed",
			zap.String("session_id", r.s.ID),
			zap.String("reason", res.Reason))
		if attempt >= maxRetries {
			l.fail(r, fmt.Errorf("%w: %s", ErrRetryExhausted, res.Reason))
			return
		}
		if plan, err = l.planner.Plan(r.ctx, in, l.deps.Mode.Mode(), res.Reason); err != nil {
			l.fail(r, err)
			return
		}
		r.mu.Lock()
		r.s.Retries++
		r.scratch = newScratch()
		r.mu.Unlock()
	}

	l.transition(r, StateSaving, "")
	if err := l.save(r); err != nil {
		l.fail(r, fmt.Errorf("%w: %w", errSaveFailed, err))
		return
	}
	l.complete(r)
}

var errSaveFailed = errors.New("memory write failed")

// Draft recalls and drafts an answer to in without verifying, delivering or
// saving it. Only steps the gate allows outright are run.
func (l *Loop) Draft(ctx context.Context, in intent.Intent) (string, error) {
	r := &run{s: Session{CorrelationID: in.CorrelationID, Intent: in}, scratch: newScratch(), ctx: ctx}
	for i, action := range []string{"memory.recall", "reply.draft"} {
		def, fn, ok := l.actions.Lookup(action)
		if !ok {
			return "", fmt.Errorf("%w: unknown action %q", ErrActionFailed, action)
		}
		st := Step{Index: i, Action: action, Description: def.Description, Params: map[string]string{},
			SideEffect: def.SideEffect, Network: def.Network}
		if dec := l.evaluate(st); dec.Verdict != safety.Allow {
			return "", fmt.Errorf("draft step %s not allowed: %w", action, dec.Err())
		}
		x := &Exec{Intent: in, Step: st, Mode: l.deps.Mode.Mode(), loop: l, scratch: r.scratch, mu: &r.mu}
		if _, err := fn(ctx, x); err != nil {
			return "", err
		}
	}
	return r.scratch.vars["draft"], nil
}

func (l *Loop) act(r *run, plan []Step, attempt int) error {
	r.mu.Lock()
	r.s.Plan = plan
	r.mu.Unlock()

	release, err := l.locks.acquire(r.ctx, r.s.CorrelationID)
	if err != nil {
		return l.cancelErr(r)
	}
	defer release()
	l.transition(r, StateActing, "")

	for _, st := range plan {
		if r.ctx.Err() != nil {
			return l.cancelErr(r)
		}
		dec := l.evaluate(st)
		rec := ActionRecord{
			Step:        st.Index,
			Action:      st.Action,
			Description: st.Description,
			Decision:    dec,
			Attempt:     attempt,
			StartedAt:   time.Now(),
		}
		switch dec.Verdict {
		case safety.Deny:
			rec.Status = StatusDenied
			rec.EndedAt = rec.StartedAt
			l.appendLog(r, rec)
			r.failedStep = st.Description
			return dec.Err()
		case safety.AskPermission:
			rec.Status = StatusPending
			idx := l.appendLog(r, rec)
			if err := l.await(r, st, dec); err != nil {
				status := StatusDeclined
				if errors.Is(err, ErrCancelled) {
					status = StatusPending
				}
				l.updateLog(r, idx, func(a *ActionRecord) { a.Status = status; a.EndedAt = time.Now() })
				r.failedStep = st.Description
				return err
			}
			// rules or mode may have changed while waiting
			again := l.evaluate(st)
			if again.Verdict == safety.Deny {
				l.updateLog(r, idx, func(a *ActionRecord) {
					a.Decision, a.Status, a.EndedAt = again, StatusDenied, time.Now()
				})
				r.failedStep = st.Description
				return again.Err()
			}
			l.updateLog(r, idx, func(a *ActionRecord) { a.Approved = true })
			if err := l.runStep(r, st, idx); err != nil {
				return err
			}
		default:
			idx := l.appendLog(r, rec)
			if err := l.runStep(r, st, idx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Loop) runStep(r *run, st Step, idx int) error {
	_, fn, ok := l.actions.Lookup(st.Action)
	if !ok {
		l.updateLog(r, idx, func(a *ActionRecord) { a.Status, a.Error = StatusFailed, "unknown action" })
		r.failedStep = st.Description
		return fmt.Errorf("%w: unknown action %q", ErrActionFailed, st.Action)
	}
	r.mu.Lock()
	sc := r.scratch
	r.mu.Unlock()
	x := &Exec{
		Intent:  r.s.Intent,
		Step:    st,
		Mode:    l.deps.Mode.Mode(),
		loop:    l,
		scratch: sc,
		mu:      &r.mu,
	}
	// started actions run to completion; cancellation is checked between steps
	out, err := fn(context.WithoutCancel(r.ctx), x)
	l.updateLog(r, idx, func(a *ActionRecord) {
		a.EndedAt = time.Now()
		if err != nil {
			a.Status, a.Error = StatusFailed, err.Error()
			return
		}
		a.Status, a.Output = StatusExecuted, out
	})
	l.logger.Debug("action",
		zap.String("session_id", r.s.ID),
		zap.String("action", st.Action),
		zap.Error(err))
	if err != nil {
		r.failedStep = st.Description
		if isCapabilityErr(err) {
			return err
		}
		return fmt.Errorf("%w: %s: %w", ErrActionFailed, st.Action, err)
	}
	return nil
}

func (l *Loop) evaluate(st Step) safety.Decision {
	dec := safety.Evaluate(st.safetyAction(), l.deps.Mode.Mode(), l.deps.Rules.Current())
	if l.deps.Observer != nil {
		l.deps.Observer.GateDecision(st.Action, dec.Verdict)
	}
	return dec
}

func (l *Loop) await(r *run, st Step, dec safety.Decision) error {
	cid := r.s.CorrelationID
	ch := make(chan approval, 1)
	l.mu.Lock()
	l.pending[cid] = ch
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		if l.pending[cid] == ch {
			delete(l.pending, cid)
		}
		l.mu.Unlock()
	}()
	l.transition(r, StateActing, "awaiting_approval: "+st.Description)

	var expired <-chan time.Time
	if l.opts.ApprovalIdleTimeout > 0 {
		t := time.NewTimer(l.opts.ApprovalIdleTimeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case a := <-ch:
		if !a.approved {
			return fmt.Errorf("%w: %s", ErrApprovalDeclined, st.Description)
		}
		l.logger.Info("action approved",
			zap.String("correlation_id", cid),
			zap.String("action", st.Action),
			zap.String("note", a.note))
		return nil
	case <-r.ctx.Done():
		return l.cancelErr(r)
	case <-expired:
		return fmt.Errorf("%w: %s (%s)", ErrApprovalExpired, st.Description, dec.Reason)
	}
}

// Approve resolves the pending AskPermission of the session acting on cid.
// It reports false when nothing is waiting on that correlation id.
func (l *Loop) Approve(cid string, approved bool, note string) bool {
	l.mu.Lock()
	ch, ok := l.pending[cid]
	l.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- approval{approved: approved, note: note}:
	default:
	}
	return true
}

// Pending lists correlation ids waiting for approval.
func (l *Loop) Pending() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.pending))
	for cid := range l.pending {
		out = append(out, cid)
	}
	slices.Sort(out)
	return out
}

// Cancel asks every live session on cid to stop at its next step boundary.
// It returns how many sessions were signalled.
func (l *Loop) Cancel(cid, reason string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.runs {
		if r.s.CorrelationID != cid || r.ctx.Err() != nil {
			continue
		}
		r.cancel(fmt.Errorf("%w: %s", ErrCancelled, reason))
		n++
	}
	return n
}

func (l *Loop) cancelErr(r *run) error {
	cause := context.Cause(r.ctx)
	if errors.Is(cause, ErrCancelled) {
		return cause
	}
	return fmt.Errorf("%w: %v", ErrCancelled, cause)
}

func (l *Loop) check(r *run, plan []Step, attempt int) CheckResult {
	s := r.snapshot()
	r.mu.Lock()
	reply := r.scratch.reply
	staged := slices.Clone(r.scratch.staged)
	duplicate := r.scratch.duplicate
	vars := maps.Clone(r.scratch.vars)
	r.mu.Unlock()

	mode := l.deps.Mode.Mode()
	ran := 0
	for _, a := range s.ActionLog {
		if a.Attempt != attempt {
			continue
		}
		if a.Status != StatusExecuted {
			return CheckResult{Reason: fmt.Sprintf("step %d (%s) did not execute", a.Step, a.Action)}
		}
		if a.Decision.Verdict == safety.Deny || (a.Decision.Verdict == safety.AskPermission && !a.Approved) {
			return CheckResult{Reason: fmt.Sprintf("step %d (%s) ran without approval", a.Step, a.Action)}
		}
		if mode == config.ModeOfflineOnly && plan[a.Step].Network {
			return CheckResult{Reason: fmt.Sprintf("step %d (%s) used the network in offline_only mode", a.Step, a.Action)}
		}
		ran++
	}
	if ran != len(plan) {
		return CheckResult{Reason: fmt.Sprintf("%d of %d steps executed", ran, len(plan))}
	}
	if reply == "" {
		return CheckResult{Reason: "no reply produced"}
	}
	if reason := l.postCondition(s.Intent, vars, staged, duplicate); reason != "" {
		return CheckResult{Reason: reason}
	}
	return CheckResult{Passed: true}
}

// postCondition checks that the state the intent asked for now holds, and
// returns why not.
func (l *Loop) postCondition(in intent.Intent, vars map[string]string, staged []memory.Record, duplicate bool) string {
	mem := l.deps.Memory
	switch in.Kind {
	case intent.StoreFact:
		if duplicate {
			return ""
		}
		fact := vars["fact"]
		if !slices.ContainsFunc(staged, func(r memory.Record) bool { return r.Content == fact }) {
			return "fact was not staged"
		}
	case intent.SwitchMode:
		if got, want := l.deps.Mode.Mode(), config.Mode(vars["mode"]); got != want {
			return fmt.Sprintf("mode is %s, not %s", got, want)
		}
	case intent.CreateTopic, intent.OpenTopic:
		if !mem.ActiveVault(vars["slug"]) {
			return fmt.Sprintf("topic %s is not active", vars["slug"])
		}
	case intent.ArchiveTopic:
		if v, ok := mem.Vault(vars["slug"]); !ok || v.Status != memory.VaultArchived {
			return fmt.Sprintf("topic %s is not archived", vars["slug"])
		}
	case intent.PurgeMemory:
		if _, err := mem.Get(vars["record_id"]); !errors.Is(err, memory.ErrNotFound) {
			return fmt.Sprintf("record %s is still stored", vars["record_id"])
		}
	case intent.SwitchProfile:
		if l.deps.Profiles == nil || l.deps.Profiles.Active() != vars["profile"] {
			return fmt.Sprintf("safety profile %s is not active", vars["profile"])
		}
	}
	return ""
}

func (l *Loop) save(r *run) error {
	ctx := context.WithoutCancel(r.ctx)
	in := r.s.Intent
	mem := l.deps.Memory
	key := sessionKey(in)

	r.mu.Lock()
	staged := slices.Clone(r.scratch.staged)
	reply := r.scratch.reply
	r.mu.Unlock()

	topic := in.RoutingHint.Topic
	useTopic := topic != "" && mem.ActiveVault(topic)
	touched := map[memory.Tier][]string{}
	var ids []string

	for _, rec := range staged {
		rec.SourceSessionID = key
		if useTopic {
			rec.Tier, rec.TopicRef = memory.TierTopic, topic
		} else {
			rec.Tier, rec.TopicRef = memory.TierSession, ""
		}
		w, err := mem.Write(ctx, rec)
		if err != nil {
			return err
		}
		ids = append(ids, w.ID)
		touched[w.Tier] = append(touched[w.Tier], w.ID)

		if !in.Explicit && w.Importance <= l.opts.ImportanceThreshold {
			continue
		}
		if _, dup := mem.FindByHash(w.Content); dup {
			continue
		}
		p, err := mem.Promote(ctx, w, memory.TierLongTerm, "")
		switch {
		case errors.Is(err, memory.ErrDuplicate):
		case err != nil:
			return err
		default:
			ids = append(ids, p.ID)
			touched[memory.TierLongTerm] = append(touched[memory.TierLongTerm], p.ID)
		}
	}

	if in.Text != "" && reply != "" {
		note, err := mem.Write(ctx, memory.Record{
			Tier:            memory.TierSession,
			Kind:            memory.KindNote,
			SourceSessionID: key,
			Content:         "user: " + in.Text + "\nassistant: " + reply,
		})
		if err != nil {
			return err
		}
		ids = append(ids, note.ID)
		touched[memory.TierSession] = append(touched[memory.TierSession], note.ID)
	}

	r.mu.Lock()
	r.s.RecordIDs = ids
	r.s.Reply = reply
	r.mu.Unlock()

	for _, tier := range []memory.Tier{memory.TierSession, memory.TierTopic, memory.TierLongTerm} {
		recIDs, ok := touched[tier]
		if !ok {
			continue
		}
		p := event.MemoryUpdated{Tier: string(tier), RecordID: recIDs}
		if tier == memory.TierTopic {
			p.Topic = topic
		}
		l.publish(event.KindMemoryUpdated, r.s.CorrelationID, p)
	}
	return nil
}

func (l *Loop) complete(r *run) {
	r.mu.Lock()
	r.s.State = StateCompleted
	r.s.EndedAt = time.Now()
	r.mu.Unlock()
	s := r.snapshot()
	l.archive(s)
	l.logger.Info("session completed",
		zap.String("session_id", s.ID),
		zap.String("correlation_id", s.CorrelationID),
		zap.String("intent", string(s.Intent.Kind)))
	l.publish(event.KindStateChanged, s.CorrelationID, event.StateChanged{SessionID: s.ID, State: string(StateCompleted)})
	l.publish(event.KindReply, s.CorrelationID, event.Reply{Text: s.Reply, SessionID: sessionKey(s.Intent), Final: true})
}

func (l *Loop) fail(r *run, err error) {
	reason := failureReason(err)
	r.mu.Lock()
	r.s.State = StateFailed
	r.s.Reason = reason
	r.s.Error = err.Error()
	r.s.err = err
	r.s.EndedAt = time.Now()
	r.s.Reply = failureReply(reason, err, r.failedStep)
	r.mu.Unlock()
	s := r.snapshot()
	l.archive(s)
	l.logger.Warn("session failed",
		zap.String("session_id", s.ID),
		zap.String("correlation_id", s.CorrelationID),
		zap.String("reason", reason),
		zap.Error(err))
	l.publish(event.KindStateChanged, s.CorrelationID, event.StateChanged{SessionID: s.ID, State: string(StateFailed), Detail: reason})
	l.publish(event.KindReply, s.CorrelationID, event.Reply{Text: s.Reply, SessionID: sessionKey(s.Intent), Final: true})
	var capErr *provider.CapabilityError
	if errors.As(err, &capErr) && errors.Is(err, provider.ErrCapabilityUnavailable) {
		l.publish(event.KindDegraded, s.CorrelationID, event.Degraded{Component: string(capErr.Capability), Reason: s.Reply})
	}
}

func (l *Loop) archive(s Session) {
	if l.deps.Archiver == nil {
		return
	}
	if err := l.deps.Archiver.Archive(context.Background(), s); err != nil {
		l.logger.Warn("archive session", zap.String("session_id", s.ID), zap.Error(err))
	}
}

func (l *Loop) transition(r *run, st State, detail string) {
	r.mu.Lock()
	r.s.State = st
	id, cid := r.s.ID, r.s.CorrelationID
	r.mu.Unlock()
	l.publish(event.KindStateChanged, cid, event.StateChanged{SessionID: id, State: string(st), Detail: detail})
}

func (l *Loop) appendLog(r *run, rec ActionRecord) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s.ActionLog = append(r.s.ActionLog, rec)
	return len(r.s.ActionLog) - 1
}

func (l *Loop) updateLog(r *run, idx int, fn func(*ActionRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.s.ActionLog[idx])
}

func (l *Loop) publish(kind event.Kind, cid string, p event.Payload) {
	e := event.Must(kind, cid, p)
	e.Source = "reasoning"
	if err := l.deps.Bus.Publish(e); err != nil {
		l.logger.Debug("publish dropped", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (l *Loop) infer(ctx context.Context, system, prompt string) (string, error) {
	return l.deps.Capabilities.Infer(ctx, &provider.InferRequest{Prompt: prompt, SystemContext: system})
}

// Session returns a copy of the session with the given id.
func (l *Loop) Session(id string) (Session, bool) {
	l.mu.Lock()
	r, ok := l.runs[id]
	l.mu.Unlock()
	if !ok {
		return Session{}, false
	}
	return r.snapshot(), true
}

// ByCorrelation returns the most recently started session on cid.
func (l *Loop) ByCorrelation(cid string) (Session, bool) {
	l.mu.Lock()
	var latest *run
	for _, r := range l.runs {
		if r.s.CorrelationID == cid && (latest == nil || r.s.StartedAt.After(latest.s.StartedAt)) {
			latest = r
		}
	}
	l.mu.Unlock()
	if latest == nil {
		return Session{}, false
	}
	return latest.snapshot(), true
}

// Active returns copies of every session not yet terminal.
func (l *Loop) Active() []Session {
	l.mu.Lock()
	runs := make([]*run, 0, len(l.runs))
	for _, r := range l.runs {
		runs = append(runs, r)
	}
	l.mu.Unlock()
	var out []Session
	for _, r := range runs {
		if s := r.snapshot(); !s.State.Terminal() {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b Session) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// Drain stops accepting sessions and waits for running ones. When ctx
// expires first every session is cancelled and Drain waits for them to
// reach a step boundary.
func (l *Loop) Drain(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		l.stop()
		l.mu.Lock()
		for _, r := range l.runs {
			r.cancel(fmt.Errorf("%w: shutdown", ErrCancelled))
		}
		l.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

// Close unsubscribes from the bus and cancels anything still running.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	subs := l.subs
	l.subs = nil
	l.mu.Unlock()
	for _, s := range subs {
		l.deps.Bus.Unsubscribe(s)
	}
	l.stop()
}

// keyedLock is a per-key mutex whose Lock can be abandoned via context.
type keyedLock struct {
	mu sync.Mutex
	m  map[string]*lockEntry
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

func newKeyedLock() *keyedLock { return &keyedLock{m: make(map[string]*lockEntry)} }

func (k *keyedLock) acquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e := k.m[key]
	if e == nil {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		k.m[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return func() {
			<-e.ch
			k.release(key, e)
		}, nil
	case <-ctx.Done():
		k.release(key, e)
		return nil, context.Cause(ctx)
	}
}

func (k *keyedLock) release(key string, e *lockEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.m, key)
	}
}
