package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const editRetries = 3

type namespace struct {
	records map[string]Record
	order   []string
	heads   map[string]string // content hash -> head record id
}

func newNamespace() *namespace {
	return &namespace{records: make(map[string]Record), heads: make(map[string]string)}
}

func (n *namespace) clone() *namespace {
	if n == nil {
		return newNamespace()
	}
	return &namespace{
		records: maps.Clone(n.records),
		order:   slices.Clone(n.order),
		heads:   maps.Clone(n.heads),
	}
}

func (n *namespace) add(r Record) {
	if r.Supersedes != "" {
		if old, ok := n.records[r.Supersedes]; ok {
			old.SupersededBy = r.ID
			n.records[old.ID] = old
			if n.heads[old.Hash] == old.ID {
				delete(n.heads, old.Hash)
			}
		}
	}
	n.records[r.ID] = r
	n.order = append(n.order, r.ID)
	n.heads[r.Hash] = r.ID
}

func (n *namespace) remove(ids map[string]bool) {
	kept := n.order[:0]
	for _, id := range n.order {
		if ids[id] {
			r := n.records[id]
			if n.heads[r.Hash] == id {
				delete(n.heads, r.Hash)
			}
			delete(n.records, id)
			continue
		}
		kept = append(kept, id)
	}
	n.order = kept
}

// snapshot is an immutable view. Writers build a new one and swap it in.
type snapshot struct {
	spaces map[string]*namespace
	vaults map[string]Vault
}

// Manager owns the view and the log. Reads never lock: they work on the
// snapshot current at call time. Writes are serialized per namespace
// (long_term, topic/<slug>, session/<id>).
type Manager struct {
	log    Log
	policy ImportancePolicy
	logger *zap.Logger

	view   atomic.Pointer[snapshot]
	swapMu sync.Mutex

	lockMu sync.Mutex
	locks  map[string]*keyLock // held or awaited namespace locks only
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager creates a manager over log. Call Load before serving to
// rebuild the view from the log.
func NewManager(log Log, policy ImportancePolicy, logger *zap.Logger) *Manager {
	if policy == nil {
		policy = NewKeywordImportance()
	}
	m := &Manager{log: log, policy: policy, logger: logger, locks: map[string]*keyLock{}}
	m.view.Store(&snapshot{spaces: map[string]*namespace{}, vaults: map[string]Vault{}})
	return m
}

// Policy returns the importance policy in use.
func (m *Manager) Policy() ImportancePolicy { return m.policy }

// Load replays the log into a fresh view. Session records are not logged
// and start empty.
func (m *Manager) Load(ctx context.Context) error {
	snap := &snapshot{spaces: map[string]*namespace{}, vaults: map[string]Vault{}}
	n := 0
	err := m.log.Replay(ctx, func(e Entry) error {
		n++
		switch e.Op {
		case OpRecord:
			if e.Record == nil {
				return fmt.Errorf("log entry %s: record op without record", e.ID)
			}
			r := *e.Record
			key := namespaceKey(r.Tier, r.TopicRef, r.SourceSessionID)
			ns, ok := snap.spaces[key]
			if !ok {
				ns = newNamespace()
				snap.spaces[key] = ns
			}
			ns.add(r)
		case OpVault:
			if e.Vault == nil {
				return fmt.Errorf("log entry %s: vault op without vault", e.ID)
			}
			snap.vaults[e.Vault.Slug] = *e.Vault
		default:
			m.logger.Warn("skipping unknown log entry", zap.String("id", e.ID), zap.String("op", string(e.Op)))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay memory log: %w", err)
	}
	m.swapMu.Lock()
	m.view.Store(snap)
	m.swapMu.Unlock()
	m.logger.Info("memory view rebuilt", zap.Int("entries", n), zap.Int("vaults", len(snap.vaults)))
	return nil
}

// lock serializes writers on a namespace key. The entry is dropped once no
// writer holds or waits for it, so cleared sessions leave nothing behind.
func (m *Manager) lock(key string) func() {
	m.lockMu.Lock()
	l := m.locks[key]
	if l == nil {
		l = &keyLock{}
		m.locks[key] = l
	}
	l.refs++
	m.lockMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.lockMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, key)
		}
		m.lockMu.Unlock()
	}
}

// commit swaps in a view where namespace key is replaced by mutate's
// result. A nil result removes the namespace. Caller holds the key lock.
func (m *Manager) commit(key string, mutate func(*namespace) *namespace) {
	m.swapMu.Lock()
	defer m.swapMu.Unlock()
	cur := m.view.Load()
	next := &snapshot{spaces: maps.Clone(cur.spaces), vaults: cur.vaults}
	ns := mutate(cur.spaces[key].clone())
	if ns == nil {
		delete(next.spaces, key)
	} else {
		next.spaces[key] = ns
	}
	m.view.Store(next)
}

func (m *Manager) commitVault(v Vault) {
	m.swapMu.Lock()
	defer m.swapMu.Unlock()
	cur := m.view.Load()
	vaults := maps.Clone(cur.vaults)
	vaults[v.Slug] = v
	m.view.Store(&snapshot{spaces: cur.spaces, vaults: vaults})
}

func (m *Manager) checkTarget(snap *snapshot, r *Record) error {
	if !r.Tier.valid() {
		return fmt.Errorf("%w: tier %q", ErrInvalidRecord, r.Tier)
	}
	switch r.Tier {
	case TierTopic:
		if r.TopicRef == "" {
			return fmt.Errorf("%w: topic record without topic_ref", ErrInvalidTopic)
		}
		v, ok := snap.vaults[r.TopicRef]
		if !ok {
			return fmt.Errorf("%w: no vault %q", ErrInvalidTopic, r.TopicRef)
		}
		if v.Status != VaultActive {
			return fmt.Errorf("%w: %s", ErrVaultArchived, r.TopicRef)
		}
	case TierSession:
		if r.SourceSessionID == "" {
			return fmt.Errorf("%w: session record without session id", ErrInvalidRecord)
		}
		r.TopicRef = ""
	default:
		r.TopicRef = ""
	}
	return nil
}

// Write appends a new record. Long-term writes are rejected with
// ErrDuplicate when a current record already has the same normalized
// content.
func (m *Manager) Write(ctx context.Context, r Record) (Record, error) {
	if strings.TrimSpace(r.Content) == "" {
		return Record{}, fmt.Errorf("%w: empty content", ErrInvalidRecord)
	}
	if r.Kind == "" {
		r.Kind = KindNote
	}
	key := namespaceKey(r.Tier, r.TopicRef, r.SourceSessionID)
	unlock := m.lock(key)
	defer unlock()

	snap := m.view.Load()
	if err := m.checkTarget(snap, &r); err != nil {
		return Record{}, err
	}
	r.Hash = ContentHash(r.Content)
	if r.Tier == TierLongTerm {
		if ns := snap.spaces[key]; ns != nil {
			if id, dup := ns.heads[r.Hash]; dup {
				return ns.records[id], ErrDuplicate
			}
		}
	}
	r.ID = ulid.Make().String()
	r.CreatedAt = time.Now().UTC()
	r.Supersedes, r.SupersededBy = "", ""
	if r.Importance == 0 || r.Pinned {
		r.Importance = m.policy.Score(r)
	}

	if err := m.persist(ctx, r); err != nil {
		return Record{}, err
	}
	m.commit(key, func(ns *namespace) *namespace {
		ns.add(r)
		return ns
	})
	m.logger.Debug("memory written",
		zap.String("id", r.ID),
		zap.String("tier", string(r.Tier)),
		zap.String("topic", r.TopicRef))
	return r, nil
}

func (m *Manager) persist(ctx context.Context, r Record) error {
	if !r.Tier.Durable() {
		return nil
	}
	rec := r
	if err := m.log.Append(ctx, Entry{ID: r.ID, Op: OpRecord, At: r.CreatedAt, Record: &rec}); err != nil {
		return fmt.Errorf("append memory log: %w", err)
	}
	return nil
}

// Get returns a record by id from any tier.
func (m *Manager) Get(id string) (Record, error) {
	for _, ns := range m.view.Load().spaces {
		if r, ok := ns.records[id]; ok {
			return r, nil
		}
	}
	return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Latest follows the supersede chain from id to its current head.
func (m *Manager) Latest(id string) (Record, error) {
	snap := m.view.Load()
	for _, ns := range snap.spaces {
		r, ok := ns.records[id]
		if !ok {
			continue
		}
		for !r.Head() {
			next, ok := ns.records[r.SupersededBy]
			if !ok {
				break
			}
			r = next
		}
		return r, nil
	}
	return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Edit supersedes record id with new content. It fails with
// ErrWriteConflict if id is no longer the head of its chain.
func (m *Manager) Edit(ctx context.Context, id, content string) (Record, error) {
	if strings.TrimSpace(content) == "" {
		return Record{}, fmt.Errorf("%w: empty content", ErrInvalidRecord)
	}
	prev, err := m.Get(id)
	if err != nil {
		return Record{}, err
	}
	key := namespaceKey(prev.Tier, prev.TopicRef, prev.SourceSessionID)
	unlock := m.lock(key)
	defer unlock()

	snap := m.view.Load()
	ns := snap.spaces[key]
	if ns == nil {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	prev, ok := ns.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !prev.Head() {
		return Record{}, fmt.Errorf("%w: %s superseded by %s", ErrWriteConflict, id, prev.SupersededBy)
	}
	if prev.Tier == TierTopic {
		if v := snap.vaults[prev.TopicRef]; v.Status != VaultActive {
			return Record{}, fmt.Errorf("%w: %s", ErrVaultArchived, prev.TopicRef)
		}
	}

	next := prev
	next.ID = ulid.Make().String()
	next.Content = content
	next.Hash = ContentHash(content)
	next.CreatedAt = time.Now().UTC()
	next.Supersedes = prev.ID
	next.SupersededBy = ""
	next.PromotedFrom = ""
	next.Importance = m.policy.Score(next)
	if next.Tier == TierLongTerm {
		if other, dup := ns.heads[next.Hash]; dup && other != prev.ID {
			return ns.records[other], ErrDuplicate
		}
	}

	if err := m.persist(ctx, next); err != nil {
		return Record{}, err
	}
	m.commit(key, func(ns *namespace) *namespace {
		ns.add(next)
		return ns
	})
	return next, nil
}

// EditLatest edits whatever record currently heads id's chain, retrying
// when a concurrent edit wins the race.
func (m *Manager) EditLatest(ctx context.Context, id, content string) (Record, error) {
	var err error
	for i := 0; i < editRetries; i++ {
		var head Record
		head, err = m.Latest(id)
		if err != nil {
			return Record{}, err
		}
		var r Record
		r, err = m.Edit(ctx, head.ID, content)
		if err == nil || !errors.Is(err, ErrWriteConflict) {
			return r, err
		}
	}
	return Record{}, err
}

// Read returns the records of exactly one tier in creation order.
func (m *Manager) Read(q Query) ([]Record, error) {
	if !q.Tier.valid() {
		return nil, ErrQuerySpansTiers
	}
	switch q.Tier {
	case TierTopic:
		if q.Topic == "" {
			return nil, fmt.Errorf("%w: topic query without topic", ErrInvalidTopic)
		}
	case TierSession:
		if q.SessionID == "" {
			return nil, fmt.Errorf("%w: session query without session id", ErrQuerySpansTiers)
		}
	}
	ns := m.view.Load().spaces[namespaceKey(q.Tier, q.Topic, q.SessionID)]
	if ns == nil {
		return nil, nil
	}
	var out []Record
	for _, id := range ns.order {
		r := ns.records[id]
		if !q.IncludeSuperseded && !r.Head() {
			continue
		}
		if q.Kind != "" && r.Kind != q.Kind {
			continue
		}
		if !q.Since.IsZero() && r.CreatedAt.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && !r.CreatedAt.Before(q.Until) {
			continue
		}
		out = append(out, r)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

// ClearSession drops every record of a session. Clearing an empty or
// unknown session is not an error.
func (m *Manager) ClearSession(id string) {
	key := namespaceKey(TierSession, "", id)
	unlock := m.lock(key)
	defer unlock()
	if _, ok := m.view.Load().spaces[key]; !ok {
		return
	}
	m.commit(key, func(*namespace) *namespace { return nil })
}

// Promote copies r into another tier. Promotion is always an explicit call;
// nothing moves between tiers on its own.
func (m *Manager) Promote(ctx context.Context, r Record, target Tier, topic string) (Record, error) {
	if target == r.Tier && (target != TierTopic || topic == r.TopicRef) {
		return Record{}, fmt.Errorf("%w: record %s already in %s", ErrInvalidRecord, r.ID, target)
	}
	return m.Write(ctx, Record{
		Tier:            target,
		TopicRef:        topic,
		Kind:            r.Kind,
		Content:         r.Content,
		Importance:      r.Importance,
		Pinned:          r.Pinned,
		SourceSessionID: r.SourceSessionID,
		PromotedFrom:    r.ID,
	})
}

// FindByHash returns the current long-term record with the same normalized
// content, if any.
func (m *Manager) FindByHash(content string) (Record, bool) {
	ns := m.view.Load().spaces[string(TierLongTerm)]
	if ns == nil {
		return Record{}, false
	}
	id, ok := ns.heads[ContentHash(content)]
	if !ok {
		return Record{}, false
	}
	return ns.records[id], true
}

// Purge physically removes a record and every version in its chain. This
// is the only deletion path and exists for explicit user requests.
func (m *Manager) Purge(ctx context.Context, id string) ([]string, error) {
	r, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	key := namespaceKey(r.Tier, r.TopicRef, r.SourceSessionID)
	unlock := m.lock(key)
	defer unlock()

	ns := m.view.Load().spaces[key]
	if ns == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	chain := map[string]bool{}
	for cur, ok := ns.records[id]; ok && !chain[cur.ID]; cur, ok = ns.records[cur.Supersedes] {
		chain[cur.ID] = true
	}
	for cur, ok := ns.records[id]; ok; cur, ok = ns.records[cur.SupersededBy] {
		chain[cur.ID] = true
		if cur.SupersededBy == "" {
			break
		}
	}
	ids := slices.Sorted(maps.Keys(chain))
	if r.Tier.Durable() {
		if err := m.log.Purge(ctx, ids); err != nil {
			return nil, fmt.Errorf("purge memory log: %w", err)
		}
	}
	m.commit(key, func(ns *namespace) *namespace {
		ns.remove(chain)
		return ns
	})
	m.logger.Info("memory purged", zap.Strings("ids", ids))
	return ids, nil
}

// CreateVault opens a new active topic vault named by title.
func (m *Manager) CreateVault(ctx context.Context, category, title string) (Vault, error) {
	slug := Slugify(title)
	if slug == "" {
		return Vault{}, fmt.Errorf("%w: empty title", ErrInvalidTopic)
	}
	unlock := m.lock(namespaceKey(TierTopic, slug, ""))
	defer unlock()

	if v, ok := m.view.Load().vaults[slug]; ok {
		return v, fmt.Errorf("%w: %s (%s)", ErrVaultExists, slug, v.Status)
	}
	if category == "" {
		category = "general"
	}
	now := time.Now().UTC()
	v := Vault{Slug: slug, Category: category, Title: title, Status: VaultActive, CreatedAt: now, UpdatedAt: now}
	if err := m.appendVault(ctx, v); err != nil {
		return Vault{}, err
	}
	m.commitVault(v)
	m.logger.Info("topic vault created", zap.String("slug", slug), zap.String("category", category))
	return v, nil
}

// ArchiveVault marks a vault archived. Its records stay readable; new
// writes are refused. Archiving twice is a no-op.
func (m *Manager) ArchiveVault(ctx context.Context, slug string) (Vault, error) {
	unlock := m.lock(namespaceKey(TierTopic, slug, ""))
	defer unlock()

	v, ok := m.view.Load().vaults[slug]
	if !ok {
		return Vault{}, fmt.Errorf("%w: no vault %q", ErrInvalidTopic, slug)
	}
	if v.Status == VaultArchived {
		return v, nil
	}
	v.Status = VaultArchived
	v.UpdatedAt = time.Now().UTC()
	if err := m.appendVault(ctx, v); err != nil {
		return Vault{}, err
	}
	m.commitVault(v)
	return v, nil
}

func (m *Manager) appendVault(ctx context.Context, v Vault) error {
	if err := m.log.Append(ctx, Entry{ID: ulid.Make().String(), Op: OpVault, At: v.UpdatedAt, Vault: &v}); err != nil {
		return fmt.Errorf("append memory log: %w", err)
	}
	return nil
}

// Vault looks up a vault by slug.
func (m *Manager) Vault(slug string) (Vault, bool) {
	v, ok := m.view.Load().vaults[slug]
	return v, ok
}

// ActiveVault reports whether slug names an active vault.
func (m *Manager) ActiveVault(slug string) bool {
	v, ok := m.Vault(slug)
	return ok && v.Status == VaultActive
}

// Vaults lists every vault sorted by slug.
func (m *Manager) Vaults() []Vault {
	vaults := m.view.Load().vaults
	out := make([]Vault, 0, len(vaults))
	for _, v := range vaults {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// Counts returns the number of current records per tier.
func (m *Manager) Counts() map[Tier]int {
	out := map[Tier]int{}
	for key, ns := range m.view.Load().spaces {
		tier := TierLongTerm
		switch {
		case strings.HasPrefix(key, "topic/"):
			tier = TierTopic
		case strings.HasPrefix(key, "session/"):
			tier = TierSession
		}
		for _, r := range ns.records {
			if r.Head() {
				out[tier]++
			}
		}
	}
	return out
}
