package consensus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ReneKroon/ttlcache/v2"
	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/hypershard/pkg/crypto"
	"github.com/uhyunpark/hypershard/pkg/mempool"
	"github.com/uhyunpark/hypershard/pkg/storage"
	"github.com/uhyunpark/hypershard/pkg/types"
	"github.com/uhyunpark/hypershard/pkg/util"
)

// Transport moves consensus messages between nodes. Implementations must
// be safe for concurrent use.
type Transport interface {
	Send(ctx context.Context, to types.NodeID, msg Message) error
	Broadcast(ctx context.Context, group types.ShardGroup, msg Message) error
	// Sync streams a peer's blocks to onChunk until the stream ends, ctx is
	// cancelled or onChunk returns an error.
	Sync(ctx context.Context, to types.NodeID, req *SyncRequest, onChunk func(*SyncResponse) error) error
}

type Config struct {
	Self       types.NodeID
	ShardGroup types.ShardGroup
	Signer     *crypto.BLSSigner
	Epochs     EpochManager
	Store      storage.Store
	Mempool    *mempool.Mempool
	Transport  Transport
	Leader     LeaderStrategy
	Clock      util.Clock
	Timers     PacemakerTimers

	MaxBlockCommands   int
	BlacklistThreshold int
	SyncBatchSize      int
	MissingTxTTL       time.Duration
	ForeignCapacity    int
	InboxSize          int

	Metrics  *Metrics
	Logger   *zap.SugaredLogger
	EventLog storage.EventLog
	// OnBlockCommit runs on the engine goroutine after a block is durable.
	OnBlockCommit func(b *types.Block, qc *types.QuorumCertificate)
}

func (c *Config) setDefaults() {
	if c.Leader == nil {
		c.Leader = RoundRobinLeader{}
	}
	if c.Clock == nil {
		c.Clock = util.RealClock{}
	}
	if c.Timers.ProposalTimeout == 0 {
		c.Timers.ProposalTimeout = 2 * time.Second
	}
	if c.MaxBlockCommands <= 0 {
		c.MaxBlockCommands = 256
	}
	if c.BlacklistThreshold <= 0 {
		c.BlacklistThreshold = 5
	}
	if c.SyncBatchSize <= 0 {
		c.SyncBatchSize = 32
	}
	if c.MissingTxTTL <= 0 {
		c.MissingTxTTL = 10 * time.Second
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 1024
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil, c.ShardGroup.String())
	}
	if c.EventLog == nil {
		c.EventLog = storage.NewNopWAL()
	}
	c.Logger = util.OrNop(c.Logger)
}

type inboxItem struct {
	from types.NodeID
	msg  Message
	// internal events carry no sender
	event any
}

type outboxItem struct {
	to    types.NodeID
	group *types.ShardGroup
	msg   Message
}

type localTx struct {
	tx       *types.Transaction
	decision types.Decision
}

type parkedBlock struct {
	block *types.Block
	from  types.NodeID
	vote  bool
}

// Status is a snapshot of the engine's progress, safe to read from any
// goroutine.
type Status struct {
	ShardGroup      types.ShardGroup
	Epoch           types.Epoch
	LeafHeight      types.Height
	CommittedHeight types.Height
	CommittedID     types.BlockID
	HighQCHeight    types.Height
	Pacemaker       string
	Halted          bool
}

type engineStatus struct {
	epoch     atomic.Uint64
	leaf      atomic.Uint64
	committed atomic.Uint64
	highQC    atomic.Uint64
	pacemaker atomic.String
	halted    atomic.Bool
	mu        sync.RWMutex
	lastID    types.BlockID
}

// Engine runs the consensus of one shard group on one node. All state is
// owned by the goroutine started by Run; other goroutines talk to it
// through Deliver and SubmitTransaction.
type Engine struct {
	cfg     Config
	log     *zap.SugaredLogger
	metrics *Metrics
	store   storage.Store
	layout  types.ShardLayout
	group   types.ShardGroup
	self    types.NodeID

	genesis         *types.Block
	epoch           types.Epoch
	committees      *committeeCache
	safety          *Safety
	pm              *Pacemaker
	votes           *VoteAggregator
	lastVote        *Vote
	newViews        map[types.Height]map[types.NodeID]*NewView
	proposed        map[types.Height]types.BlockID
	lastProposed    types.Height
	committedID     types.BlockID
	committedHeight types.Height

	pool    map[types.TransactionID]*types.PoolRecord
	diffs   map[types.BlockID]*blockDiff
	foreign *foreignBuffer
	// applied holds mined foreign proposals until their transactions retire.
	applied  map[types.ForeignProposalRef]*types.ForeignProposal
	parked   map[types.BlockID]*parkedBlock
	requests *ttlcache.Cache
	nextReq  uint64
	verified *lru.Cache[types.Hash, struct{}]

	strikes   map[types.NodeID]int
	blacklist map[types.NodeID]struct{}

	sync    *syncSession
	syncSeq uint64

	inbox  chan inboxItem
	outbox chan outboxItem
	local  []inboxItem
	runCtx context.Context
	wg     sync.WaitGroup
	halted error
	status engineStatus
}

func NewEngine(cfg Config) (*Engine, error) {
	cfg.setDefaults()
	if cfg.Signer == nil || cfg.Epochs == nil || cfg.Store == nil || cfg.Mempool == nil || cfg.Transport == nil {
		return nil, errors.New("consensus: signer, epochs, store, mempool and transport are required")
	}
	verified, err := lru.New[types.Hash, struct{}](4096)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:        cfg,
		log:        cfg.Logger.With("node", cfg.Self, "group", cfg.ShardGroup.String()),
		metrics:    cfg.Metrics,
		store:      cfg.Store,
		layout:     cfg.Epochs.ShardLayout(),
		group:      cfg.ShardGroup,
		self:       cfg.Self,
		genesis:    types.GenesisBlock(0, cfg.ShardGroup),
		committees: newCommitteeCache(cfg.Epochs, 64),
		votes:      NewVoteAggregator(),
		newViews:   make(map[types.Height]map[types.NodeID]*NewView),
		proposed:   make(map[types.Height]types.BlockID),
		pool:       make(map[types.TransactionID]*types.PoolRecord),
		applied:    make(map[types.ForeignProposalRef]*types.ForeignProposal),
		diffs:      make(map[types.BlockID]*blockDiff),
		parked:     make(map[types.BlockID]*parkedBlock),
		verified:   verified,
		strikes:    make(map[types.NodeID]int),
		blacklist:  make(map[types.NodeID]struct{}),
		inbox:      make(chan inboxItem, cfg.InboxSize),
		outbox:     make(chan outboxItem, cfg.InboxSize),
	}
	e.foreign = newForeignBuffer(cfg.ForeignCapacity, e.onForeignEvicted)
	e.pm = NewPacemaker(cfg.Timers, cfg.Clock, 1)
	return e, nil
}

// Run restores persisted state and drives the engine until ctx ends or a
// storage failure halts it.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.restore(); err != nil {
		return err
	}
	e.requests = ttlcache.NewCache()
	defer func() {
		if err := e.requests.Close(); err != nil {
			e.log.Warnw("request_cache_close", "err", err)
		}
	}()
	if err := e.requests.SetTTL(e.cfg.MissingTxTTL); err != nil {
		return errors.WithStack(err)
	}

	g, gctx := errgroup.WithContext(ctx)
	e.runCtx = gctx
	g.Go(func() error { return e.sendLoop(gctx) })
	g.Go(func() error {
		defer e.wg.Wait()
		defer e.cancelSync()
		defer e.pm.Disarm()
		return e.loop(gctx)
	})
	e.log.Infow("engine_started", "epoch", e.epoch, "committed_height", e.committedHeight, "next_height", e.pm.Height())
	err := g.Wait()
	e.log.Infow("engine_stopped", "err", err)
	return err
}

func (e *Engine) loop(ctx context.Context) error {
	e.afterEvent(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case it := <-e.inbox:
			e.handle(ctx, it)
		case <-e.pm.C():
			e.onTimeout(ctx)
		}
		for len(e.local) > 0 && e.halted == nil {
			it := e.local[0]
			e.local = e.local[1:]
			e.handle(ctx, it)
		}
		if e.halted != nil {
			e.status.halted.Store(true)
			return e.halted
		}
		e.afterEvent(ctx)
	}
}

// afterEvent lets a ready leader propose and keeps the view timer in step
// with the outstanding work.
func (e *Engine) afterEvent(ctx context.Context) {
	if e.halted != nil {
		return
	}
	e.tryPropose(ctx)
	e.syncTimer()
	e.publishStatus()
}

func (e *Engine) handle(ctx context.Context, it inboxItem) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorw("handler_panic", "from", it.from, "panic", r, "stack", string(debug.Stack()))
			e.handleError(it.from, malformed("handler panic: %v", r))
		}
	}()
	if it.event != nil {
		e.handleError("", e.handleEvent(ctx, it.event))
		return
	}
	if _, banned := e.blacklist[it.from]; banned {
		e.metrics.Dropped.WithLabelValues("blacklisted").Inc()
		return
	}
	var err error
	switch m := it.msg.(type) {
	case *Proposal:
		err = e.onProposal(ctx, it.from, m)
	case *Vote:
		err = e.onVote(ctx, it.from, m)
	case *NewView:
		err = e.onNewView(ctx, it.from, m)
	case *NewTransaction:
		err = e.onNewTransaction(m)
	case *MissingTransactionsRequest:
		err = e.onMissingRequest(ctx, it.from, m)
	case *MissingTransactionsResponse:
		err = e.onMissingResponse(ctx, it.from, m)
	case *ForeignProposalMessage:
		err = e.onForeignProposal(ctx, it.from, m)
	default:
		err = malformed("unexpected %s message", MessageName(it.msg))
	}
	if err != nil {
		err = errors.WithDetailf(err, "%s from %s", MessageName(it.msg), it.from)
	}
	e.handleError(it.from, err)
}

func (e *Engine) handleEvent(ctx context.Context, ev any) error {
	switch ev := ev.(type) {
	case localTx:
		e.gossipTransaction(ctx, ev.tx, ev.decision)
		return nil
	case syncChunk:
		return e.onSyncChunk(ctx, ev)
	case syncDone:
		e.onSyncDone(ev)
		return nil
	default:
		return errors.Newf("unknown event %T", ev)
	}
}

// handleError applies the per-class policy: faults by a peer count towards
// blacklisting, storage failures halt the instance, the rest is logged.
func (e *Engine) handleError(from types.NodeID, err error) {
	class := ClassOf(err)
	switch class {
	case ClassNone:
		return
	case ClassStorage:
		e.log.Errorw("storage_failure", "err", err)
		e.halted = errors.Mark(errors.Wrap(err, "engine halted"), ErrHalted)
		return
	case ClassMalformed, ClassSafety:
		e.log.Warnw("peer_fault", "from", from, "class", class.String(), "err", err)
		e.strike(from)
	case ClassStale:
		e.log.Debugw("stale_message", "from", from, "err", err)
	case ClassPledgeConflict, ClassQuorumUnreachable:
		e.log.Debugw("deferred", "class", class.String(), "err", err)
	default:
		e.log.Warnw("handler_error", "from", from, "err", fmt.Sprintf("%+v", err))
	}
	e.metrics.Dropped.WithLabelValues(class.String()).Inc()
}

func (e *Engine) strike(from types.NodeID) {
	if from == "" || from == e.self {
		return
	}
	e.strikes[from]++
	if e.strikes[from] >= e.cfg.BlacklistThreshold {
		if _, already := e.blacklist[from]; !already {
			e.blacklist[from] = struct{}{}
			e.metrics.Blacklisted.Inc()
			e.log.Warnw("peer_blacklisted", "peer", from, "strikes", e.strikes[from])
		}
	}
}

// Deliver hands an inbound message to the engine without blocking.
func (e *Engine) Deliver(from types.NodeID, msg Message) error {
	select {
	case e.inbox <- inboxItem{from: from, msg: msg}:
		return nil
	default:
		e.metrics.Dropped.WithLabelValues("inbox_full").Inc()
		return ErrInboxFull
	}
}

// SubmitTransaction admits a locally submitted transaction and gossips it
// to every shard group it touches.
func (e *Engine) SubmitTransaction(tx *types.Transaction, decision types.Decision) (types.TransactionID, error) {
	if _, err := e.cfg.Mempool.Add(tx, decision); err != nil {
		return types.TransactionID{}, err
	}
	select {
	case e.inbox <- inboxItem{event: localTx{tx: tx, decision: decision}}:
	default:
		e.metrics.Dropped.WithLabelValues("inbox_full").Inc()
	}
	return tx.ID(), nil
}

// enqueue is used by helper goroutines owned by the engine.
func (e *Engine) enqueue(ctx context.Context, ev any) error {
	select {
	case e.inbox <- inboxItem{event: ev}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) deliverLocal(msg Message) {
	e.local = append(e.local, inboxItem{from: e.self, msg: msg})
}

func (e *Engine) send(to types.NodeID, msg Message) {
	if to == e.self {
		e.deliverLocal(msg)
		return
	}
	e.push(outboxItem{to: to, msg: msg})
}

func (e *Engine) broadcast(group types.ShardGroup, msg Message) {
	g := group
	e.push(outboxItem{group: &g, msg: msg})
}

func (e *Engine) push(it outboxItem) {
	select {
	case e.outbox <- it:
	default:
		e.log.Warnw("outbox_full", "msg", MessageName(it.msg))
		e.metrics.Dropped.WithLabelValues("outbox_full").Inc()
	}
}

func (e *Engine) sendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case it := <-e.outbox:
			var err error
			if it.group != nil {
				err = e.cfg.Transport.Broadcast(ctx, *it.group, it.msg)
			} else {
				err = e.cfg.Transport.Send(ctx, it.to, it.msg)
			}
			if err != nil && ctx.Err() == nil {
				e.log.Debugw("send_failed", "to", it.to, "msg", MessageName(it.msg), "err", err)
			}
		}
	}
}

// SyncServer serves this node's chain to syncing peers.
func (e *Engine) SyncServer() *SyncServer {
	return &SyncServer{Store: e.store, Group: e.group, BatchSize: e.cfg.SyncBatchSize, Logger: e.log}
}

func (e *Engine) Status() Status {
	e.status.mu.RLock()
	id := e.status.lastID
	e.status.mu.RUnlock()
	return Status{
		ShardGroup:      e.group,
		Epoch:           types.Epoch(e.status.epoch.Load()),
		LeafHeight:      types.Height(e.status.leaf.Load()),
		CommittedHeight: types.Height(e.status.committed.Load()),
		CommittedID:     id,
		HighQCHeight:    types.Height(e.status.highQC.Load()),
		Pacemaker:       e.status.pacemaker.Load(),
		Halted:          e.status.halted.Load(),
	}
}

func (e *Engine) publishStatus() {
	_, leaf := e.safety.Leaf()
	e.status.epoch.Store(uint64(e.epoch))
	e.status.leaf.Store(uint64(leaf))
	e.status.committed.Store(uint64(e.committedHeight))
	e.status.highQC.Store(uint64(e.safety.HighQC().BlockHeight))
	e.status.pacemaker.Store(e.pm.State().String())
	e.status.mu.Lock()
	e.status.lastID = e.committedID
	e.status.mu.Unlock()
	e.metrics.LeafHeight.Set(float64(leaf))
	e.metrics.CommittedHeight.Set(float64(e.committedHeight))
	e.metrics.Epoch.Set(float64(e.epoch))
	e.metrics.ParkedBlocks.Set(float64(len(e.parked)))
}

// restore loads the persisted safety state, or writes genesis on first
// start.
func (e *Engine) restore() error {
	st, err := e.store.GetSafetyState()
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if err := e.store.PutBlock(e.genesis); err != nil {
			return storageFailure(err, "put genesis")
		}
		if err := e.store.CommitBlock(&types.CommitRecord{BlockID: e.genesis.ID}); err != nil {
			return storageFailure(err, "commit genesis")
		}
		st = &types.SafetyState{
			HighQC:   types.GenesisQC(e.genesis),
			LockedID: e.genesis.ID,
			LeafID:   e.genesis.ID,
			Epoch:    e.cfg.Epochs.CurrentEpoch(),
		}
		if err := e.store.PutSafetyState(st); err != nil {
			return storageFailure(err, "put safety state")
		}
	case err != nil:
		return storageFailure(err, "get safety state")
	}
	e.safety = NewSafety(*st)
	e.epoch = st.Epoch

	id, h, err := e.store.LastCommitted()
	if err != nil {
		return storageFailure(err, "last committed")
	}
	e.committedID, e.committedHeight = id, h

	recs, err := e.store.PoolRecords()
	if err != nil {
		return storageFailure(err, "pool records")
	}
	for i := range recs {
		r := recs[i]
		e.pool[r.ID] = &r
	}
	fps, err := e.store.ForeignProposals()
	if err != nil {
		return storageFailure(err, "foreign proposals")
	}
	for _, fp := range fps {
		switch fp.State {
		case types.ForeignNew, types.ForeignProposed:
			e.foreign.add(fp)
		case types.ForeignMined:
			e.foreign.rememberMined(fp.Ref())
			e.applied[fp.Ref()] = fp
		}
	}
	if err := e.retireForeign(); err != nil {
		return err
	}
	_, leaf := e.safety.Leaf()
	e.pm = NewPacemaker(e.cfg.Timers, e.cfg.Clock, leaf+1)
	e.lastProposed = st.LastVotedHeight
	e.publishStatus()
	return nil
}

func (e *Engine) persistSafety() error {
	st := e.safety.State()
	return storageFailure(e.store.PutSafetyState(&st), "put safety state")
}

func (e *Engine) committee(epoch types.Epoch, group types.ShardGroup) (*committeeInfo, error) {
	c, err := e.committees.get(epoch, group)
	if err != nil {
		return nil, stale("no committee for %s in epoch %d: %v", group, epoch, err)
	}
	return c, nil
}

func (e *Engine) leaderFor(height types.Height) (types.NodeID, error) {
	c, err := e.committee(e.epoch, e.group)
	if err != nil {
		return "", err
	}
	return e.cfg.Leader.LeaderFor(c.Committee, height), nil
}

// transaction finds a transaction body in the mempool or the store.
func (e *Engine) transaction(id types.TransactionID) (*types.Transaction, error) {
	if tx, ok := e.cfg.Mempool.Get(id); ok {
		return tx, nil
	}
	tx, err := e.store.GetTransaction(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errors.Wrapf(err, "transaction %s", id.Short())
		}
		return nil, storageFailure(err, "get transaction")
	}
	return tx, nil
}

// retireForeign marks applied foreign proposals Deleted once none of
// their transactions is left in the pool.
func (e *Engine) retireForeign() error {
	for ref, fp := range e.applied {
		open := false
		for _, id := range fp.TransactionIDs {
			if _, ok := e.pool[id]; ok {
				open = true
				break
			}
		}
		if open {
			continue
		}
		fp.State = types.ForeignDeleted
		if err := e.store.PutForeignProposal(fp); err != nil {
			return storageFailure(err, "put foreign proposal")
		}
		delete(e.applied, ref)
		e.log.Debugw("foreign_retired", "group", ref.ShardGroup.String(), "block", ref.BlockID.Short())
	}
	return nil
}

func (e *Engine) onForeignEvicted(fp *types.ForeignProposal) {
	if fp.State == types.ForeignMined {
		return
	}
	fp.State = types.ForeignDeleted
	e.log.Warnw("foreign_evicted", "group", fp.Block.ShardGroup.String(), "block", fp.Block.ID.Short())
	if err := e.store.PutForeignProposal(fp); err != nil {
		e.handleError("", storageFailure(err, "put foreign proposal"))
	}
}
