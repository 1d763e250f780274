package consensus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/uhyunpark/hypershard/pkg/crypto"
	"github.com/uhyunpark/hypershard/pkg/epoch"
	"github.com/uhyunpark/hypershard/pkg/mempool"
	"github.com/uhyunpark/hypershard/pkg/storage"
	"github.com/uhyunpark/hypershard/pkg/types"
)

// memNetwork delivers messages between engines in process. Nodes can be
// cut off to simulate crashes.
type memNetwork struct {
	mu      sync.RWMutex
	engines map[types.NodeID]*Engine
	groups  map[types.ShardGroup][]types.NodeID
	down    map[types.NodeID]bool
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		engines: make(map[types.NodeID]*Engine),
		groups:  make(map[types.ShardGroup][]types.NodeID),
		down:    make(map[types.NodeID]bool),
	}
}

func (n *memNetwork) setDown(id types.NodeID, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[id] = down
}

func (n *memNetwork) deliver(from, to types.NodeID, msg Message) {
	n.mu.RLock()
	e, ok := n.engines[to]
	cut := n.down[from] || n.down[to]
	n.mu.RUnlock()
	if ok && !cut {
		_ = e.Deliver(from, msg)
	}
}

type memTransport struct {
	net  *memNetwork
	self types.NodeID
}

// requireIs matches err against target with cockroachdb/errors, which also
// follows marks.
func requireIs(t *testing.T, err, target error) {
	t.Helper()
	require.Truef(t, errors.Is(err, target), "%v is not %v", err, target)
}

func (t *memTransport) Send(_ context.Context, to types.NodeID, msg Message) error {
	t.net.deliver(t.self, to, msg)
	return nil
}

func (t *memTransport) Broadcast(_ context.Context, group types.ShardGroup, msg Message) error {
	t.net.mu.RLock()
	members := append([]types.NodeID(nil), t.net.groups[group]...)
	t.net.mu.RUnlock()
	for _, id := range members {
		if id != t.self {
			t.net.deliver(t.self, id, msg)
		}
	}
	return nil
}

func (t *memTransport) Sync(ctx context.Context, to types.NodeID, req *SyncRequest, onChunk func(*SyncResponse) error) error {
	t.net.mu.RLock()
	e, ok := t.net.engines[to]
	cut := t.net.down[to] || t.net.down[t.self]
	t.net.mu.RUnlock()
	if !ok || cut {
		return fmt.Errorf("peer %s unreachable", to)
	}
	return e.SyncServer().Serve(ctx, req, onChunk)
}

type testNode struct {
	id      types.NodeID
	group   types.ShardGroup
	engine  *Engine
	store   storage.Store
	mempool *mempool.Mempool
	cancel  context.CancelFunc
	done    chan error
}

type cluster struct {
	t      *testing.T
	net    *memNetwork
	epochs *epoch.StaticManager
	layout types.ShardLayout
	nodes  map[types.NodeID]*testNode
	order  []types.NodeID
	timers PacemakerTimers
}

type clusterOption func(*clusterConfig)

type clusterConfig struct {
	epochs int
	timers PacemakerTimers
}

func withEpochs(n int) clusterOption { return func(c *clusterConfig) { c.epochs = n } }

func withTimers(ti PacemakerTimers) clusterOption { return func(c *clusterConfig) { c.timers = ti } }

func memberID(g, i int) types.NodeID { return types.NodeID(fmt.Sprintf("v%d-%d", g, i)) }

// newCluster builds one engine per member; sizes[g] is the committee size
// of shard group g. Engines are created but not started.
func newCluster(t *testing.T, sizes []int, opts ...clusterOption) *cluster {
	t.Helper()
	cfg := clusterConfig{epochs: 1, timers: PacemakerTimers{ProposalTimeout: 300 * time.Millisecond, Delta: 50 * time.Millisecond}}
	for _, o := range opts {
		o(&cfg)
	}
	layout := types.ShardLayout{NumGroups: uint32(len(sizes))}
	signers := make(map[types.NodeID]*crypto.BLSSigner)
	committees := make(map[types.ShardGroup][]types.Member)
	net := newMemNetwork()
	var order []types.NodeID
	for g, n := range sizes {
		for i := 0; i < n; i++ {
			id := memberID(g, i)
			s, err := crypto.NewBLSSignerFromSeed([]byte(id))
			require.NoError(t, err)
			signers[id] = s
			committees[types.ShardGroup(g)] = append(committees[types.ShardGroup(g)], types.Member{ID: id, PublicKey: s.PubkeyBytes(), Stake: 1})
			net.groups[types.ShardGroup(g)] = append(net.groups[types.ShardGroup(g)], id)
			order = append(order, id)
		}
	}
	var cps []epoch.Checkpoint
	for ep := 1; ep <= cfg.epochs; ep++ {
		cps = append(cps, epoch.Checkpoint{Epoch: types.Epoch(ep), BaseLayerHeight: uint64(ep * 100), Committees: committees})
	}
	mgr, err := epoch.NewStaticManager(layout, cps)
	require.NoError(t, err)

	c := &cluster{t: t, net: net, epochs: mgr, layout: layout, nodes: make(map[types.NodeID]*testNode), order: order, timers: cfg.timers}
	for _, id := range order {
		g, _ := mgr.GroupOf(1, id)
		c.nodes[id] = c.newNode(id, g, signers[id], storage.NewInMemoryStore())
	}
	return c
}

func (c *cluster) newNode(id types.NodeID, g types.ShardGroup, signer *crypto.BLSSigner, store storage.Store) *testNode {
	mp := mempool.New(c.layout, g, 0)
	e, err := NewEngine(Config{
		Self:       id,
		ShardGroup: g,
		Signer:     signer,
		Epochs:     c.epochs,
		Store:      store,
		Mempool:    mp,
		Transport:  &memTransport{net: c.net, self: id},
		Timers:     c.timers,
		Logger:     zaptest.NewLogger(c.t).Sugar().Named(string(id)),
	})
	require.NoError(c.t, err)
	c.net.mu.Lock()
	c.net.engines[id] = e
	c.net.mu.Unlock()
	return &testNode{id: id, group: g, engine: e, store: store, mempool: mp}
}

func (c *cluster) start(ids ...types.NodeID) {
	if len(ids) == 0 {
		ids = c.order
	}
	for _, id := range ids {
		n := c.nodes[id]
		ctx, cancel := context.WithCancel(context.Background())
		n.cancel = cancel
		n.done = make(chan error, 1)
		go func(n *testNode) { n.done <- n.engine.Run(ctx) }(n)
	}
}

func (c *cluster) stop(id types.NodeID) error {
	n := c.nodes[id]
	if n.cancel == nil {
		return nil
	}
	n.cancel()
	n.cancel = nil
	select {
	case err := <-n.done:
		return err
	case <-time.After(5 * time.Second):
		c.t.Fatalf("engine %s did not stop", id)
		return nil
	}
}

func (c *cluster) stopAll() {
	for _, id := range c.order {
		err := c.stop(id)
		if err != nil {
			require.ErrorIs(c.t, err, context.Canceled)
		}
	}
}

func (c *cluster) group(g types.ShardGroup) []*testNode {
	var out []*testNode
	for _, id := range c.order {
		if c.nodes[id].group == g {
			out = append(out, c.nodes[id])
		}
	}
	return out
}

// seedUp writes an Up substate into every in-memory store of group g.
func (c *cluster) seedUp(g types.ShardGroup, addr types.SubstateAddress) {
	for _, n := range c.group(g) {
		s, ok := n.store.(*storage.InMemoryStore)
		require.True(c.t, ok)
		s.Apply([]types.SubstateWrite{{Address: addr, State: types.UpState(addr, types.TransactionID{}, []byte("genesis"))}}, nil)
	}
}

// admit places tx in the mempool of every node of every involved group.
func (c *cluster) admit(tx *types.Transaction) {
	for _, g := range tx.InvolvedGroups(c.layout) {
		for _, n := range c.group(g) {
			_, err := n.mempool.Add(tx, types.DecisionCommit)
			require.NoError(c.t, err)
		}
	}
}

func (c *cluster) substate(n *testNode, addr types.SubstateAddress) types.SubstateState {
	st, err := n.store.GetSubstate(addr)
	require.NoError(c.t, err)
	return st
}

// waitSettled waits until every listed node has dropped tx from its
// mempool, which happens when the transaction's final command commits.
func (c *cluster) waitSettled(tx *types.Transaction, nodes []*testNode) {
	c.t.Helper()
	id := tx.ID()
	require.Eventually(c.t, func() bool {
		for _, n := range nodes {
			if _, held := n.mempool.Get(id); held {
				return false
			}
		}
		return true
	}, 15*time.Second, 20*time.Millisecond, "transaction %s never settled", id.Short())
}

func outputTx(layout types.ShardLayout, g types.ShardGroup, seed string, fee uint64) (*types.Transaction, types.SubstateAddress) {
	addr := layout.AddressInGroup(g, []byte(seed))
	return &types.Transaction{Outputs: []types.Output{{Address: addr, Data: []byte(seed)}}, Fee: fee, Payload: []byte(seed)}, addr
}
