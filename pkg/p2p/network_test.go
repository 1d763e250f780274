package p2p

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"runtime"
	"testing"
	"time"

	"github.com/libp2p/go-msgio"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/uhyunpark/hypershard/pkg/consensus"
	"github.com/uhyunpark/hypershard/pkg/storage"
	"github.com/uhyunpark/hypershard/pkg/types"
)

func TestEnvelopeCodec(t *testing.T) {
	vote := &consensus.Vote{
		Epoch:       3,
		ShardGroup:  1,
		BlockID:     types.BlockID{7},
		BlockHeight: 12,
		Decision:    types.QuorumReject,
		Signer:      "v1-0",
		Signature:   bytes.Repeat([]byte{0xab}, 96),
	}
	frame, err := encodeMessage(vote)
	require.NoError(t, err)
	got, err := decodeMessage(frame)
	require.NoError(t, err)
	require.Equal(t, vote, got)

	_, err = decodeMessage([]byte("not snappy"))
	require.Error(t, err)
}

func TestOversizedFrameRejectedBeforeDecoding(t *testing.T) {
	// a six byte frame whose header claims almost 4 GiB
	bomb := append(binary.AppendUvarint(nil, 0xfffffff0), 0)
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	_, err := decodeMessage(bomb)
	runtime.ReadMemStats(&after)
	require.ErrorContains(t, err, "limit")
	require.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(1<<20))

	// the same frame arriving on a stream
	var buf bytes.Buffer
	require.NoError(t, msgio.NewVarintWriter(&buf).WriteMsg(bomb))
	_, err = newFrameReader(&buf).Read()
	require.ErrorContains(t, err, "limit")
}

func TestFramedStream(t *testing.T) {
	var buf bytes.Buffer
	w := newFrameWriter(&buf)
	require.NoError(t, w.Write(&consensus.SyncResponse{ShardGroup: 2}))
	require.NoError(t, w.Write(&consensus.SyncResponse{ShardGroup: 2, Done: true}))

	r := newFrameReader(&buf)
	first, err := r.Read()
	require.NoError(t, err)
	require.False(t, first.(*consensus.SyncResponse).Done)
	second, err := r.Read()
	require.NoError(t, err)
	require.True(t, second.(*consensus.SyncResponse).Done)
	_, err = r.Read()
	require.ErrorIs(t, err, io.EOF)
}

func TestIdentityFromSeedIsDeterministic(t *testing.T) {
	a, err := IdentityFromSeed("v0")
	require.NoError(t, err)
	b, err := IdentityFromSeed("v0")
	require.NoError(t, err)
	c, err := IdentityFromSeed("v1")
	require.NoError(t, err)
	require.True(t, a.Equals(b))
	require.False(t, a.Equals(c))
}

type recorder struct {
	got  chan delivered
	sync *consensus.SyncServer
}

type delivered struct {
	from types.NodeID
	msg  consensus.Message
}

func (r *recorder) Deliver(from types.NodeID, msg consensus.Message) error {
	select {
	case r.got <- delivered{from, msg}:
	default:
	}
	return nil
}

func (r *recorder) SyncServer() *consensus.SyncServer { return r.sync }

func committedStore(t *testing.T) (*storage.InMemoryStore, *types.Block) {
	st := storage.NewInMemoryStore()
	genesis := types.GenesisBlock(0, 0)
	b1 := (&types.Block{
		ParentID: genesis.ID, Height: 1, ShardGroup: 0, ProposedBy: "a", Justify: types.GenesisQC(genesis),
	}).Seal()
	require.NoError(t, st.PutBlock(genesis))
	require.NoError(t, st.PutBlock(b1))
	require.NoError(t, st.CommitBlock(&types.CommitRecord{BlockID: genesis.ID}))
	require.NoError(t, st.CommitBlock(&types.CommitRecord{BlockID: b1.ID, Height: 1}))
	require.NoError(t, st.PutSafetyState(&types.SafetyState{
		HighQC: &types.QuorumCertificate{BlockID: b1.ID, BlockHeight: 1, Decision: types.QuorumAccept},
	}))
	return st, b1
}

func startPair(t *testing.T) (*Network, *Network, *recorder, *recorder, *types.Block) {
	ctx, cancel := context.WithCancel(context.Background())
	log := zaptest.NewLogger(t).Sugar()

	newNet := func(seed string) *Network {
		sk, err := IdentityFromSeed(seed)
		require.NoError(t, err)
		n, err := New(ctx, Config{ListenAddr: "/ip4/127.0.0.1/tcp/0", Identity: sk, Logger: log.Named(seed)})
		require.NoError(t, err)
		return n
	}
	a, b := newNet("a"), newNet("b")
	require.NoError(t, a.AddPeer("b", b.Addrs()[0]))
	require.NoError(t, b.AddPeer("a", a.Addrs()[0]))

	st, b1 := committedStore(t)
	ra := &recorder{got: make(chan delivered, 16), sync: &consensus.SyncServer{Store: storage.NewInMemoryStore()}}
	rb := &recorder{got: make(chan delivered, 16), sync: &consensus.SyncServer{Store: st, BatchSize: 1}}

	done := make(chan error, 2)
	go func() { done <- a.Run(ctx, ra) }()
	go func() { done <- b.Run(ctx, rb) }()
	t.Cleanup(func() {
		cancel()
		for i := 0; i < 2; i++ {
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Error("network did not stop")
			}
		}
	})
	return a, b, ra, rb, b1
}

func TestSendAndBroadcast(t *testing.T) {
	a, _, _, rb, _ := startPair(t)
	ctx := context.Background()

	vote := &consensus.Vote{BlockHeight: 4, Signer: "a"}
	require.Eventually(t, func() bool {
		if err := a.Send(ctx, "b", vote); err != nil {
			return false
		}
		select {
		case d := <-rb.got:
			return d.from == "a" && d.msg.(*consensus.Vote).BlockHeight == 4
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 50*time.Millisecond)

	nv := &consensus.NewView{NewHeight: 9}
	require.Eventually(t, func() bool {
		_ = a.Broadcast(ctx, 0, nv)
		for {
			select {
			case d := <-rb.got:
				if m, ok := d.msg.(*consensus.NewView); ok && m.NewHeight == 9 {
					return d.from == "a"
				}
			case <-time.After(200 * time.Millisecond):
				return false
			}
		}
	}, 15*time.Second, 100*time.Millisecond)

	require.ErrorIs(t, a.Send(ctx, "nobody", vote), ErrUnknownPeer)
}

func TestSyncStreamsUntilDone(t *testing.T) {
	a, _, _, _, b1 := startPair(t)

	var chunks []*consensus.SyncResponse
	require.Eventually(t, func() bool {
		chunks = nil
		err := a.Sync(context.Background(), "b", &consensus.SyncRequest{}, func(r *consensus.SyncResponse) error {
			chunks = append(chunks, r)
			return nil
		})
		return err == nil
	}, 10*time.Second, 100*time.Millisecond)

	require.NotEmpty(t, chunks)
	require.True(t, chunks[len(chunks)-1].Done)
	var ids []types.BlockID
	for _, c := range chunks {
		for _, fb := range c.Blocks {
			ids = append(ids, fb.Block.ID)
		}
	}
	require.Equal(t, []types.BlockID{b1.ID}, ids)
}

func TestSyncCancelled(t *testing.T) {
	a, _, _, _, _ := startPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := a.Sync(ctx, "b", &consensus.SyncRequest{}, func(*consensus.SyncResponse) error { return nil })
	require.Error(t, err)
}
