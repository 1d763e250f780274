package p2p

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/hypershard/pkg/consensus"
	"github.com/uhyunpark/hypershard/pkg/types"
	"github.com/uhyunpark/hypershard/pkg/util"
)

const (
	protocolMsg  = protocol.ID("/hypershard/msg/1.0.0")
	protocolSync = protocol.ID("/hypershard/sync/1.0.0")

	ioTimeout = 5 * time.Second
)

var ErrUnknownPeer = errors.New("unknown peer")

func topicName(g types.ShardGroup) string { return fmt.Sprintf("hypershard/%s", g) }

// Handler receives inbound traffic. *consensus.Engine satisfies it.
type Handler interface {
	Deliver(from types.NodeID, msg consensus.Message) error
	SyncServer() *consensus.SyncServer
}

type Config struct {
	ListenAddr string
	Bootstrap  []string
	// Identity is the host key. Committee addresses carry the matching
	// peer ID, see IdentityFromSeed.
	Identity   p2pcrypto.PrivKey
	ShardGroup types.ShardGroup
	Logger     *zap.SugaredLogger
}

// Network implements consensus.Transport over libp2p. Broadcasts go to a
// gossipsub topic per shard group; unicast and sync use streams.
type Network struct {
	h     host.Host
	ps    *pubsub.PubSub
	log   *zap.SugaredLogger
	group types.ShardGroup
	boot  []string

	mu     sync.RWMutex
	peers  map[types.NodeID]peer.ID
	nodes  map[peer.ID]types.NodeID
	topics map[types.ShardGroup]*pubsub.Topic
}

var _ consensus.Transport = (*Network)(nil)

// IdentityFromSeed derives a deterministic ed25519 host key. Dev networks
// use it so committee files can list peer IDs up front.
func IdentityFromSeed(seed string) (p2pcrypto.PrivKey, error) {
	sum := sha256.Sum256([]byte("hypershard/p2p/" + seed))
	sk, _, err := p2pcrypto.GenerateEd25519Key(bytes.NewReader(sum[:]))
	return sk, errors.Wrap(err, "derive host key")
}

func New(ctx context.Context, cfg Config) (*Network, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, errors.Wrapf(err, "listen addr %q", cfg.ListenAddr)
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	if cfg.Identity != nil {
		opts = append(opts, libp2p.Identity(cfg.Identity))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "libp2p host")
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, errors.Wrap(err, "gossipsub")
	}
	return &Network{
		h:      h,
		ps:     ps,
		log:    util.OrNop(cfg.Logger),
		group:  cfg.ShardGroup,
		boot:   cfg.Bootstrap,
		peers:  make(map[types.NodeID]peer.ID),
		nodes:  make(map[peer.ID]types.NodeID),
		topics: make(map[types.ShardGroup]*pubsub.Topic),
	}, nil
}

func (n *Network) ID() peer.ID { return n.h.ID() }

// Addrs returns the host's dialable addresses including the /p2p component.
func (n *Network) Addrs() []string {
	out := make([]string, 0, len(n.h.Addrs()))
	for _, a := range n.h.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, n.h.ID()))
	}
	return out
}

// AddPeer binds a validator ID to the peer in addr, which must carry a
// /p2p component.
func (n *Network) AddPeer(id types.NodeID, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return errors.Wrapf(err, "peer %s addr %q", id, addr)
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return errors.Wrapf(err, "peer %s addr %q", id, addr)
	}
	n.h.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)
	n.mu.Lock()
	n.peers[id] = info.ID
	n.nodes[info.ID] = id
	n.mu.Unlock()
	return nil
}

// AddCommittee binds every member that advertises an address.
func (n *Network) AddCommittee(members []types.Member) error {
	for _, m := range members {
		if m.Addr == "" {
			continue
		}
		if err := n.AddPeer(m.ID, m.Addr); err != nil {
			return err
		}
	}
	return nil
}

func (n *Network) peerOf(id types.NodeID) (peer.ID, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, ok := n.peers[id]
	if !ok {
		return "", errors.Wrapf(ErrUnknownPeer, "node %s", id)
	}
	return p, nil
}

func (n *Network) nodeOf(p peer.ID) (types.NodeID, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	id, ok := n.nodes[p]
	return id, ok
}

func (n *Network) topic(g types.ShardGroup) (*pubsub.Topic, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.topics[g]; ok {
		return t, nil
	}
	t, err := n.ps.Join(topicName(g))
	if err != nil {
		return nil, errors.Wrapf(err, "join %s", topicName(g))
	}
	n.topics[g] = t
	return t, nil
}

// Run serves inbound traffic for h until ctx is cancelled, then closes the
// host.
func (n *Network) Run(ctx context.Context, h Handler) error {
	t, err := n.topic(n.group)
	if err != nil {
		return err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return errors.Wrap(err, "subscribe")
	}
	n.h.SetStreamHandler(protocolMsg, func(s network.Stream) { n.handleMsgStream(h, s) })
	n.h.SetStreamHandler(protocolSync, func(s network.Stream) { n.handleSyncStream(ctx, h, s) })
	n.log.Infow("p2p_ready", "peer", n.h.ID().String(), "addrs", n.Addrs(), "topic", topicName(n.group))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n.connectAll(ctx)
		return nil
	})
	g.Go(func() error {
		defer sub.Cancel()
		for {
			m, err := sub.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return errors.Wrap(err, "gossip")
			}
			if m.GetFrom() == n.h.ID() {
				continue
			}
			n.deliver(h, m.GetFrom(), m.Data)
		}
	})
	err = g.Wait()
	n.h.RemoveStreamHandler(protocolMsg)
	n.h.RemoveStreamHandler(protocolSync)
	if cerr := n.h.Close(); err == nil {
		err = errors.Wrap(cerr, "close host")
	}
	return err
}

// connectAll dials bootstrap addresses and every known validator once.
func (n *Network) connectAll(ctx context.Context) {
	for _, bs := range n.boot {
		if err := connectMultiaddr(ctx, n.h, bs); err != nil {
			n.log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}
	n.mu.RLock()
	ids := make([]peer.ID, 0, len(n.nodes))
	for p := range n.nodes {
		if p != n.h.ID() {
			ids = append(ids, p)
		}
	}
	n.mu.RUnlock()
	for _, p := range ids {
		dctx, cancel := context.WithTimeout(ctx, ioTimeout)
		err := n.h.Connect(dctx, n.h.Peerstore().PeerInfo(p))
		cancel()
		if err != nil {
			n.log.Debugw("peer_connect_failed", "peer", p.String(), "err", err)
		}
	}
}

func (n *Network) deliver(h Handler, from peer.ID, frame []byte) {
	id, ok := n.nodeOf(from)
	if !ok {
		n.log.Debugw("p2p_unknown_sender", "peer", from.String())
		return
	}
	msg, err := decodeMessage(frame)
	if err != nil {
		n.log.Warnw("p2p_decode_failed", "from", id, "err", err)
		return
	}
	if err := h.Deliver(id, msg); err != nil {
		n.log.Debugw("p2p_deliver_failed", "from", id, "type", fmt.Sprintf("%T", msg), "err", err)
	}
}

func (n *Network) Broadcast(ctx context.Context, g types.ShardGroup, msg consensus.Message) error {
	t, err := n.topic(g)
	if err != nil {
		return err
	}
	frame, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	return errors.Wrapf(t.Publish(ctx, frame), "publish %s", topicName(g))
}

func (n *Network) Send(ctx context.Context, to types.NodeID, msg consensus.Message) error {
	p, err := n.peerOf(to)
	if err != nil {
		return err
	}
	s, err := n.h.NewStream(ctx, p, protocolMsg)
	if err != nil {
		return errors.Wrapf(err, "open stream to %s", to)
	}
	_ = s.SetWriteDeadline(time.Now().Add(ioTimeout))
	if err := newFrameWriter(s).Write(msg); err != nil {
		_ = s.Reset()
		return errors.Wrapf(err, "send to %s", to)
	}
	return errors.WithStack(s.Close())
}

func (n *Network) handleMsgStream(h Handler, s network.Stream) {
	id, ok := n.nodeOf(s.Conn().RemotePeer())
	if !ok {
		_ = s.Reset()
		return
	}
	defer s.Close()
	r := newFrameReader(s)
	for {
		_ = s.SetReadDeadline(time.Now().Add(ioTimeout))
		msg, err := r.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				n.log.Debugw("p2p_stream_read_failed", "from", id, "err", err)
			}
			return
		}
		if err := h.Deliver(id, msg); err != nil {
			n.log.Debugw("p2p_deliver_failed", "from", id, "type", fmt.Sprintf("%T", msg), "err", err)
		}
	}
}

// Sync sends req and hands each streamed chunk to onChunk until the peer
// marks the last one. Cancelling ctx resets the stream.
func (n *Network) Sync(ctx context.Context, to types.NodeID, req *consensus.SyncRequest, onChunk func(*consensus.SyncResponse) error) error {
	p, err := n.peerOf(to)
	if err != nil {
		return err
	}
	s, err := n.h.NewStream(ctx, p, protocolSync)
	if err != nil {
		return errors.Wrapf(err, "open sync stream to %s", to)
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Reset() })
	defer stop()

	_ = s.SetWriteDeadline(time.Now().Add(ioTimeout))
	if err := newFrameWriter(s).Write(req); err != nil {
		_ = s.Reset()
		return errors.Wrap(err, "write sync request")
	}
	if err := s.CloseWrite(); err != nil {
		_ = s.Reset()
		return errors.WithStack(err)
	}
	r := newFrameReader(s)
	for {
		_ = s.SetReadDeadline(time.Now().Add(ioTimeout))
		msg, err := r.Read()
		if err != nil {
			_ = s.Reset()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return errors.New("sync stream ended without final chunk")
			}
			return errors.Wrap(err, "read sync chunk")
		}
		resp, ok := msg.(*consensus.SyncResponse)
		if !ok {
			_ = s.Reset()
			return errors.Newf("unexpected %T on sync stream", msg)
		}
		if err := onChunk(resp); err != nil {
			_ = s.Reset()
			return err
		}
		if resp.Done {
			return errors.WithStack(s.Close())
		}
	}
}

func (n *Network) handleSyncStream(ctx context.Context, h Handler, s network.Stream) {
	id, ok := n.nodeOf(s.Conn().RemotePeer())
	if !ok {
		_ = s.Reset()
		return
	}
	_ = s.SetReadDeadline(time.Now().Add(ioTimeout))
	msg, err := newFrameReader(s).Read()
	if err != nil {
		n.log.Debugw("sync_request_read_failed", "from", id, "err", err)
		_ = s.Reset()
		return
	}
	req, ok := msg.(*consensus.SyncRequest)
	if !ok {
		n.log.Debugw("sync_request_unexpected", "from", id, "type", fmt.Sprintf("%T", msg))
		_ = s.Reset()
		return
	}
	w := newFrameWriter(s)
	err = h.SyncServer().Serve(ctx, req, func(resp *consensus.SyncResponse) error {
		_ = s.SetWriteDeadline(time.Now().Add(ioTimeout))
		return w.Write(resp)
	})
	if err != nil {
		n.log.Debugw("sync_serve_failed", "to", id, "err", err)
		_ = s.Reset()
		return
	}
	_ = s.Close()
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return errors.WithStack(err)
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return errors.WithStack(err)
	}
	cctx, cancel := context.WithTimeout(ctx, ioTimeout)
	defer cancel()
	return errors.WithStack(h.Connect(cctx, *info))
}
