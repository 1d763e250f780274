package p2p

import (
	"bytes"
	"encoding/gob"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/libp2p/go-msgio"

	"github.com/uhyunpark/hypershard/pkg/consensus"
)

// maxFrameSize bounds a single frame both compressed and decompressed. A
// sync batch of full blocks is the largest thing that crosses the wire.
const maxFrameSize = 16 << 20

// envelope is the unit carried in one frame. Concrete message types are
// registered with gob by the consensus package.
type envelope struct {
	Msg consensus.Message
}

func encodeMessage(msg consensus.Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&envelope{Msg: msg}); err != nil {
		return nil, errors.Wrapf(err, "encode %T", msg)
	}
	if buf.Len() > maxFrameSize {
		return nil, errors.Newf("%T encodes to %d bytes, limit %d", msg, buf.Len(), maxFrameSize)
	}
	return snappy.Encode(nil, buf.Bytes()), nil
}

// decodeMessage checks the length a frame claims before snappy allocates
// room for it.
func decodeMessage(frame []byte) (consensus.Message, error) {
	n, err := snappy.DecodedLen(frame)
	if err != nil {
		return nil, errors.Wrap(err, "snappy header")
	}
	if n > maxFrameSize {
		return nil, errors.Newf("frame claims %d bytes, limit %d", n, maxFrameSize)
	}
	raw, err := snappy.Decode(nil, frame)
	if err != nil {
		return nil, errors.Wrap(err, "snappy decode")
	}
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&env); err != nil {
		return nil, errors.Wrap(err, "gob decode")
	}
	if env.Msg == nil {
		return nil, errors.New("empty envelope")
	}
	return env.Msg, nil
}

// frameWriter and frameReader put varint length-prefixed envelopes on a
// stream.
type frameWriter struct {
	w msgio.WriteCloser
}

func newFrameWriter(w io.Writer) *frameWriter {
	return &frameWriter{w: msgio.NewVarintWriter(w)}
}

func (f *frameWriter) Write(msg consensus.Message) error {
	frame, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	return errors.WithStack(f.w.WriteMsg(frame))
}

type frameReader struct {
	r msgio.ReadCloser
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: msgio.NewVarintReaderSize(r, maxFrameSize)}
}

// Read returns io.EOF unwrapped when the remote closed its side cleanly.
func (f *frameReader) Read() (consensus.Message, error) {
	frame, err := f.r.ReadMsg()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, errors.WithStack(err)
	}
	defer f.r.ReleaseMsg(frame)
	return decodeMessage(frame)
}
