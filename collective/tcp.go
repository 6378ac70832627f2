package collective

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/yolo-train/tensor"
)

// maxFrame bounds a single gradient frame
const maxFrame = 1 << 31

// Hub is the rank 0 side of the TCP collective. It accepts one connection per
// worker, then repeatedly reads one gradient frame from every worker, reduces
// them and writes the result back to all of them.
type Hub struct {
	listener net.Listener
	size     int
	op       Op
	logger   *slog.Logger

	mu    sync.Mutex
	conns []*peer
}

type peer struct {
	rank int
	conn net.Conn
	r    *bufio.Reader
}

// NewHub serves a collective of size workers on listener
func NewHub(listener net.Listener, size int, op Op, logger *slog.Logger) (*Hub, error) {
	if size <= 0 {
		return nil, errors.Errorf("hub size must be positive: %d", size)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{listener: listener, size: size, op: op, logger: logger}, nil
}

// Addr returns the address workers should dial
func (h *Hub) Addr() net.Addr {
	return h.listener.Addr()
}

// Serve runs until ctx is cancelled or a worker disconnects
func (h *Hub) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		h.listener.Close()
	}()

	peers := make([]*peer, h.size)
	for joined := 0; joined < h.size; {
		conn, err := h.listener.Accept()
		if err != nil {
			return errors.Wrap(err, "accept worker")
		}
		p := &peer{conn: conn, r: bufio.NewReader(conn)}
		hello, err := readFrame(p.r)
		if err != nil {
			conn.Close()
			return errors.Wrap(err, "read hello")
		}
		rank, n := protowire.ConsumeVarint(hello)
		if n < 0 || rank >= uint64(h.size) || peers[rank] != nil {
			conn.Close()
			return errors.Errorf("invalid or duplicate rank in hello from %s", conn.RemoteAddr())
		}
		p.rank = int(rank)
		peers[rank] = p
		joined++
		h.logger.Debug("worker joined collective", "rank", rank, "remote", conn.RemoteAddr().String())
	}

	h.mu.Lock()
	h.conns = peers
	h.mu.Unlock()
	defer h.closeAll()

	for {
		var acc accumulator
		for _, p := range peers {
			frame, err := readFrame(p.r)
			if err != nil {
				if errors.Cause(err) == io.EOF {
					return nil
				}
				return errors.Wrapf(err, "read gradients from rank %d", p.rank)
			}
			named, err := tensor.UnmarshalNamed(frame)
			if err != nil {
				return errors.Wrapf(err, "decode gradients from rank %d", p.rank)
			}
			grads := make([]*tensor.Tensor, len(named))
			for i, item := range named {
				grads[i] = item.Tensor
			}
			if err := acc.add(grads); err != nil {
				return errors.Wrapf(err, "rank %d", p.rank)
			}
		}
		acc.finish(h.op)

		out := make([]tensor.Named, len(acc.sums))
		for i, sum := range acc.sums {
			t, err := tensor.NewTensor(acc.shapes[i], tensor.Float32, sum)
			if err != nil {
				return err
			}
			out[i] = tensor.Named{Name: strconv.Itoa(i), Tensor: t}
		}
		payload, err := tensor.MarshalNamed(out)
		if err != nil {
			return err
		}
		for _, p := range peers {
			if err := writeFrame(p.conn, payload); err != nil {
				return errors.Wrapf(err, "send result to rank %d", p.rank)
			}
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.conns {
		if p != nil {
			p.conn.Close()
		}
	}
	h.conns = nil
}

// Client is a worker connection to a Hub
type Client struct {
	conn net.Conn
	r    *bufio.Reader
	rank int
	size int
}

// Dial connects rank to the hub at addr
func Dial(ctx context.Context, addr string, rank, size int) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial collective hub %s", addr)
	}
	if err := writeFrame(conn, protowire.AppendVarint(nil, uint64(rank))); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "send hello")
	}
	return &Client{conn: conn, r: bufio.NewReader(conn), rank: rank, size: size}, nil
}

func (c *Client) Rank() int { return c.rank }

func (c *Client) Size() int { return c.size }

// AllReduce sends local gradients and blocks for the reduced result
func (c *Client) AllReduce(ctx context.Context, grads []*tensor.Tensor) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	named := make([]tensor.Named, len(grads))
	for i, g := range grads {
		named[i] = tensor.Named{Name: strconv.Itoa(i), Tensor: g}
	}
	payload, err := tensor.MarshalNamed(named)
	if err != nil {
		return err
	}
	if err := writeFrame(c.conn, payload); err != nil {
		return errors.Wrap(err, "send gradients")
	}

	frame, err := readFrame(c.r)
	if err != nil {
		return errors.Wrap(err, "receive reduced gradients")
	}
	result, err := tensor.UnmarshalNamed(frame)
	if err != nil {
		return errors.Wrap(err, "decode reduced gradients")
	}
	if len(result) != len(grads) {
		return errors.Errorf("hub returned %d gradients, expected %d", len(result), len(grads))
	}
	for i, item := range result {
		if err := grads[i].CopyFrom(item.Tensor); err != nil {
			return errors.Wrapf(err, "gradient %d", i)
		}
	}
	return nil
}

// Close releases the connection; the hub treats it as the end of training
func (c *Client) Close() error {
	return c.conn.Close()
}

func writeFrame(w io.Writer, payload []byte) error {
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(payload)))
	if _, err := w.Write(hdr[:n]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if size > maxFrame {
		return nil, errors.Errorf("frame of %d bytes exceeds limit", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf, nil
}
