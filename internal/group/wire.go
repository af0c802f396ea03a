package group

import (
	"context"
	"fmt"
	"net"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Frame operations.
const (
	opHello     = "hello"
	opWelcome   = "welcome"
	opReject    = "reject"
	opBroadcast = "broadcast"
	opArrive    = "arrive"
	opRelease   = "release"
)

type frame struct {
	Op      string              `json:"op"`
	Seq     uint64              `json:"seq,omitempty"`
	Rank    int                 `json:"rank,omitempty"`
	Size    int                 `json:"size,omitempty"`
	Payload jsoniter.RawMessage `json:"payload,omitempty"`
	Err     string              `json:"err,omitempty"`
}

// link is one framed TCP connection.
type link struct {
	rank int
	conn net.Conn
	enc  *jsoniter.Encoder
	dec  *jsoniter.Decoder
}

func newLink(rank int, conn net.Conn) *link {
	return &link{
		rank: rank,
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}
}

func (l *link) send(f frame) error {
	if err := l.enc.Encode(&f); err != nil {
		return fmt.Errorf("%w: send %s to rank %d: %v", ErrPeerLost, f.Op, l.rank, err)
	}
	return nil
}

func (l *link) recv() (frame, error) {
	var f frame
	if err := l.dec.Decode(&f); err != nil {
		return f, fmt.Errorf("%w: receive from rank %d: %v", ErrPeerLost, l.rank, err)
	}
	return f, nil
}

// expect receives one frame and checks its operation and sequence number.
func (l *link) expect(op string, seq uint64) (frame, error) {
	f, err := l.recv()
	if err != nil {
		return f, err
	}
	if f.Op != op || f.Seq != seq {
		return f, fmt.Errorf("%w: rank %d sent %s #%d, expected %s #%d",
			ErrGroupMismatch, l.rank, f.Op, f.Seq, op, seq)
	}
	return f, nil
}

func (l *link) setDeadline(t time.Time) {
	_ = l.conn.SetDeadline(t)
}

func (l *link) close() error {
	return l.conn.Close()
}

// interruptible wakes every blocked read or write on links when ctx is done.
// Call the returned stop func once the operation finishes.
func interruptible(ctx context.Context, links []*link) func() bool {
	return context.AfterFunc(ctx, func() {
		for _, l := range links {
			l.setDeadline(time.Now())
		}
	})
}

// opError prefers the context error when the operation was interrupted.
func opError(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return fmt.Errorf("%s: %w", op, err)
}
