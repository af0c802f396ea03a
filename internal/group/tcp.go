package group

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"

	"github.com/withObsrvr/mlio-bench/internal/config"
)

// tcpGroup is a star: rank 0 holds one link per member, members hold a
// single link to rank 0. Every collective is relayed through rank 0.
type tcpGroup struct {
	mu     sync.Mutex
	rank   int
	size   int
	seq    uint64
	links  []*link
	closed bool
	log    *slog.Logger
}

// accept runs the rank 0 side of the rendezvous on ln until every member has
// said hello, then welcomes them all at once.
func accept(ctx context.Context, ln net.Listener, cfg config.GroupConfig, log *slog.Logger) (*tcpGroup, error) {
	defer ln.Close()

	joinCtx, cancel := context.WithTimeout(ctx, cfg.JoinTimeout)
	defer cancel()
	stop := context.AfterFunc(joinCtx, func() { ln.Close() })
	defer stop()
	deadline, _ := joinCtx.Deadline()

	log.Info("waiting for group members", "address", ln.Addr().String(), "size", cfg.Size)

	byRank := make([]*link, cfg.Size)
	fail := func(err error) (*tcpGroup, error) {
		for _, l := range byRank {
			if l != nil {
				l.close()
			}
		}
		return nil, err
	}

	joined := 1
	for joined < cfg.Size {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return fail(ctx.Err())
			}
			if joinCtx.Err() != nil {
				return fail(fmt.Errorf("%w: %d of %d members joined within %s",
					ErrJoinTimeout, joined, cfg.Size, cfg.JoinTimeout))
			}
			return fail(fmt.Errorf("accept: %w", err))
		}

		l := newLink(-1, conn)
		l.setDeadline(deadline)
		hello, err := l.recv()
		if err != nil {
			log.Warn("dropping connection without hello", "remote", conn.RemoteAddr().String(), "error", err)
			l.close()
			continue
		}
		if reason := checkHello(hello, cfg.Size, byRank); reason != "" {
			_ = l.send(frame{Op: opReject, Err: reason})
			l.close()
			return fail(fmt.Errorf("%w: %s", ErrGroupMismatch, reason))
		}

		l.rank = hello.Rank
		byRank[hello.Rank] = l
		joined++
		log.Info("member joined", "member", hello.Rank, "joined", joined, "size", cfg.Size)
	}

	links := byRank[1:]
	for _, l := range links {
		if err := l.send(frame{Op: opWelcome, Size: cfg.Size}); err != nil {
			return fail(err)
		}
		l.setDeadline(time.Time{})
	}

	return &tcpGroup{rank: 0, size: cfg.Size, links: links, log: log}, nil
}

func checkHello(f frame, size int, byRank []*link) string {
	switch {
	case f.Op != opHello:
		return fmt.Sprintf("expected hello, got %s", f.Op)
	case f.Size != size:
		return fmt.Sprintf("member %d expects group size %d, coordinator has %d", f.Rank, f.Size, size)
	case f.Rank <= 0 || f.Rank >= size:
		return fmt.Sprintf("member id %d outside [1, %d)", f.Rank, size)
	case byRank[f.Rank] != nil:
		return fmt.Sprintf("member id %d joined twice", f.Rank)
	}
	return ""
}

// dial runs the member side of the rendezvous. The coordinator may not be
// listening yet, so connection attempts back off until the join timeout.
func dial(ctx context.Context, addr string, cfg config.GroupConfig, log *slog.Logger) (*tcpGroup, error) {
	joinCtx, cancel := context.WithTimeout(ctx, cfg.JoinTimeout)
	defer cancel()

	var conn net.Conn
	attempt := func() error {
		var d net.Dialer
		c, err := d.DialContext(joinCtx, "tcp", addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Debug("coordinator not reachable yet", "address", addr, "retry_in", wait, "error", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0
	if err := backoff.RetryNotify(attempt, backoff.WithContext(b, joinCtx), notify); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: coordinator %s unreachable: %v", ErrJoinTimeout, addr, err)
	}

	l := newLink(0, conn)
	stop := interruptible(joinCtx, []*link{l})

	if err := l.send(frame{Op: opHello, Rank: cfg.MemberID, Size: cfg.Size}); err != nil {
		stop()
		l.close()
		return nil, joinError(ctx, joinCtx, err)
	}
	f, err := l.recv()
	if !stop() {
		l.close()
		return nil, joinError(ctx, joinCtx, context.Cause(joinCtx))
	}
	if err != nil {
		l.close()
		return nil, joinError(ctx, joinCtx, err)
	}

	switch f.Op {
	case opWelcome:
	case opReject:
		l.close()
		return nil, fmt.Errorf("%w: %s", ErrGroupMismatch, f.Err)
	default:
		l.close()
		return nil, fmt.Errorf("%w: expected welcome, got %s", ErrGroupMismatch, f.Op)
	}

	log.Info("joined group", "coordinator", addr, "member", cfg.MemberID, "size", cfg.Size)
	return &tcpGroup{rank: cfg.MemberID, size: cfg.Size, links: []*link{l}, log: log}, nil
}

func joinError(ctx, joinCtx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if joinCtx.Err() != nil {
		return fmt.Errorf("%w: no welcome from coordinator", ErrJoinTimeout)
	}
	return err
}

func (g *tcpGroup) Rank() int { return g.rank }
func (g *tcpGroup) Size() int { return g.size }

func (g *tcpGroup) Broadcast(ctx context.Context, v any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	g.seq++

	stop := interruptible(ctx, g.links)
	defer stop()

	if g.rank == 0 {
		payload, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("broadcast: encode: %w", err)
		}
		for _, l := range g.links {
			if err := l.send(frame{Op: opBroadcast, Seq: g.seq, Payload: payload}); err != nil {
				return opError(ctx, "broadcast", err)
			}
		}
		return nil
	}

	f, err := g.links[0].expect(opBroadcast, g.seq)
	if err != nil {
		return opError(ctx, "broadcast", err)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("broadcast: decode: %w", err)
	}
	return nil
}

func (g *tcpGroup) Barrier(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	g.seq++

	stop := interruptible(ctx, g.links)
	defer stop()

	if g.rank == 0 {
		for _, l := range g.links {
			if _, err := l.expect(opArrive, g.seq); err != nil {
				return opError(ctx, "barrier", err)
			}
		}
		for _, l := range g.links {
			if err := l.send(frame{Op: opRelease, Seq: g.seq}); err != nil {
				return opError(ctx, "barrier", err)
			}
		}
		return nil
	}

	l := g.links[0]
	if err := l.send(frame{Op: opArrive, Seq: g.seq}); err != nil {
		return opError(ctx, "barrier", err)
	}
	if _, err := l.expect(opRelease, g.seq); err != nil {
		return opError(ctx, "barrier", err)
	}
	return nil
}

func (g *tcpGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true

	var result *multierror.Error
	for _, l := range g.links {
		if err := l.close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
