// Package group provides the rank/size view of a training job and the two
// collective operations the benchmark needs: broadcast from rank 0 and a
// barrier across every rank.
package group

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/withObsrvr/mlio-bench/internal/config"
)

var (
	// ErrGroupMismatch is returned when members disagree on the group shape.
	ErrGroupMismatch = errors.New("group mismatch")
	// ErrJoinTimeout is returned when the group did not form in time.
	ErrJoinTimeout = errors.New("group join timed out")
	// ErrPeerLost is returned when a member connection drops mid-operation.
	ErrPeerLost = errors.New("group peer lost")
	// ErrClosed is returned by operations on a closed group.
	ErrClosed = errors.New("group closed")
)

// Group is the collective channel between ranks. Operations are issued in the
// same order by every rank; a cancelled operation leaves the group unusable.
type Group interface {
	Rank() int
	Size() int

	// Broadcast replaces *v on every rank with rank 0's value. v must be a
	// pointer to a JSON-serializable value.
	Broadcast(ctx context.Context, v any) error

	// Barrier returns once every rank has entered it.
	Barrier(ctx context.Context) error

	Close() error
}

// Join forms the group described by cfg. A group of size one needs no
// network and returns Single().
func Join(ctx context.Context, cfg config.GroupConfig, log *slog.Logger) (Group, error) {
	if cfg.Size <= 1 {
		return Single(), nil
	}

	addr := net.JoinHostPort(cfg.CoordinatorAddress, strconv.Itoa(cfg.CoordinatorPort))
	if cfg.MemberID == 0 {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", addr, err)
		}
		return accept(ctx, ln, cfg, log)
	}
	return dial(ctx, addr, cfg, log)
}

type single struct{}

// Single returns the group of one: broadcasts keep the local value and
// barriers return immediately.
func Single() Group {
	return single{}
}

func (single) Rank() int                            { return 0 }
func (single) Size() int                            { return 1 }
func (single) Broadcast(context.Context, any) error { return nil }
func (single) Close() error                         { return nil }

func (single) Barrier(ctx context.Context) error {
	return ctx.Err()
}
