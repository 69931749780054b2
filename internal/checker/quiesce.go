package checker

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/10gen/replset-consistency/internal/logger"
)

// FreezeHandle represents an acquired cluster-wide write freeze. It is
// a scoped resource: the caller must arrange for Release on every exit
// path, normally via defer.
type FreezeHandle struct {
	primary  *Node
	logger   *logger.Logger
	released bool
}

// freezeWrites locks the primary against writes (and the background
// maintenance that could mutate data underneath the check) via the
// server's fsync lock. If this fails there is nothing to compare
// safely, so the whole check fails.
func (c *Checker) freezeWrites(ctx context.Context, primary *Node) (*FreezeHandle, error) {
	c.logger.Debug().
		Str("primary", primary.Host).
		Msg("Freezing writes.")

	_, err := primary.conn.RunCommand(ctx, "admin", bson.D{
		{Key: "fsync", Value: 1},
		{Key: "lock", Value: true},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to freeze writes on %#q", primary.Host)
	}

	return &FreezeHandle{
		primary: primary,
		logger:  c.logger,
	}, nil
}

// Release unfreezes the primary. Releasing an already-released handle
// is a no-op.
func (h *FreezeHandle) Release(ctx context.Context) error {
	if h.released {
		return nil
	}

	_, err := h.primary.conn.RunCommand(ctx, "admin", bson.D{{Key: "fsyncUnlock", Value: 1}})
	if err != nil {
		return errors.Wrapf(err, "failed to release write freeze on %#q", h.primary.Host)
	}

	h.released = true

	h.logger.Debug().
		Str("primary", h.primary.Host).
		Msg("Write freeze released.")

	return nil
}

// releaseOrKeepError runs Release and reconciles its outcome with any
// error already propagating out of the check:
//
//   - Release succeeds: the in-flight error (if any) stands.
//   - Release fails with no error in flight: the release failure is
//     itself fatal; the cluster may be left unwritable.
//   - Release fails while another error propagates: the original error
//     takes priority, and the release failure is only logged.
func (h *FreezeHandle) releaseOrKeepError(ctx context.Context, inFlight error) error {
	// The freeze must be released even if the run's context is already
	// dead; otherwise the cluster stays unwritable.
	relErr := h.Release(context.WithoutCancel(ctx))
	if relErr == nil {
		return inFlight
	}

	if inFlight != nil {
		h.logger.Error().
			Err(relErr).
			Msg("Failed to release write freeze while another failure was propagating. The cluster may still be locked.")

		return inFlight
	}

	return relErr
}
