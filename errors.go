package segdag

import (
	"errors"
	"fmt"

	"github.com/hupe1980/segdag/iddag"
	"github.com/hupe1980/segdag/idmap"
	"github.com/hupe1980/segdag/indexlog"
	"github.com/hupe1980/segdag/remote"
	"github.com/hupe1980/segdag/segment"
)

var (
	// ErrVertexNotFound is returned when a vertex is unknown locally and
	// could not be fetched from the remote.
	ErrVertexNotFound = errors.New("vertex not found")

	// ErrCorrupt is returned when persisted state fails validation.
	ErrCorrupt = errors.New("corrupt dag storage")

	// ErrRemoteUnavailable is returned when lazy fetching fails because the
	// remote cannot be reached.
	ErrRemoteUnavailable = remote.ErrRemoteUnavailable

	// ErrClosed is returned by operations on a closed dag.
	ErrClosed = errors.New("dag is closed")
)

// translateError unifies subpackage errors at the API boundary. Sentinels
// from the inner layers stay reachable via errors.Is.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Not found unification.
	if errors.Is(err, idmap.ErrVertexNotFound) ||
		errors.Is(err, iddag.ErrIdNotCovered) ||
		errors.Is(err, remote.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrVertexNotFound, err)
	}

	// Corruption unification.
	if errors.Is(err, segment.ErrCorrupt) || errors.Is(err, indexlog.ErrCorruptRecord) {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	return err
}
