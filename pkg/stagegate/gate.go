// Package stagegate answers whether an iteration's artifact is available,
// pulling it out of its bundle container when the standalone file is gone.
package stagegate

import (
	"context"

	"go.uber.org/zap"

	"github.com/3leaps/dmftloop/pkg/instance"
)

// Debundler extracts a single archived artifact back to its standalone path.
// *bundle.Store satisfies it.
type Debundler interface {
	Debundle(ctx context.Context, f instance.Family, n int) (bool, error)
}

// Gate checks artifact existence against the filesystem and the archive.
type Gate struct {
	archive Debundler
	logger  *zap.Logger
}

// New creates a gate backed by archive. A nil archive makes the gate check
// standalone files only.
func New(archive Debundler, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{archive: archive, logger: logger.With(zap.String("component", "stagegate"))}
}

// Exists reports whether iteration n of f is available as a standalone file
// after the call. A successful extraction leaves the file on disk; a miss or
// an archive error leaves nothing behind and reports false.
func (g *Gate) Exists(ctx context.Context, f instance.Family, n int) bool {
	if f.Exists(n) {
		return true
	}
	if g.archive == nil {
		return false
	}
	ok, err := g.archive.Debundle(ctx, f, n)
	if err != nil {
		g.logger.Warn("Debundle failed",
			zap.String("family", f.String()),
			zap.Int("iteration", n),
			zap.Error(err))
		return false
	}
	if ok {
		g.logger.Info("Debundled artifact from archive",
			zap.String("path", f.Path(n)),
			zap.Int("iteration", n))
	}
	return ok
}
