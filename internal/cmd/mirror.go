package cmd

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/dmftloop/internal/config"
	"github.com/3leaps/dmftloop/pkg/bundle"
	"github.com/3leaps/dmftloop/pkg/provider"
	"github.com/3leaps/dmftloop/pkg/provider/file"
	"github.com/3leaps/dmftloop/pkg/provider/s3"
)

// newMirrorProvider builds the object store named by cfg.Provider.
func newMirrorProvider(ctx context.Context, cfg config.MirrorConfig) (provider.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", string(provider.ProviderS3):
		return s3.New(ctx, s3.Config{
			Bucket:         cfg.Bucket,
			Region:         cfg.Region,
			Endpoint:       cfg.Endpoint,
			Profile:        cfg.Profile,
			ForcePathStyle: cfg.ForcePathStyle,
		})
	case string(provider.ProviderFile):
		return file.New(file.Config{BaseDir: cfg.BaseDir})
	}
	return nil, fmt.Errorf("unknown mirror provider %q", cfg.Provider)
}

func buildMirror(ctx context.Context, cfg config.MirrorConfig, logger *zap.Logger) (*bundle.Mirror, error) {
	p, err := newMirrorProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	m, err := bundle.NewMirror(p, cfg.KeyPrefix, logger)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	return m, nil
}
