package publisher

import (
	"svr-ingest/config"
	"svr-ingest/logging"
)

// FromConfig builds the publishers enabled in cfg. A publisher that fails to
// initialise is logged and skipped. The returned Multi is nil when none is
// available; the close func is always non-nil.
func FromConfig(cfg config.Config) (*Multi, func()) {
	logger := logging.WithComponent("publisher")

	var (
		pubs    []Publisher
		closers []func() error
	)

	if cfg.R2Enabled {
		r2, err := NewR2Publisher(R2Config{
			AccessKey: cfg.R2AccessKey,
			SecretKey: cfg.R2SecretKey,
			AccountID: cfg.R2AccountID,
			Bucket:    cfg.R2Bucket,
			Endpoint:  cfg.R2Endpoint,
			Region:    cfg.R2Region,
			BaseURL:   cfg.R2BaseURL,
			Prefix:    cfg.R2Prefix,
		})
		if err != nil {
			logger.Error().Err(err).Msg("R2 publisher disabled")
		} else {
			pubs = append(pubs, r2)
		}
	}

	if cfg.RedisAddr != "" {
		rp, err := NewRedisPublisher(RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Stream:   cfg.RedisStream,
			MaxLen:   cfg.RedisMaxLength,
		})
		if err != nil {
			logger.Error().Err(err).Msg("Redis publisher disabled")
		} else {
			pubs = append(pubs, rp)
			closers = append(closers, rp.Close)
		}
	}

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn().Err(err).Msg("failed to close publisher")
			}
		}
	}

	multi := NewMulti(pubs...)
	if multi == nil {
		logger.Info().Msg("no chunk publishers configured")
	} else {
		logger.Info().Int("publishers", multi.Len()).Msg("chunk publishers ready")
	}
	return multi, closeAll
}
