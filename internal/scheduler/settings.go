package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/dental-outreach/internal/domain"
	"github.com/acme/dental-outreach/internal/repository"
	"github.com/acme/dental-outreach/pkg/logger"
)

// Settings serves the current retry policy and reloads it from the scheduler_config table.
type Settings struct {
	repo   repository.SettingsRepository
	logger *logger.Logger

	mu      sync.RWMutex
	current domain.SchedulerConfig
}

// NewSettings starts with the default policy until Load succeeds.
func NewSettings(repo repository.SettingsRepository, log *logger.Logger) *Settings {
	if log == nil {
		log = logger.NewNop()
	}
	return &Settings{repo: repo, logger: log.Named("settings"), current: domain.DefaultSchedulerConfig()}
}

// StaticSettings serves a fixed policy.
func StaticSettings(cfg domain.SchedulerConfig) *Settings {
	return &Settings{logger: logger.NewNop(), current: cfg}
}

// Load reads the table. Invalid values fail with ErrConfig and leave the current policy in place.
func (s *Settings) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	values, err := s.repo.Load(ctx)
	if err != nil {
		return fmt.Errorf("settings: load: %w", err)
	}
	cfg, err := domain.ParseSchedulerConfig(values)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.current = cfg
	s.mu.Unlock()
	return nil
}

// Current returns the active policy.
func (s *Settings) Current() domain.SchedulerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Run reloads the policy every interval until ctx is cancelled.
func (s *Settings) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := s.Load(ctx); err != nil && ctx.Err() == nil {
			s.logger.Alert("settings: reload failed, keeping previous policy", zap.Error(err))
		}
	}
}
