package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/supportdesk/deflection-engine/internal/storage/models"
	"github.com/supportdesk/deflection-engine/pkg/logger"
)

const DefaultSettingsTTL = 5 * time.Minute

type SettingsStore interface {
	GetSettings(ctx context.Context, userID string) (*models.DeflectionSettings, error)
	SaveSettings(ctx context.Context, s *models.DeflectionSettings) error
}

type SettingsCache interface {
	GetSettings(ctx context.Context, userID string) (*models.DeflectionSettings, bool, error)
	SetSettings(ctx context.Context, s *models.DeflectionSettings, ttl time.Duration) error
	InvalidateSettings(ctx context.Context, userID string) error
}

// Settings resolves a user's DeflectionSettings: cache, then store, then the
// configured defaults. Cache failures only cost a store read.
type Settings struct {
	store    SettingsStore
	cache    SettingsCache
	defaults models.DeflectionSettings
	ttl      time.Duration
}

func NewSettings(store SettingsStore, cache SettingsCache, defaults models.DeflectionSettings, ttl time.Duration) *Settings {
	if ttl <= 0 {
		ttl = DefaultSettingsTTL
	}
	return &Settings{store: store, cache: cache, defaults: defaults, ttl: ttl}
}

func (s *Settings) Get(ctx context.Context, userID string) (*models.DeflectionSettings, error) {
	if s.cache != nil {
		cached, ok, err := s.cache.GetSettings(ctx, userID)
		if err != nil {
			logger.Warn("Settings cache read failed", zap.String("user_id", userID), zap.Error(err))
		}
		if ok {
			return cached, nil
		}
	}

	settings, err := s.store.GetSettings(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		d := s.Defaults(userID)
		return &d, nil
	}
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetSettings(ctx, settings, s.ttl); err != nil {
			logger.Warn("Settings cache write failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return settings, nil
}

// Save validates and persists the settings, then drops the cached copy.
func (s *Settings) Save(ctx context.Context, settings *models.DeflectionSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	if err := s.store.SaveSettings(ctx, settings); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.InvalidateSettings(ctx, settings.UserID); err != nil {
			logger.Warn("Settings cache invalidation failed", zap.String("user_id", settings.UserID), zap.Error(err))
		}
	}
	logger.Info("Settings updated",
		zap.String("user_id", settings.UserID),
		zap.Float64("confidence_threshold", settings.ConfidenceThreshold),
		zap.Float64("escalation_threshold", settings.EscalationThreshold),
	)
	return nil
}

func (s *Settings) Defaults(userID string) models.DeflectionSettings {
	d := s.defaults
	d.UserID = userID
	d.ExcludedCategories = append([]string(nil), s.defaults.ExcludedCategories...)
	d.EscalationKeywords = append([]string(nil), s.defaults.EscalationKeywords...)
	return d
}
