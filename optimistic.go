package sitelink

import (
	"context"

	"github.com/rs/zerolog"
)

// OptimisticMutation writes a predicted value into the cache before the
// server confirms it.
//
// Each Mutate call captures its own snapshot of the key as it was when that
// call began, so overlapping mutations roll back independently; whichever
// settles last wins.
type OptimisticMutation[T, P any] struct {
	Cache *QueryCache
	Key   QueryKey
	// Apply merges patch into the previous value (the zero T when the key
	// was empty) to form the optimistic value.
	Apply func(prev T, patch P) T
	// Commit performs the server call and returns the authoritative value.
	Commit func(ctx context.Context, patch P) (T, error)

	Logger  *zerolog.Logger
	Metrics *Metrics
}

// Mutate runs the mutation:
//  1. cancel in-flight fetches of Key, snapshot it, write the optimistic value;
//  2. on success write the server response verbatim;
//  3. on failure restore the snapshot, or remove the entry if there was none;
//  4. always invalidate Key so a background refetch reconciles.
//
// A returned *MutationError is only seen after the rollback is in place.
func (m *OptimisticMutation[T, P]) Mutate(ctx context.Context, patch P) (T, error) {
	var zero T
	logger := zerolog.Nop()
	if m.Logger != nil {
		logger = *m.Logger
	}
	logger = componentLogger(logger, "optimistic").With().Stringer("key", m.Key).Logger()

	m.Cache.CancelFetches(m.Key)
	snapshot, had := m.Cache.Get(m.Key)
	prev, _ := snapshot.(T)
	m.Cache.SetData(m.Key, m.Apply(prev, patch))

	res, err := m.Commit(ctx, patch)
	if err != nil {
		if had {
			m.Cache.SetData(m.Key, snapshot)
		} else {
			m.Cache.Remove(m.Key)
		}
		m.count("rollback")
		logger.Debug().Err(err).Msg("mutation failed, rolled back")
		m.settle(logger)
		return zero, &MutationError{Key: m.Key, Err: err}
	}

	m.Cache.SetData(m.Key, res)
	m.count("success")
	m.settle(logger)
	return res, nil
}

func (m *OptimisticMutation[T, P]) settle(logger zerolog.Logger) {
	if _, err := m.Cache.Invalidate(m.Key); err != nil {
		logger.Debug().Err(err).Msg("settle invalidation failed")
	}
}

func (m *OptimisticMutation[T, P]) count(outcome string) {
	if m.Metrics != nil {
		m.Metrics.Mutations.WithLabelValues(outcome).Inc()
	}
}

// ProfileUpdater applies profile updates optimistically to the cached
// current user.
type ProfileUpdater struct {
	mutation *OptimisticMutation[User, ProfileUpdate]
}

// NewProfileUpdater binds profile updates to CurrentUserKey in cache.
func NewProfileUpdater(users *UsersClient, cache *QueryCache) *ProfileUpdater {
	logger := users.c.logger
	return &ProfileUpdater{
		mutation: &OptimisticMutation[User, ProfileUpdate]{
			Cache:   cache,
			Key:     CurrentUserKey,
			Apply:   func(prev User, patch ProfileUpdate) User { return patch.ApplyTo(prev) },
			Commit:  users.UpdateProfile,
			Logger:  &logger,
			Metrics: users.c.metrics,
		},
	}
}

// Update sends update and returns the server's view of the user.
func (p *ProfileUpdater) Update(ctx context.Context, update ProfileUpdate) (User, error) {
	return p.mutation.Mutate(ctx, update)
}
