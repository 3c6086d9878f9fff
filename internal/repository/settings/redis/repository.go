package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/keep-on-walking/mpv-pi-player/internal/repository/settings"
	omitnilpointers "github.com/keep-on-walking/mpv-pi-player/pkg/omit-nil-pointers"
)

type repo struct {
	rc     *redis.Client
	nodeID string
}

// NewRepo stores the settings of node nodeID, so several players can share
// one redis.
func NewRepo(rc *redis.Client, nodeID string) *repo {
	return &repo{
		rc:     rc,
		nodeID: nodeID,
	}
}

func (r repo) getSettingsKey() string {
	return "player:" + r.nodeID + ":settings"
}

func (r repo) Get(ctx context.Context) (settings.Settings, error) {
	key := r.getSettingsKey()
	res := r.rc.HGetAll(ctx, key)
	if err := res.Err(); err != nil {
		return settings.Settings{}, fmt.Errorf("failed to get settings: %w", err)
	}

	if len(res.Val()) == 0 {
		return settings.Settings{}, settings.ErrNotFound
	}

	s := settings.Settings{Volume: -1}
	if err := res.Scan(&s); err != nil {
		return settings.Settings{}, fmt.Errorf("failed to scan settings: %w", err)
	}

	return s, nil
}

func (r repo) Update(ctx context.Context, params *settings.UpdateParams) error {
	fields := omitnilpointers.OmitNilPointers(map[string]any{
		"mode":           params.Mode,
		"master_address": params.MasterAddress,
		"volume":         params.Volume,
	})
	if len(fields) == 0 {
		return nil
	}

	pipe := r.rc.TxPipeline()
	pipe.HSet(ctx, r.getSettingsKey(), fields)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update settings: %w", err)
	}

	return nil
}
