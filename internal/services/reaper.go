package services

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/quillblog/apiserver/internal/mq"
	"github.com/rs/zerolog"
)

// AssetReaper deletes assets reported on the orphan channel. It runs out of
// band from request handling, under the "assets reap" command.
type AssetReaper struct {
	assets AssetStore
	log    zerolog.Logger
}

func NewAssetReaper(assets AssetStore, logger zerolog.Logger) *AssetReaper {
	return &AssetReaper{
		assets: assets,
		log:    logger.With().Str("component", "reaper").Logger(),
	}
}

// Handle processes one orphan notice. Undecodable notices are dropped; a
// failed delete is returned so the broker can redeliver it.
func (r *AssetReaper) Handle(ctx context.Context, msg mq.Message) error {
	var notice OrphanNotice
	if err := json.Unmarshal(msg.Data, &notice); err != nil {
		r.log.Error().Err(err).Str("message_id", msg.ID).Msg("dropping malformed orphan notice")
		return nil
	}
	if strings.TrimSpace(notice.AssetID) == "" {
		r.log.Warn().Str("message_id", msg.ID).Msg("dropping orphan notice without asset id")
		return nil
	}

	if err := r.assets.Delete(ctx, notice.AssetID); err != nil {
		r.log.Warn().Err(err).Str("asset_id", notice.AssetID).Msg("orphaned asset still not deleted")
		return err
	}

	r.log.Info().Str("asset_id", notice.AssetID).Str("op", notice.Op).Int("post_id", notice.PostID).Msg("orphaned asset deleted")
	return nil
}
