package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quillblog/apiserver/internal/auth"
	"github.com/quillblog/apiserver/internal/metrics"
	"github.com/quillblog/apiserver/internal/mq"
	"github.com/quillblog/apiserver/internal/storage"
	"github.com/quillblog/apiserver/internal/store"
	"github.com/quillblog/apiserver/types"
	"github.com/rs/zerolog"
)

const defaultPageSize = 20

// PostRepository defines persistence operations for posts.
type PostRepository interface {
	ListRecent(ctx context.Context, limit int) ([]types.Post, error)
	Get(ctx context.Context, id int) (types.Post, error)
	Create(ctx context.Context, post types.Post) (types.Post, error)
	Update(ctx context.Context, post types.Post) (types.Post, error)
	Delete(ctx context.Context, id int) error
}

// AssetStore holds cover images.
type AssetStore interface {
	Upload(ctx context.Context, data []byte, contentType string) (types.Cover, error)
	Delete(ctx context.Context, id string) error
}

// TokenVerifier resolves a session token to the caller's identity.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// Publisher sends a notice to a message channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
}

// PostOptions configures a PostService. Zero values are usable.
type PostOptions struct {
	PageSize      int
	RequireCover  bool
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
	Orphans       Publisher
	OrphanChannel string
}

// Upload is an image supplied with a create or update request.
type Upload struct {
	Data        []byte
	ContentType string
}

// PostInput carries the client-editable fields of a post. The author is
// never part of it; it always comes from the verified token.
type PostInput struct {
	Title   string
	Summary string
	Content string
	Cover   *Upload
}

// OrphanNotice is published when an asset could not be removed.
type OrphanNotice struct {
	AssetID string    `json:"asset_id"`
	PostID  int       `json:"post_id,omitempty"`
	Op      string    `json:"op"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

// PostService runs the post authoring workflow: token check, ownership check,
// cover upload and replacement, and repository mutation.
type PostService struct {
	repo   PostRepository
	assets AssetStore
	tokens TokenVerifier
	opts   PostOptions
	log    zerolog.Logger
}

func NewPostService(repo PostRepository, assets AssetStore, tokens TokenVerifier, opts PostOptions) *PostService {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	return &PostService{
		repo:   repo,
		assets: assets,
		tokens: tokens,
		opts:   opts,
		log:    opts.Logger.With().Str("component", "posts").Logger(),
	}
}

// ListRecent returns the newest posts, one fixed-size page.
func (s *PostService) ListRecent(ctx context.Context) ([]types.Post, error) {
	return s.repo.ListRecent(ctx, s.opts.PageSize)
}

func (s *PostService) Get(ctx context.Context, id int) (types.Post, error) {
	post, err := s.repo.Get(ctx, id)
	if err != nil {
		return types.Post{}, mapStoreErr(err, id)
	}
	return post, nil
}

// Create stores a new post authored by the token holder. When an image is
// supplied it is uploaded first; no row is written if the upload fails.
func (s *PostService) Create(ctx context.Context, token string, in PostInput) (post types.Post, err error) {
	defer func() { s.opts.Metrics.PostOperation("create", resultLabel(err)) }()

	identity, err := s.authenticate(token)
	if err != nil {
		return types.Post{}, err
	}
	ctx = context.WithoutCancel(ctx)

	in = normalizeInput(in)
	if err := s.validate(in, nil); err != nil {
		return types.Post{}, err
	}

	var cover *types.Cover
	if in.Cover != nil {
		uploaded, err := s.upload(ctx, in.Cover)
		if err != nil {
			return types.Post{}, err
		}
		cover = &uploaded
	}

	created, err := s.repo.Create(ctx, types.Post{
		Title:   in.Title,
		Summary: in.Summary,
		Content: in.Content,
		Cover:   cover,
		Author:  types.Author{ID: identity.UserID, Username: identity.Username},
	})
	if err != nil {
		if cover != nil {
			s.cleanup(ctx, "create", cover.ID, 0)
		}
		return types.Post{}, fmt.Errorf("create post: %w", err)
	}

	s.log.Info().Int("post_id", created.ID).Int("author_id", identity.UserID).Msg("post created")
	return created, nil
}

// Update edits a post owned by the token holder. A new image is uploaded
// before anything else changes; the previous image is removed only after the
// post points at the new one.
func (s *PostService) Update(ctx context.Context, token string, id int, in PostInput) (post types.Post, err error) {
	defer func() { s.opts.Metrics.PostOperation("update", resultLabel(err)) }()

	identity, err := s.authenticate(token)
	if err != nil {
		return types.Post{}, err
	}
	ctx = context.WithoutCancel(ctx)

	existing, err := s.loadOwned(ctx, id, identity)
	if err != nil {
		return types.Post{}, err
	}

	in = normalizeInput(in)
	if err := s.validate(in, existing.Cover); err != nil {
		return types.Post{}, err
	}

	var replaced *types.Cover
	cover := existing.Cover
	if in.Cover != nil {
		uploaded, err := s.upload(ctx, in.Cover)
		if err != nil {
			return types.Post{}, err
		}
		replaced = existing.Cover
		cover = &uploaded
	}

	updated, err := s.repo.Update(ctx, types.Post{
		ID:        existing.ID,
		Title:     in.Title,
		Summary:   in.Summary,
		Content:   in.Content,
		Cover:     cover,
		Author:    existing.Author,
		CreatedAt: existing.CreatedAt,
	})
	if err != nil {
		if in.Cover != nil {
			s.cleanup(ctx, "update", cover.ID, existing.ID)
		}
		return types.Post{}, mapStoreErr(err, existing.ID)
	}

	if replaced != nil {
		s.cleanup(ctx, "update", replaced.ID, existing.ID)
	}

	s.log.Info().Int("post_id", updated.ID).Bool("cover_replaced", in.Cover != nil).Msg("post updated")
	return updated, nil
}

// Delete removes a post owned by the token holder and then its cover image.
// Failing to remove the image does not fail the delete.
func (s *PostService) Delete(ctx context.Context, token string, id int) (err error) {
	defer func() { s.opts.Metrics.PostOperation("delete", resultLabel(err)) }()

	identity, err := s.authenticate(token)
	if err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)

	existing, err := s.loadOwned(ctx, id, identity)
	if err != nil {
		return err
	}

	if err := s.repo.Delete(ctx, existing.ID); err != nil {
		return mapStoreErr(err, existing.ID)
	}

	if existing.Cover != nil {
		s.cleanup(ctx, "delete", existing.Cover.ID, existing.ID)
	}

	s.log.Info().Int("post_id", existing.ID).Msg("post deleted")
	return nil
}

func (s *PostService) authenticate(token string) (auth.Identity, error) {
	identity, err := s.tokens.Verify(token)
	if err != nil {
		return auth.Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return identity, nil
}

// loadOwned fetches a post and checks that identity wrote it.
func (s *PostService) loadOwned(ctx context.Context, id int, identity auth.Identity) (types.Post, error) {
	existing, err := s.repo.Get(ctx, id)
	if err != nil {
		return types.Post{}, mapStoreErr(err, id)
	}
	if existing.Author.ID != identity.UserID {
		s.log.Warn().
			Int("post_id", id).
			Int("author_id", existing.Author.ID).
			Int("caller_id", identity.UserID).
			Msg("rejected mutation by non-author")
		return types.Post{}, fmt.Errorf("%w: post %d", ErrForbidden, id)
	}
	return existing, nil
}

func (s *PostService) validate(in PostInput, current *types.Cover) error {
	if in.Title == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if in.Content == "" {
		return fmt.Errorf("%w: content is required", ErrValidation)
	}
	if in.Cover != nil {
		if len(in.Cover.Data) == 0 {
			return fmt.Errorf("%w: cover file is empty", ErrValidation)
		}
		if !storage.SupportedImage(in.Cover.ContentType) {
			return fmt.Errorf("%w: cover must be an image, got %q", ErrValidation, in.Cover.ContentType)
		}
	}
	if s.opts.RequireCover && in.Cover == nil && current == nil {
		return fmt.Errorf("%w: cover is required", ErrValidation)
	}
	return nil
}

func (s *PostService) upload(ctx context.Context, file *Upload) (types.Cover, error) {
	cover, err := s.assets.Upload(ctx, file.Data, file.ContentType)
	if err != nil {
		if errors.Is(err, storage.ErrUnsupportedType) {
			return types.Cover{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		s.log.Error().Err(err).Int("bytes", len(file.Data)).Msg("cover upload failed")
		return types.Cover{}, fmt.Errorf("%w: %v", ErrUpload, err)
	}
	return cover, nil
}

// cleanup deletes an asset the post no longer references. Failures are
// logged, counted and reported on the orphan channel, never returned.
func (s *PostService) cleanup(ctx context.Context, op, assetID string, postID int) {
	err := s.assets.Delete(ctx, assetID)
	if err == nil {
		return
	}

	s.opts.Metrics.CleanupFailure(op)
	s.log.Warn().Err(err).Str("op", op).Str("asset_id", assetID).Int("post_id", postID).Msg("asset cleanup failed")

	if s.opts.Orphans == nil || s.opts.OrphanChannel == "" {
		return
	}
	notice, marshalErr := json.Marshal(OrphanNotice{
		AssetID: assetID,
		PostID:  postID,
		Op:      op,
		Reason:  err.Error(),
		At:      time.Now().UTC(),
	})
	if marshalErr != nil {
		return
	}
	attrs := map[string]string{mq.AttrContentType: "application/json", "op": op}
	if _, err := s.opts.Orphans.Publish(ctx, s.opts.OrphanChannel, notice, attrs); err != nil {
		s.log.Error().Err(err).Str("asset_id", assetID).Msg("failed to report orphaned asset")
	}
}

func normalizeInput(in PostInput) PostInput {
	in.Title = strings.TrimSpace(in.Title)
	in.Summary = strings.TrimSpace(in.Summary)
	in.Content = strings.TrimSpace(in.Content)
	return in
}

func mapStoreErr(err error, id int) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: post %d", ErrNotFound, id)
	}
	return err
}
