package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/quillblog/apiserver/types"
)

const postColumns = `
		p.id, p.title, p.summary, p.content, p.cover_id, p.cover_url,
		p.author_id, u.username, p.created_at, p.updated_at`

// PostRepository handles persistence for posts.
type PostRepository struct {
	db *sql.DB
}

func NewPostRepository(db *sql.DB) *PostRepository {
	return &PostRepository{db: db}
}

// ListRecent returns up to limit posts, newest first, with author names resolved.
func (r *PostRepository) ListRecent(ctx context.Context, limit int) ([]types.Post, error) {
	if limit < 1 {
		limit = 20
	}

	const query = `
		SELECT` + postColumns + `
		FROM posts p
		JOIN users u ON u.id = p.author_id
		ORDER BY p.created_at DESC, p.id DESC
		LIMIT $1`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	posts := make([]types.Post, 0, limit)
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return posts, nil
}

func (r *PostRepository) Get(ctx context.Context, id int) (types.Post, error) {
	const query = `
		SELECT` + postColumns + `
		FROM posts p
		JOIN users u ON u.id = p.author_id
		WHERE p.id = $1`
	post, err := scanPost(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Post{}, ErrNotFound
		}
		return types.Post{}, err
	}
	return post, nil
}

func (r *PostRepository) Create(ctx context.Context, post types.Post) (types.Post, error) {
	now := time.Now()
	post.CreatedAt = now
	post.UpdatedAt = now

	coverID, coverURL := coverArgs(post.Cover)

	const query = `
		INSERT INTO posts (title, summary, content, cover_id, cover_url, author_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`
	if err := r.db.QueryRowContext(
		ctx,
		query,
		post.Title,
		post.Summary,
		post.Content,
		coverID,
		coverURL,
		post.Author.ID,
		post.CreatedAt,
		post.UpdatedAt,
	).Scan(&post.ID); err != nil {
		return types.Post{}, err
	}
	return post, nil
}

// Update writes the editable fields of post. The author column is never touched.
func (r *PostRepository) Update(ctx context.Context, post types.Post) (types.Post, error) {
	post.UpdatedAt = time.Now()

	coverID, coverURL := coverArgs(post.Cover)

	const query = `
		UPDATE posts
		SET title = $1,
			summary = $2,
			content = $3,
			cover_id = $4,
			cover_url = $5,
			updated_at = $6
		WHERE id = $7`
	result, err := r.db.ExecContext(
		ctx,
		query,
		post.Title,
		post.Summary,
		post.Content,
		coverID,
		coverURL,
		post.UpdatedAt,
		post.ID,
	)
	if err != nil {
		return types.Post{}, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return types.Post{}, err
	}
	if affected == 0 {
		return types.Post{}, ErrNotFound
	}
	return post, nil
}

func (r *PostRepository) Delete(ctx context.Context, id int) error {
	const query = `DELETE FROM posts WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (types.Post, error) {
	var (
		post     types.Post
		coverID  sql.NullString
		coverURL sql.NullString
	)
	if err := row.Scan(
		&post.ID,
		&post.Title,
		&post.Summary,
		&post.Content,
		&coverID,
		&coverURL,
		&post.Author.ID,
		&post.Author.Username,
		&post.CreatedAt,
		&post.UpdatedAt,
	); err != nil {
		return types.Post{}, err
	}
	if coverID.Valid && coverID.String != "" {
		post.Cover = &types.Cover{ID: coverID.String, URL: coverURL.String}
	}
	return post, nil
}

func coverArgs(cover *types.Cover) (sql.NullString, sql.NullString) {
	if cover == nil || cover.ID == "" {
		return sql.NullString{}, sql.NullString{}
	}
	return sql.NullString{String: cover.ID, Valid: true}, sql.NullString{String: cover.URL, Valid: true}
}
