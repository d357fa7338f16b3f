package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/quillblog/apiserver/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var postRowColumns = []string{
	"id", "title", "summary", "content", "cover_id", "cover_url",
	"author_id", "username", "created_at", "updated_at",
}

func newPostRepoWithMock(t *testing.T) (*PostRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostRepository(db), mock
}

func TestPostGet_WithCover(t *testing.T) {
	repo, mock := newPostRepoWithMock(t)
	now := time.Now()

	rows := sqlmock.NewRows(postRowColumns).
		AddRow(3, "Hello", "s", "c", "covers/a.jpg", "https://cdn/a.jpg", 1, "alice", now, now)
	mock.ExpectQuery(`(?s)SELECT.+FROM posts p\s+JOIN users u ON u.id = p.author_id\s+WHERE p.id = \$1`).
		WithArgs(3).
		WillReturnRows(rows)

	post, err := repo.Get(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, post.ID)
	assert.Equal(t, types.Author{ID: 1, Username: "alice"}, post.Author)
	require.NotNil(t, post.Cover)
	assert.Equal(t, types.Cover{ID: "covers/a.jpg", URL: "https://cdn/a.jpg"}, *post.Cover)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostGet_WithoutCover(t *testing.T) {
	repo, mock := newPostRepoWithMock(t)
	now := time.Now()

	rows := sqlmock.NewRows(postRowColumns).
		AddRow(4, "Hello", "s", "c", nil, nil, 1, "alice", now, now)
	mock.ExpectQuery(`(?s)SELECT.+WHERE p.id = \$1`).WithArgs(4).WillReturnRows(rows)

	post, err := repo.Get(context.Background(), 4)
	require.NoError(t, err)
	assert.Nil(t, post.Cover)
}

func TestPostGet_NotFound(t *testing.T) {
	repo, mock := newPostRepoWithMock(t)

	mock.ExpectQuery(`(?s)SELECT.+WHERE p.id = \$1`).WithArgs(9).WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostListRecent(t *testing.T) {
	repo, mock := newPostRepoWithMock(t)
	now := time.Now()

	rows := sqlmock.NewRows(postRowColumns).
		AddRow(2, "Second", "", "", nil, nil, 1, "alice", now, now).
		AddRow(1, "First", "", "", "k", "u", 2, "bob", now.Add(-time.Hour), now)
	mock.ExpectQuery(`(?s)ORDER BY p.created_at DESC, p.id DESC\s+LIMIT \$1`).
		WithArgs(20).
		WillReturnRows(rows)

	posts, err := repo.ListRecent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, "Second", posts[0].Title)
	assert.Equal(t, "bob", posts[1].Author.Username)
	assert.NotNil(t, posts[1].Cover)
}

func TestPostCreate(t *testing.T) {
	repo, mock := newPostRepoWithMock(t)

	mock.ExpectQuery(`(?s)INSERT INTO posts \(title, summary, content, cover_id, cover_url, author_id, created_at, updated_at\).+RETURNING id`).
		WithArgs("Hello", "s", "c",
			sql.NullString{String: "covers/a.jpg", Valid: true},
			sql.NullString{String: "https://cdn/a.jpg", Valid: true},
			1, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))

	post, err := repo.Create(context.Background(), types.Post{
		Title:   "Hello",
		Summary: "s",
		Content: "c",
		Cover:   &types.Cover{ID: "covers/a.jpg", URL: "https://cdn/a.jpg"},
		Author:  types.Author{ID: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 11, post.ID)
	assert.False(t, post.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostCreate_NoCoverWritesNulls(t *testing.T) {
	repo, mock := newPostRepoWithMock(t)

	mock.ExpectQuery(`(?s)INSERT INTO posts`).
		WithArgs("Hello", "", "c", sql.NullString{}, sql.NullString{}, 1, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(12))

	_, err := repo.Create(context.Background(), types.Post{Title: "Hello", Content: "c", Author: types.Author{ID: 1}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostUpdate_NeverWritesAuthor(t *testing.T) {
	repo, mock := newPostRepoWithMock(t)

	mock.ExpectExec(`(?s)UPDATE posts\s+SET title = \$1,\s+summary = \$2,\s+content = \$3,\s+cover_id = \$4,\s+cover_url = \$5,\s+updated_at = \$6\s+WHERE id = \$7$`).
		WithArgs("Hello2", "s", "c", sql.NullString{}, sql.NullString{}, sqlmock.AnyArg(), 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	post, err := repo.Update(context.Background(), types.Post{ID: 3, Title: "Hello2", Summary: "s", Content: "c", Author: types.Author{ID: 99}})
	require.NoError(t, err)
	assert.Equal(t, "Hello2", post.Title)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostUpdate_NotFound(t *testing.T) {
	repo, mock := newPostRepoWithMock(t)

	mock.ExpectExec(`UPDATE posts`).WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := repo.Update(context.Background(), types.Post{ID: 3})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostDelete(t *testing.T) {
	repo, mock := newPostRepoWithMock(t)

	mock.ExpectExec(`DELETE FROM posts WHERE id = \$1`).WithArgs(3).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM posts WHERE id = \$1`).WithArgs(3).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM posts WHERE id = \$1`).WithArgs(4).WillReturnError(errors.New("db down"))

	require.NoError(t, repo.Delete(context.Background(), 3))
	assert.ErrorIs(t, repo.Delete(context.Background(), 3), ErrNotFound)
	assert.EqualError(t, repo.Delete(context.Background(), 4), "db down")
	assert.NoError(t, mock.ExpectationsWereMet())
}
