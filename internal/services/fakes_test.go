package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/quillblog/apiserver/internal/auth"
	"github.com/quillblog/apiserver/internal/store"
	"github.com/quillblog/apiserver/types"
)

type fakeTokens map[string]auth.Identity

func (f fakeTokens) Verify(token string) (auth.Identity, error) {
	id, ok := f[token]
	if !ok {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return id, nil
}

func (f fakeTokens) Issue(userID int, username string) (string, error) {
	token := fmt.Sprintf("token-%d", userID)
	f[token] = auth.Identity{UserID: userID, Username: username}
	return token, nil
}

type memPostRepo struct {
	mu        sync.Mutex
	posts     map[int]types.Post
	nextID    int
	createErr error
	updateErr error
	updates   int
}

func newMemPostRepo() *memPostRepo {
	return &memPostRepo{posts: map[int]types.Post{}, nextID: 1}
}

func (r *memPostRepo) ListRecent(ctx context.Context, limit int) ([]types.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	posts := make([]types.Post, 0, len(r.posts))
	for _, p := range r.posts {
		posts = append(posts, p)
	}
	sort.Slice(posts, func(i, j int) bool { return posts[i].ID > posts[j].ID })
	if len(posts) > limit {
		posts = posts[:limit]
	}
	return posts, nil
}

func (r *memPostRepo) Get(ctx context.Context, id int) (types.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.posts[id]
	if !ok {
		return types.Post{}, store.ErrNotFound
	}
	return p, nil
}

func (r *memPostRepo) Create(ctx context.Context, post types.Post) (types.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return types.Post{}, r.createErr
	}
	post.ID = r.nextID
	r.nextID++
	r.posts[post.ID] = post
	return post, nil
}

// Update mirrors the SQL repository: the author column is never written.
func (r *memPostRepo) Update(ctx context.Context, post types.Post) (types.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++
	if r.updateErr != nil {
		return types.Post{}, r.updateErr
	}
	existing, ok := r.posts[post.ID]
	if !ok {
		return types.Post{}, store.ErrNotFound
	}
	post.Author.ID = existing.Author.ID
	r.posts[post.ID] = post
	return post, nil
}

func (r *memPostRepo) Delete(ctx context.Context, id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.posts[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.posts, id)
	return nil
}

type fakeAssets struct {
	mu        sync.Mutex
	next      int
	stored    map[string][]byte
	uploads   []string
	deletes   []string
	uploadErr error
	deleteErr error
}

func newFakeAssets() *fakeAssets {
	return &fakeAssets{stored: map[string][]byte{}}
}

func (a *fakeAssets) Upload(ctx context.Context, data []byte, contentType string) (types.Cover, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.uploadErr != nil {
		return types.Cover{}, a.uploadErr
	}
	a.next++
	id := fmt.Sprintf("covers/asset-%d", a.next)
	a.stored[id] = data
	a.uploads = append(a.uploads, id)
	return types.Cover{ID: id, URL: "https://cdn.test/" + id}, nil
}

func (a *fakeAssets) Delete(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deletes = append(a.deletes, id)
	if a.deleteErr != nil {
		return a.deleteErr
	}
	delete(a.stored, id)
	return nil
}

type published struct {
	channel string
	data    []byte
	attrs   map[string]string
}

type fakePublisher struct {
	messages []published
	err      error
}

func (p *fakePublisher) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, published{channel: channel, data: data, attrs: attrs})
	return "id", nil
}
