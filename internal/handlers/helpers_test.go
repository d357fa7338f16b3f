package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/quillblog/apiserver/internal/auth"
	"github.com/quillblog/apiserver/internal/services"
	"github.com/quillblog/apiserver/internal/store"
	"github.com/quillblog/apiserver/types"
	"github.com/rs/zerolog"
)

const testCookieName = "token"

type memUsers struct {
	mu     sync.Mutex
	byName map[string]types.User
	nextID int
}

func newMemUsers() *memUsers {
	return &memUsers{byName: map[string]types.User{}, nextID: 1}
}

func (m *memUsers) GetByID(ctx context.Context, id int) (types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byName {
		if u.ID == id {
			return u, nil
		}
	}
	return types.User{}, store.ErrNotFound
}

func (m *memUsers) GetByUsername(ctx context.Context, username string) (types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byName[username]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return u, nil
}

func (m *memUsers) Create(ctx context.Context, user types.User) (types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[user.Username]; ok {
		return types.User{}, store.ErrDuplicate
	}
	user.ID = m.nextID
	m.nextID++
	m.byName[user.Username] = user
	return user, nil
}

type memPosts struct {
	mu     sync.Mutex
	posts  map[int]types.Post
	nextID int
}

func newMemPosts() *memPosts {
	return &memPosts{posts: map[int]types.Post{}, nextID: 1}
}

func (m *memPosts) ListRecent(ctx context.Context, limit int) ([]types.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var posts []types.Post
	for id := m.nextID - 1; id > 0 && len(posts) < limit; id-- {
		if p, ok := m.posts[id]; ok {
			posts = append(posts, p)
		}
	}
	return posts, nil
}

func (m *memPosts) Get(ctx context.Context, id int) (types.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return types.Post{}, store.ErrNotFound
	}
	return p, nil
}

func (m *memPosts) Create(ctx context.Context, post types.Post) (types.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	post.ID = m.nextID
	m.nextID++
	post.CreatedAt = time.Now()
	post.UpdatedAt = post.CreatedAt
	m.posts[post.ID] = post
	return post, nil
}

func (m *memPosts) Update(ctx context.Context, post types.Post) (types.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[post.ID]; !ok {
		return types.Post{}, store.ErrNotFound
	}
	post.UpdatedAt = time.Now()
	m.posts[post.ID] = post
	return post, nil
}

func (m *memPosts) Delete(ctx context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.posts, id)
	return nil
}

type memAssets struct {
	mu        sync.Mutex
	next      int
	uploadErr error
	deleted   []string
}

func (m *memAssets) Upload(ctx context.Context, data []byte, contentType string) (types.Cover, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploadErr != nil {
		return types.Cover{}, m.uploadErr
	}
	m.next++
	id := fmt.Sprintf("covers/%d.png", m.next)
	return types.Cover{ID: id, URL: "/uploads/" + id}, nil
}

func (m *memAssets) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, id)
	return nil
}

var errStorageDown = errors.New("storage unavailable")

type testApp struct {
	router http.Handler
	tokens *auth.Tokens
	users  *memUsers
	posts  *memPosts
	assets *memAssets
}

func newTestApp(maxUploadBytes int64) *testApp {
	tokens := auth.NewTokens("test-secret", time.Hour)
	users := newMemUsers()
	posts := newMemPosts()
	assets := &memAssets{}

	userService := services.NewUserService(users, tokens)
	postService := services.NewPostService(posts, assets, tokens, services.PostOptions{Logger: zerolog.Nop()})

	r := chi.NewRouter()
	r.Route("/auth", func(r chi.Router) {
		AuthRouter(r, userService, tokens, CookieOptions{Name: testCookieName, TTL: time.Hour}, nil)
	})
	r.Route("/posts", func(r chi.Router) {
		PostRouter(r, postService, tokens, testCookieName, maxUploadBytes)
	})

	return &testApp{router: r, tokens: tokens, users: users, posts: posts, assets: assets}
}

// seedUser inserts a user directly and returns a valid token for it.
func (a *testApp) seedUser(username string) (types.User, string) {
	user, _ := a.users.Create(context.Background(), types.User{Username: username, PasswordHash: "x"})
	token, _ := a.tokens.Issue(user.ID, user.Username)
	return user, token
}
