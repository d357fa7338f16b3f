package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/quillblog/apiserver/internal/store"
	"github.com/quillblog/apiserver/types"
	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLength = 6
	maxPasswordBytes  = 72
	maxUsernameLength = 64
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	GetByID(ctx context.Context, id int) (types.User, error)
	GetByUsername(ctx context.Context, username string) (types.User, error)
	Create(ctx context.Context, user types.User) (types.User, error)
}

// TokenIssuer signs session tokens.
type TokenIssuer interface {
	Issue(userID int, username string) (string, error)
}

// UserService handles registration and login.
type UserService struct {
	repo   UserRepository
	tokens TokenIssuer
	cost   int
}

func NewUserService(repo UserRepository, tokens TokenIssuer) *UserService {
	return &UserService{repo: repo, tokens: tokens, cost: bcrypt.DefaultCost}
}

func (s *UserService) GetByID(ctx context.Context, id int) (types.User, error) {
	user, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return types.User{}, fmt.Errorf("%w: user %d", ErrNotFound, id)
	}
	return user, err
}

// Register creates an account with a bcrypt-hashed password.
func (s *UserService) Register(ctx context.Context, username, password string) (types.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return types.User{}, fmt.Errorf("%w: username and password are required", ErrValidation)
	}
	if len(username) > maxUsernameLength {
		return types.User{}, fmt.Errorf("%w: username is too long", ErrValidation)
	}
	if len(password) < minPasswordLength {
		return types.User{}, fmt.Errorf("%w: password must be at least %d characters", ErrValidation, minPasswordLength)
	}
	// bcrypt rejects longer input.
	if len(password) > maxPasswordBytes {
		return types.User{}, fmt.Errorf("%w: password must be at most %d bytes", ErrValidation, maxPasswordBytes)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return types.User{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.repo.Create(ctx, types.User{
		Username:     username,
		PasswordHash: string(hashed),
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return types.User{}, fmt.Errorf("%w: username %q", ErrConflict, username)
		}
		return types.User{}, err
	}
	return user, nil
}

// Login checks credentials and returns the user with a fresh session token.
func (s *UserService) Login(ctx context.Context, username, password string) (types.User, string, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return types.User{}, "", fmt.Errorf("%w: missing credentials", ErrValidation)
	}

	user, err := s.repo.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.User{}, "", fmt.Errorf("%w: invalid credentials", ErrUnauthenticated)
		}
		return types.User{}, "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return types.User{}, "", fmt.Errorf("%w: invalid credentials", ErrUnauthenticated)
	}

	token, err := s.IssueToken(user)
	if err != nil {
		return types.User{}, "", err
	}
	return user, token, nil
}

// IssueToken signs a session token for user.
func (s *UserService) IssueToken(user types.User) (string, error) {
	token, err := s.tokens.Issue(user.ID, user.Username)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return token, nil
}
