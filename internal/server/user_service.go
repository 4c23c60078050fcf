package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jonathan/financial-analyzer/internal/config"
	"github.com/jonathan/financial-analyzer/internal/db"
	"github.com/jonathan/financial-analyzer/internal/types"
)

// UserService provides business logic for user accounts
type UserService struct {
	store          db.Store
	passwordConfig *config.PasswordConfig
}

// NewUserService creates a new UserService with the given dependencies
func NewUserService(store db.Store, passwordConfig *config.PasswordConfig) *UserService {
	return &UserService{
		store:          store,
		passwordConfig: passwordConfig,
	}
}

// UserProfile is a user with their job history, newest first.
type UserProfile struct {
	*types.User
	TotalJobs int           `json:"total_jobs"`
	Jobs      []jobResponse `json:"jobs"`
}

// toTypesUser converts db.User to types.User, excluding password hash
func toTypesUser(u *db.User) *types.User {
	if u == nil {
		return nil
	}
	return &types.User{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		CreatedAt: u.CreatedAt,
	}
}

// Register creates a new user with password authentication
func (s *UserService) Register(ctx context.Context, req *types.CreateUserRequest) (*types.User, error) {
	email := types.NormalizeEmail(req.Email)

	passwordHash, err := s.passwordConfig.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := s.store.CreateUser(ctx, db.NewUser{
		Email:        email,
		Name:         strings.TrimSpace(req.Name),
		PasswordHash: passwordHash,
	})
	if err != nil {
		if errors.Is(err, db.ErrEmailTaken) {
			return nil, &ErrEmailAlreadyExists{Email: email}
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return toTypesUser(user), nil
}

// Login authenticates a user and returns user data
func (s *UserService) Login(ctx context.Context, req *types.LoginRequest) (*types.User, error) {
	user, err := s.store.GetUserByEmail(ctx, types.NormalizeEmail(req.Email))
	if err != nil {
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}

	// Same error for unknown email and wrong password
	if user == nil {
		return nil, &ErrInvalidCredentials{}
	}
	if !s.passwordConfig.VerifyPassword(req.Password, user.PasswordHash) {
		return nil, &ErrInvalidCredentials{}
	}

	return toTypesUser(user), nil
}

// Exists reports whether the user id is registered.
func (s *UserService) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	user, err := s.store.GetUser(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to get user: %w", err)
	}
	return user != nil, nil
}

// Profile returns the user with their full job history.
func (s *UserService) Profile(ctx context.Context, id uuid.UUID) (*UserProfile, error) {
	user, err := s.store.GetUser(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return nil, &ErrUserNotFound{UserID: id}
	}

	total, err := s.store.CountJobsByUser(ctx, id)
	if err != nil {
		return nil, err
	}
	jobs, err := s.store.ListJobs(ctx, db.JobFilters{UserID: &id})
	if err != nil {
		return nil, err
	}

	return &UserProfile{
		User:      toTypesUser(user),
		TotalJobs: total,
		Jobs:      toJobResponses(jobs),
	}, nil
}
