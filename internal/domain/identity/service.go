package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var validRoles = map[string]bool{"patient": true, "doctor": true, "admin": true}

type Service struct {
	users UserRepository
}

func NewService(users UserRepository) *Service {
	return &Service{users: users}
}

func (s *Service) CreateUser(ctx context.Context, u *User) error {
	u.Name = strings.TrimSpace(u.Name)
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if u.Name == "" {
		return fmt.Errorf("name is required")
	}
	if _, err := mail.ParseAddress(u.Email); err != nil {
		return fmt.Errorf("invalid email: %q", u.Email)
	}
	if u.Role == "" {
		u.Role = "patient"
	}
	if !validRoles[u.Role] {
		return fmt.Errorf("invalid role: %s", u.Role)
	}

	if _, err := s.users.GetByEmail(ctx, u.Email); err == nil {
		return ErrEmailTaken
	} else if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("look up email: %w", err)
	}

	if err := s.users.Create(ctx, u); err != nil {
		return err
	}
	zerolog.Ctx(ctx).Info().Str("user_id", u.ID.String()).Str("role", u.Role).Msg("user created")
	return nil
}

func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.users.GetByID(ctx, id)
}

// Exists reports whether a user with id is registered.
func (s *Service) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.users.Exists(ctx, id)
}
