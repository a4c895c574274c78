package access

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Onboarding creates the first admin account. It is open exactly while
// the instance has zero users; afterwards it always fails.

// OnboardingCompleted reports whether any user account exists.
func (s *Service) OnboardingCompleted(ctx context.Context) (bool, error) {
	n, err := s.store.CountUsers(ctx)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CompleteOnboarding creates the initial admin with its fixed id and a
// credential account, and grants the admin role.
func (s *Service) CompleteOnboarding(ctx context.Context, email, name, password string) (*UserRecord, error) {
	done, err := s.OnboardingCompleted(ctx)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, ErrAlreadyCompleted
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	hash, err := HashPassword(password, 0)
	if err != nil {
		return nil, err
	}

	user := &UserRecord{ID: InitialAdminID, Email: email, Name: name, Roles: []string{RoleAdmin}}
	err = s.store.tx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO "user" (id, email, name, email_verified) VALUES ($1, $2, $3, TRUE)`,
			user.ID, user.Email, user.Name,
		); err != nil {
			return fmt.Errorf("create initial admin: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO account (id, account_id, provider_id, user_id, password)
			VALUES ($1, $2, 'credential', $3, $4)`,
			uuid.NewString(), user.Email, user.ID, hash,
		); err != nil {
			return fmt.Errorf("create admin credential: %w", err)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO user_role (user_id, role_id) VALUES ($1, $2)",
			user.ID, RoleAdmin,
		); err != nil {
			return fmt.Errorf("grant admin role: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("onboarding completed", zap.String("user_id", user.ID))
	return user, nil
}
