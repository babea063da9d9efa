package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

const maxTitleLen = 120

var (
	ErrProjectNotFound = errors.New("catalog: project not found")
	ErrInvalidTitle    = errors.New("catalog: invalid project title")
)

type ProjectService interface {
	CreateProject(ctx context.Context, userID, title string) (*Project, error)
	GetProject(ctx context.Context, userID, id string) (*Project, error)
	ListProjects(ctx context.Context, userID string) ([]*Project, error)
}

type Service struct {
	repo   Repository
	logger *slog.Logger
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

func (s *Service) CreateProject(ctx context.Context, userID, title string) (*Project, error) {
	cleaned := SanitizeTitle(title, maxTitleLen)
	if cleaned == "" {
		return nil, ErrInvalidTitle
	}

	p := &Project{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     cleaned,
		CreatedAt: time.Now(),
	}
	if err := s.repo.CreateProject(ctx, p); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}

	if s.logger != nil {
		s.logger.Info("project created", "project_id", p.ID, "user_id", userID)
	}
	return p, nil
}

// GetProject returns ErrProjectNotFound for projects owned by someone else.
func (s *Service) GetProject(ctx context.Context, userID, id string) (*Project, error) {
	p, err := s.repo.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil || p.UserID != userID {
		return nil, ErrProjectNotFound
	}
	return p, nil
}

func (s *Service) ListProjects(ctx context.Context, userID string) ([]*Project, error) {
	return s.repo.ListProjects(ctx, userID)
}

// SanitizeTitle drops control characters, replaces anything outside a
// conservative set with '_' and trims to maxLen runes.
func SanitizeTitle(s string, maxLen int) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if isAllowedTitleRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	cleaned := strings.TrimSpace(b.String())
	if maxLen > 0 {
		runes := []rune(cleaned)
		if len(runes) > maxLen {
			cleaned = strings.TrimSpace(string(runes[:maxLen]))
		}
	}
	return cleaned
}

func isAllowedTitleRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case ' ', '-', '_', '.', ',', '(', ')', '\'', '&', '!':
		return true
	default:
		return false
	}
}
