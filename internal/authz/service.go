package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/pharmadist/pharmadist/internal/platform/cache"
	"github.com/pharmadist/pharmadist/internal/shared"
)

// Store is the permission/user collaborator.
type Store interface {
	GetUser(ctx context.Context, id int64) (User, error)
	UserPermissions(ctx context.Context, userID int64) ([]string, error)
	UserStagePermissions(ctx context.Context, userID int64) (map[string][]string, error)
}

// Service resolves user grants, caching them in Redis.
type Service struct {
	store  Store
	writer AssignmentWriter
	cache  *cache.Versioned
	group  singleflight.Group
	logger *slog.Logger
}

// NewService constructs Service. cache may be nil to disable caching.
func NewService(store Store, writer AssignmentWriter, c *cache.Versioned, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, writer: writer, cache: c, logger: logger}
}

// Grants returns the resolved grants of userID. Unknown and inactive users get
// inactive grants that deny everything.
func (s *Service) Grants(ctx context.Context, userID int64) (Grants, error) {
	if userID <= 0 {
		return Grants{}, nil
	}
	key, err := s.cache.BuildKey(ctx, "grants", strconv.FormatInt(userID, 10))
	if err != nil {
		s.logger.Warn("authz cache unavailable", slog.Any("error", err))
		return s.load(ctx, userID)
	}
	ch := s.group.DoChan(key, func() (any, error) {
		var g Grants
		err := s.cache.FetchJSON(ctx, key, &g, func(ctx context.Context) (any, error) {
			return s.load(ctx, userID)
		})
		return g, err
	})
	select {
	case <-ctx.Done():
		return Grants{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Grants{}, res.Err
		}
		return res.Val.(Grants), nil
	}
}

func (s *Service) load(ctx context.Context, userID int64) (Grants, error) {
	user, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, shared.ErrNotFound) {
		return Grants{UserID: userID}, nil
	}
	if err != nil {
		return Grants{}, fmt.Errorf("authz: load user: %w", err)
	}
	if !user.IsActive {
		return Grants{UserID: userID}, nil
	}
	perms, err := s.store.UserPermissions(ctx, userID)
	if err != nil {
		return Grants{}, fmt.Errorf("authz: load permissions: %w", err)
	}
	staged, err := s.store.UserStagePermissions(ctx, userID)
	if err != nil {
		return Grants{}, fmt.Errorf("authz: load stage permissions: %w", err)
	}
	g := Grants{UserID: userID, Active: true, Permissions: normalize(perms), Stages: make(map[string][]string, len(staged))}
	for stage, list := range staged {
		g.Stages[strings.ToUpper(stage)] = normalize(list)
	}
	return g, nil
}

// UserHasPermission reports whether userID holds perm globally.
func (s *Service) UserHasPermission(ctx context.Context, userID int64, perm string) (bool, error) {
	g, err := s.Grants(ctx, userID)
	if err != nil {
		return false, err
	}
	return g.HasPermission(perm), nil
}

// UserHasStagePermission reports whether userID holds perm within stage.
func (s *Service) UserHasStagePermission(ctx context.Context, userID int64, stage, perm string) (bool, error) {
	g, err := s.Grants(ctx, userID)
	if err != nil {
		return false, err
	}
	return g.HasStagePermission(stage, perm), nil
}

// EffectivePermissions returns every permission userID holds globally.
func (s *Service) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	g, err := s.Grants(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !g.Active {
		return nil, nil
	}
	return g.Permissions, nil
}

// Invalidate drops every cached grant set.
func (s *Service) Invalidate(ctx context.Context) error {
	if err := s.cache.Bump(ctx); err != nil {
		return fmt.Errorf("authz: invalidate cache: %w", err)
	}
	return nil
}

func normalize(perms []string) []string {
	set := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			set[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
