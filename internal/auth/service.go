package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/osirix/backend/internal/models"
)

var (
	// ErrDuplicateEmail is returned when registering with an email that
	// already exists.
	ErrDuplicateEmail = errors.New("email already registered")

	// ErrInvalidCredentials is returned for a wrong email or password.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// BonusGranter credits the signup bonus to a fresh account.
type BonusGranter interface {
	Grant(ctx context.Context, userID uuid.UUID, amount int64, kind string, referenceID uuid.UUID) error
}

type Service interface {
	Register(ctx context.Context, email, password, displayName string) (*models.User, error)
	Login(ctx context.Context, email, password string) (string, error)
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
	Me(ctx context.Context, userID uuid.UUID) (*models.User, error)
}

type service struct {
	repo        *Repository
	ledger      BonusGranter
	secret      []byte
	tokenTTL    time.Duration
	signupBonus int64
	log         *slog.Logger
}

func NewService(repo *Repository, ledger BonusGranter, secret string, tokenTTL time.Duration, signupBonus int64, log *slog.Logger) *service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &service{
		repo:        repo,
		ledger:      ledger,
		secret:      []byte(secret),
		tokenTTL:    tokenTTL,
		signupBonus: signupBonus,
		log:         log,
	}
}

var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Register creates the user and grants the signup bonus. A bonus grant
// failure is logged, not surfaced: the account exists and the bonus can be
// reconciled later.
func (s *service) Register(ctx context.Context, email, password, displayName string) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	u := &models.User{
		ID:          uuid.New(),
		Email:       email,
		DisplayName: displayName,
		Role:        models.RoleUser,
	}
	if err := s.repo.Create(ctx, u, string(hash)); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	if s.signupBonus > 0 {
		if err := s.ledger.Grant(ctx, u.ID, s.signupBonus, models.LedgerKindBonus, u.ID); err != nil {
			s.log.Error("signup bonus grant failed", "user_id", u.ID, "error", err)
		}
	}
	return u, nil
}

func (s *service) Login(ctx context.Context, email, password string) (string, error) {
	u, hash, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.issueToken(u.ID, u.Role)
}

func (s *service) issueToken(userID uuid.UUID, role string) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: role,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return uuid.Nil, "", err
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return uuid.Nil, "", errors.New("invalid token")
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, "", err
	}
	return id, c.Role, nil
}

func (s *service) Me(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	return s.repo.GetByID(ctx, userID)
}
