package users

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"dispatch-service/internal/technicians"
	"dispatch-service/pkg/jwt"
	"dispatch-service/pkg/validation"
)

const defaultRating = 5.0

// TechnicianRegistrar adds a new technician to the location store.
type TechnicianRegistrar interface {
	Register(ctx context.Context, technicianID string, category technicians.Category, rating float64) error
}

// Service contains account business logic.
type Service struct {
	store Store
	techs TechnicianRegistrar
	log   *zap.Logger
}

// NewService creates a user service.
func NewService(store Store, techs TechnicianRegistrar, log *zap.Logger) *Service {
	return &Service{store: store, techs: techs, log: log.Named("users")}
}

// Register creates a client or technician account and returns a JWT.
// Technicians start offline in the location store; clients get a
// verification code.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*AuthResponse, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	a, err := s.create(ctx, req.Name, req.Email, req.Phone, req.Password, req.Role, req.Category)
	if err != nil {
		return nil, err
	}
	return s.issue(a)
}

// EnsureOperator creates the operator account if the email is not taken yet.
func (s *Service) EnsureOperator(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return nil
	}
	_, err := s.create(ctx, "operator", email, "", password, jwt.RoleOperator, "")
	if errors.Is(err, ErrEmailTaken) {
		return nil
	}
	return err
}

func (s *Service) create(ctx context.Context, name, email, phone, password, role, category string) (*Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	a := &Account{
		ID:           uuid.New().String(),
		Name:         name,
		Email:        strings.ToLower(email),
		Phone:        phone,
		PasswordHash: string(hash),
		Role:         role,
		Rating:       defaultRating,
		CreatedAt:    time.Now().UTC(),
	}

	var cat technicians.Category
	switch role {
	case jwt.RoleTechnician:
		if cat, err = technicians.ParseCategory(category); err != nil {
			return nil, err
		}
		a.Category = string(cat)
	case jwt.RoleClient:
		if a.VerificationCode, err = newVerificationCode(); err != nil {
			return nil, err
		}
	}

	if err := s.store.Create(ctx, a); err != nil {
		return nil, err
	}
	if role == jwt.RoleTechnician {
		if err := s.techs.Register(ctx, a.ID, cat, a.Rating); err != nil {
			return nil, fmt.Errorf("register technician location: %w", err)
		}
	}
	s.log.Info("account created", zap.String("user_id", a.ID), zap.String("role", role))
	return a, nil
}

// Login authenticates an account and returns a JWT.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*AuthResponse, error) {
	a, err := s.store.GetByEmail(ctx, req.Email)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(req.Password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return s.issue(a)
}

func (s *Service) issue(a *Account) (*AuthResponse, error) {
	token, err := jwt.Generate(a.ID, a.Email, a.Role)
	if err != nil {
		return nil, err
	}
	return &AuthResponse{Token: token, User: a}, nil
}

// GetByID fetches a single account.
func (s *Service) GetByID(ctx context.Context, id string) (*Account, error) {
	return s.store.GetByID(ctx, id)
}

// VerificationCode returns the client's proof-of-service code.
func (s *Service) VerificationCode(ctx context.Context, clientID string) (string, error) {
	a, err := s.store.GetByID(ctx, clientID)
	if err != nil {
		return "", err
	}
	return a.VerificationCode, nil
}

func newVerificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
