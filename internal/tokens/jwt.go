package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

type Role string

const (
	// RoleViewer may read incidents and the live stream.
	RoleViewer Role = "viewer"
	// RoleOperator may also confirm or reject actions and clear emergencies.
	RoleOperator Role = "operator"
	// RoleSupervisor may also change the operation mode and edit protocols.
	RoleSupervisor Role = "supervisor"
)

func (r Role) Valid() bool {
	return r == RoleViewer || r == RoleOperator || r == RoleSupervisor
}

// Allows reports whether r has at least the privileges of required.
func (r Role) Allows(required Role) bool {
	rank := map[Role]int{RoleViewer: 1, RoleOperator: 2, RoleSupervisor: 3}
	return rank[r] >= rank[required] && rank[required] > 0
}

type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// UserID is the operator id recorded on confirmations.
func (c *Claims) UserID() string {
	return c.Subject
}

type Manager struct {
	signingKey []byte
	ttl        time.Duration
}

func NewManager(signingKey string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Manager{signingKey: []byte(signingKey), ttl: ttl}
}

func (m *Manager) GenerateAccessToken(userID string, role Role) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	if !role.Valid() {
		return "", fmt.Errorf("unknown role %q", role)
	}
	now := time.Now().UTC()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
			Subject:   userID,
			Issuer:    "ts-utm",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = "v1"

	return token.SignedString(m.signingKey)
}

func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" || !claims.Role.Valid() {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
