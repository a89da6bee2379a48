package mockbackend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/autoposter/console/internal/util"
	"github.com/autoposter/console/internal/uuid"
)

type ctxKey int

const userKey ctxKey = iota

// ErrUserExists is returned by AddUser for a duplicate email or username.
var ErrUserExists = errors.New("user already exists")

type accessClaims struct {
	Generation int64  `json:"gen"`
	Type       string `json:"type"`
	jwt.RegisteredClaims
}

// Identity is the JSON shape of a user as served by /auth/me.
type Identity struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Username    string    `json:"username"`
	FullName    string    `json:"full_name,omitempty"`
	IsActive    bool      `json:"is_active"`
	IsSuperuser bool      `json:"is_superuser"`
	CreatedAt   time.Time `json:"created_at"`
}

func (u *user) identity() Identity {
	return Identity{
		ID:          u.ID,
		Email:       u.Email,
		Username:    u.Username,
		FullName:    u.FullName,
		IsActive:    u.IsActive,
		IsSuperuser: u.IsSuperuser,
		CreatedAt:   u.CreatedAt,
	}
}

// TokenResponse is the body returned by login and refresh.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// AddUser creates an active account.
func (s *Server) AddUser(email, username, password, fullName string) (Identity, error) {
	u, err := s.addUser(email, username, password, fullName)
	if err != nil {
		return Identity{}, err
	}
	return u.identity(), nil
}

// SetActive enables or disables the account with the given username.
func (s *Server) SetActive(username string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.lookupLocked(username); u != nil {
		u.IsActive = active
	}
}

// IssuePair signs in username without a password check.
func (s *Server) IssuePair(username string) (TokenResponse, error) {
	s.mu.Lock()
	u := s.lookupLocked(username)
	s.mu.Unlock()
	if u == nil {
		return TokenResponse{}, fmt.Errorf("unknown user %q", username)
	}
	return s.issuePair(u.ID)
}

func (s *Server) addUser(email, username, password, fullName string) (*user, error) {
	salt, err := util.RandomBytes(16)
	if err != nil {
		return nil, err
	}
	hash, err := util.DeriveArgon2idKey(password, salt, s.kdf)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupLocked(email) != nil || s.lookupLocked(username) != nil {
		return nil, ErrUserExists
	}
	u := &user{
		ID:           uuid.New(),
		Email:        util.NormalizeEmail(email),
		Username:     username,
		FullName:     fullName,
		IsActive:     true,
		IsSuperuser:  len(s.users) == 0,
		CreatedAt:    time.Now().UTC(),
		salt:         salt,
		passwordHash: hash,
	}
	s.users[u.ID] = u
	return u, nil
}

func (s *Server) lookupLocked(emailOrUsername string) *user {
	email := util.NormalizeEmail(emailOrUsername)
	for _, u := range s.users {
		if u.Email == email || u.Username == emailOrUsername {
			return u
		}
	}
	return nil
}

func (s *Server) issuePair(userID string) (TokenResponse, error) {
	now := time.Now()
	claims := accessClaims{
		Generation: s.generation.Load(),
		Type:       "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.New(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("signing access token: %w", err)
	}
	refresh, err := util.RandomToken(32)
	if err != nil {
		return TokenResponse{}, err
	}

	s.mu.Lock()
	s.refresh[refresh] = &refreshRecord{userID: userID}
	s.mu.Unlock()

	return TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int(s.accessTTL.Seconds()),
	}, nil
}

// verifyAccess returns the user an access token belongs to.
func (s *Server) verifyAccess(raw string) (*user, error) {
	var claims accessClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.New("Token has expired")
		}
		return nil, errors.New("Invalid token")
	}
	if claims.Type != "access" || claims.Generation < s.generation.Load() {
		return nil, errors.New("Token has expired")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[claims.Subject]
	if !ok {
		return nil, errors.New("User not found")
	}
	if !u.IsActive {
		return nil, errors.New("User account is inactive")
	}
	return u, nil
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", true
	}
	return token, true
}

// requireUser admits requests carrying a valid access token.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.rejected.Load(r.URL.Path); ok {
			writeError(w, http.StatusUnauthorized, "Token has been revoked")
			return
		}
		token, present := bearerToken(r)
		if !present {
			writeError(w, http.StatusUnauthorized, "Missing authorization header")
			return
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "Invalid authorization header format")
			return
		}
		u, err := s.verifyAccess(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, u)))
	})
}

// requireAccess admits a valid access token or, failing that, the API key.
func (s *Server) requireAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.rejected.Load(r.URL.Path); ok {
			writeError(w, http.StatusUnauthorized, "Token has been revoked")
			return
		}
		token, present := bearerToken(r)
		if token != "" {
			if _, err := s.verifyAccess(token); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}
		if key := r.Header.Get("x-api-key"); s.apiKey != "" && key != "" && util.EqualStrings(key, s.apiKey) {
			next.ServeHTTP(w, r)
			return
		}
		if present {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
		writeError(w, http.StatusUnauthorized, "Authentication required")
	})
}

func currentUser(r *http.Request) *user {
	u, _ := r.Context().Value(userKey).(*user)
	return u
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Username string `json:"username"`
		Password string `json:"password"`
		FullName string `json:"full_name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if req.Email == "" || req.Username == "" || len(req.Password) < 8 {
		writeError(w, http.StatusUnprocessableEntity, "email, username and a password of at least 8 characters are required")
		return
	}
	u, err := s.addUser(req.Email, req.Username, req.Password, req.FullName)
	if errors.Is(err, ErrUserExists) {
		writeError(w, http.StatusConflict, "User with this email or username already exists")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, u.identity())
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EmailOrUsername string `json:"email_or_username"`
		Password        string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}

	s.mu.Lock()
	u := s.lookupLocked(req.EmailOrUsername)
	s.mu.Unlock()
	if u == nil {
		writeError(w, http.StatusUnauthorized, "Invalid email/username or password")
		return
	}
	if ok, err := util.CompareArgon2idKey(req.Password, u.salt, s.kdf, u.passwordHash); err != nil || !ok {
		writeError(w, http.StatusUnauthorized, "Invalid email/username or password")
		return
	}
	if !u.IsActive {
		writeError(w, http.StatusForbidden, "User account is inactive")
		return
	}

	pair, err := s.issuePair(u.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("login", "user", u.Username)
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) refreshTokens(w http.ResponseWriter, r *http.Request) {
	s.refreshCount.Add(1)
	if d := time.Duration(s.refreshDelay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
	}
	if status := int(s.refreshFailure.Load()); status != 0 {
		writeError(w, status, "Invalid or revoked refresh token")
		return
	}

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSON(r, &req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusUnprocessableEntity, "refresh_token is required")
		return
	}

	s.mu.Lock()
	rec, ok := s.refresh[req.RefreshToken]
	valid := ok && !rec.revoked
	var u *user
	if valid {
		rec.revoked = true
		u = s.users[rec.userID]
	}
	s.mu.Unlock()
	if !valid {
		writeError(w, http.StatusUnauthorized, "Invalid or revoked refresh token")
		return
	}
	if u == nil || !u.IsActive {
		writeError(w, http.StatusUnauthorized, "User not found or inactive")
		return
	}

	pair, err := s.issuePair(u.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.malformed.Load() {
		pair.RefreshToken = ""
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "refresh_token is required")
		return
	}
	u := currentUser(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.refresh[req.RefreshToken]
	if !ok {
		// Unknown tokens are accepted silently.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if rec.userID != u.ID {
		writeError(w, http.StatusForbidden, "Cannot revoke other user's token")
		return
	}
	rec.revoked = true
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) logoutAll(w http.ResponseWriter, r *http.Request) {
	s.revokeAllFor(currentUser(r).ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) revokeAllFor(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.refresh {
		if rec.userID == userID && !rec.revoked {
			rec.revoked = true
			n++
		}
	}
	return n
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	id := currentUser(r).identity()
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, id)
}

func (s *Server) changePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := decodeJSON(r, &req); err != nil || len(req.NewPassword) < 8 {
		writeError(w, http.StatusUnprocessableEntity, "new_password of at least 8 characters is required")
		return
	}
	u := currentUser(r)
	if ok, err := util.CompareArgon2idKey(req.CurrentPassword, u.salt, s.kdf, u.passwordHash); err != nil || !ok {
		writeError(w, http.StatusBadRequest, "Current password is incorrect")
		return
	}

	salt, err := util.RandomBytes(16)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	hash, err := util.DeriveArgon2idKey(req.NewPassword, salt, s.kdf)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.mu.Lock()
	u.salt, u.passwordHash = salt, hash
	s.mu.Unlock()
	s.revokeAllFor(u.ID)
	w.WriteHeader(http.StatusNoContent)
}
