package access

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const sessionTTL = 7 * 24 * time.Hour

// authHandler serves the session endpoints below /api/access/auth.
// These live outside the RPC router because they manage cookies.
func (m *Module) authHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/sign-up", m.handleSignUp)
	mux.HandleFunc("POST /auth/sign-in", m.handleSignIn)
	mux.HandleFunc("POST /auth/sign-out", m.handleSignOut)
	mux.HandleFunc("GET /auth/onboarding", m.handleOnboardingStatus)
	mux.HandleFunc("POST /auth/onboarding", m.handleOnboarding)
	return mux
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

func (m *Module) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAuthError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := m.svc.SignUp(r.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		if errors.Is(err, ErrUserExists) {
			writeAuthError(w, http.StatusConflict, err.Error())
			return
		}
		writeAuthError(w, http.StatusBadRequest, err.Error())
		return
	}
	m.openSession(w, r, user.ID)
	writeJSON(w, http.StatusCreated, user)
}

func (m *Module) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAuthError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := m.svc.VerifyCredentials(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeAuthError(w, http.StatusUnauthorized, err.Error())
			return
		}
		m.logger().Error("sign-in failed", zap.Error(err))
		writeAuthError(w, http.StatusInternalServerError, "sign-in failed")
		return
	}
	m.openSession(w, r, user.ID)
	writeJSON(w, http.StatusOK, user)
}

func (m *Module) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		if err := m.store.DeleteSession(r.Context(), cookie.Value); err != nil {
			m.logger().Warn("delete session failed", zap.Error(err))
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (m *Module) handleOnboardingStatus(w http.ResponseWriter, r *http.Request) {
	done, err := m.svc.OnboardingCompleted(r.Context())
	if err != nil {
		m.logger().Error("onboarding status failed", zap.Error(err))
		writeAuthError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"completed": done})
}

func (m *Module) handleOnboarding(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAuthError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := m.svc.CompleteOnboarding(r.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		if errors.Is(err, ErrAlreadyCompleted) {
			writeAuthError(w, http.StatusConflict, err.Error())
			return
		}
		writeAuthError(w, http.StatusBadRequest, err.Error())
		return
	}
	m.openSession(w, r, user.ID)
	writeJSON(w, http.StatusCreated, user)
}

func (m *Module) openSession(w http.ResponseWriter, r *http.Request, userID string) {
	token, err := m.store.CreateSession(r.Context(), userID, sessionTTL)
	if err != nil {
		m.logger().Error("create session failed", zap.Error(err))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(sessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
