package ops

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sanduku/internal/session"
)

// **** Session request/response types ****

// SessionResponse is the JSON view of one session record.
type SessionResponse struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	ProjectName  string    `json:"project_name"`
	Description  string    `json:"description,omitempty"`
	Status       string    `json:"status"`
	UnitRef      string    `json:"unit_ref,omitempty"`
	VolumeName   string    `json:"volume_name"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastActivity time.Time `json:"last_activity"`
}

// SessionDetailResponse adds child record counts to the session view.
type SessionDetailResponse struct {
	SessionResponse
	Files           int64 `json:"files"`
	FilesTotalBytes int64 `json:"files_total_bytes"`
	TerminalRecords int64 `json:"terminal_records"`
}

// ShareResponse is the JSON view of one share. The bearer token itself is
// never serialized; Bearer only reports that one exists.
type ShareResponse struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	GranterID   string     `json:"granter_id"`
	GranteeID   string     `json:"grantee_id,omitempty"`
	Bearer      bool       `json:"bearer"`
	Permissions string     `json:"permissions"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	IsActive    bool       `json:"is_active"`
}

func toShareResponse(sh *session.Share) ShareResponse {
	return ShareResponse{
		ID:          sh.ID.String(),
		SessionID:   sh.SessionID.String(),
		GranterID:   sh.GranterID,
		GranteeID:   sh.GranteeID,
		Bearer:      sh.Token != "",
		Permissions: sh.Permissions.String(),
		ExpiresAt:   sh.ExpiresAt,
		CreatedAt:   sh.CreatedAt,
		IsActive:    sh.IsActive,
	}
}

func toSessionResponse(s *session.Session) SessionResponse {
	return SessionResponse{
		ID:           s.ID.String(),
		UserID:       s.UserID,
		ProjectName:  s.ProjectName,
		Description:  s.Description,
		Status:       string(s.Status),
		UnitRef:      s.UnitRef,
		VolumeName:   s.VolumeName,
		IsActive:     s.IsActive,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		LastActivity: s.LastActivity,
	}
}

// **** Handlers ****

func (s *Server) handleSessionList(c *okapi.Context) error {
	var (
		sessions []session.Session
		err      error
	)
	if user := c.Request().URL.Query().Get("user"); user != "" {
		sessions, err = s.registry.ListForUser(c.Context(), user)
	} else {
		sessions, err = s.registry.List(c.Context())
	}
	if err != nil {
		return sessionError(c, err)
	}

	resp := make([]SessionResponse, len(sessions))
	for i := range sessions {
		resp[i] = toSessionResponse(&sessions[i])
	}
	return c.OK(resp)
}

func (s *Server) handleSessionGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid session id")
	}

	sess, err := s.registry.Get(c.Context(), id)
	if err != nil {
		return sessionError(c, err)
	}

	resp := SessionDetailResponse{SessionResponse: toSessionResponse(sess)}
	if count, size, err := s.store.Files().Stats(c.Context(), id); err == nil {
		resp.Files = count
		resp.FilesTotalBytes = size
	}
	if count, err := s.store.Terminal().CountBySession(c.Context(), id); err == nil {
		resp.TerminalRecords = count
	}
	return c.OK(resp)
}

func (s *Server) handleSessionDestroy(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid session id")
	}
	keepVolume := c.Request().URL.Query().Get("keep_volume") == "true"

	if err := s.registry.DestroySession(c.Context(), id, keepVolume); err != nil {
		return sessionError(c, err)
	}

	s.logger.Info("session destroyed via admin api",
		slog.String("session_id", id.String()),
		slog.String("operator", c.GetString("operator")),
		slog.Bool("keep_volume", keepVolume),
	)
	return c.OK(okapi.M{"status": "destroyed", "id": id.String()})
}

func (s *Server) handleAudit(c *okapi.Context) error {
	report, err := s.guard.Audit(c.Context(), s.store)
	if err != nil {
		s.logger.Error("isolation audit failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("audit failed")
	}
	return c.OK(report)
}

func (s *Server) handleShareList(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid session id")
	}

	// 404 on unknown sessions rather than an empty list.
	if _, err := s.registry.Get(c.Context(), id); err != nil {
		return sessionError(c, err)
	}

	shares, err := s.broker.ListForSession(c.Context(), id)
	if err != nil {
		return sessionError(c, err)
	}

	resp := make([]ShareResponse, len(shares))
	for i := range shares {
		resp[i] = toShareResponse(&shares[i])
	}
	return c.OK(resp)
}

func (s *Server) handleShareRevoke(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid share id")
	}

	if err := s.broker.Revoke(c.Context(), id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "share not found"})
		}
		return sessionError(c, err)
	}

	s.logger.Info("share revoked via admin api",
		slog.String("share_id", id.String()),
		slog.String("operator", c.GetString("operator")),
	)
	return c.OK(okapi.M{"status": "revoked", "id": id.String()})
}

func (s *Server) handleSweep(c *okapi.Context) error {
	s.logger.Info("manual sweep requested",
		slog.String("operator", c.GetString("operator")),
	)
	// Sweeps bound their own driver calls; run detached so a slow pass
	// does not hit the response write timeout.
	go s.sweep(context.WithoutCancel(c.Context()))
	return c.JSON(http.StatusAccepted, okapi.M{"status": "sweep started"})
}

// --- Helpers ---

// sessionError maps engine errors to appropriate HTTP responses.
func sessionError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "session not found"})
	case errors.Is(err, session.ErrValidation):
		return c.AbortBadRequest(err.Error())
	case errors.Is(err, session.ErrInvalidTransition):
		return c.JSON(http.StatusConflict, okapi.M{"error": err.Error()})
	case errors.Is(err, session.ErrDriver):
		return c.JSON(http.StatusBadGateway, okapi.M{"error": "sandbox driver failure"})
	default:
		return c.AbortInternalServerError("internal error")
	}
}
