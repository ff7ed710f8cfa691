package postgres

import (
	"encoding/json"
	"time"

	"github.com/jkaninda/sanduku/internal/session"
)

// --- Session ---

func toSessionModel(s *session.Session) SessionModel {
	return SessionModel{
		ID:           s.ID,
		UserID:       s.UserID,
		ProjectName:  s.ProjectName,
		Description:  s.Description,
		UnitRef:      s.UnitRef,
		VolumeName:   s.VolumeName,
		Status:       string(s.Status),
		IsActive:     s.IsActive,
		Config:       jsonbFromMap(s.Config),
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		LastActivity: s.LastActivity,
	}
}

func toSessionDomain(m *SessionModel) *session.Session {
	return &session.Session{
		ID:           m.ID,
		UserID:       m.UserID,
		ProjectName:  m.ProjectName,
		Description:  m.Description,
		UnitRef:      m.UnitRef,
		VolumeName:   m.VolumeName,
		Status:       session.Status(m.Status),
		IsActive:     m.IsActive,
		Config:       mapFromJSONB(m.Config),
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
		LastActivity: m.LastActivity,
	}
}

// --- SessionFile ---

func toFileModel(f *session.SessionFile) SessionFileModel {
	return SessionFileModel{
		ID:             f.ID,
		SessionID:      f.SessionID,
		Path:           f.Path,
		Name:           f.Name,
		FileType:       f.FileType,
		Size:           f.Size,
		ContentPreview: f.ContentPreview,
		Language:       f.Language,
		CreatedAt:      f.CreatedAt,
		UpdatedAt:      f.UpdatedAt,
	}
}

func toFileDomain(m *SessionFileModel) *session.SessionFile {
	return &session.SessionFile{
		ID:             m.ID,
		SessionID:      m.SessionID,
		Path:           m.Path,
		Name:           m.Name,
		FileType:       m.FileType,
		Size:           m.Size,
		ContentPreview: m.ContentPreview,
		Language:       m.Language,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

// --- TerminalRecord ---

func toRecordModel(r *session.TerminalRecord) TerminalRecordModel {
	return TerminalRecordModel{
		ID:              r.ID,
		SessionID:       r.SessionID,
		Command:         r.Command,
		Output:          r.Output,
		ExitCode:        r.ExitCode,
		WorkingDir:      r.WorkingDir,
		ExecutedAt:      r.ExecutedAt,
		ExecutionTimeMS: r.ExecutionTime.Milliseconds(),
	}
}

func toRecordDomain(m *TerminalRecordModel) *session.TerminalRecord {
	return &session.TerminalRecord{
		ID:            m.ID,
		SessionID:     m.SessionID,
		Command:       m.Command,
		Output:        m.Output,
		ExitCode:      m.ExitCode,
		WorkingDir:    m.WorkingDir,
		ExecutedAt:    m.ExecutedAt,
		ExecutionTime: time.Duration(m.ExecutionTimeMS) * time.Millisecond,
	}
}

// --- Snapshot ---

func toSnapshotModel(s *session.Snapshot) SnapshotModel {
	return SnapshotModel{
		ID:          s.ID,
		SessionID:   s.SessionID,
		Name:        s.Name,
		Description: s.Description,
		FileCount:   s.FileCount,
		TotalSize:   s.TotalSize,
		Metadata:    jsonbFromMap(s.Metadata),
		CreatedAt:   s.CreatedAt,
	}
}

func toSnapshotDomain(m *SnapshotModel) *session.Snapshot {
	return &session.Snapshot{
		ID:          m.ID,
		SessionID:   m.SessionID,
		Name:        m.Name,
		Description: m.Description,
		FileCount:   m.FileCount,
		TotalSize:   m.TotalSize,
		Metadata:    mapFromJSONB(m.Metadata),
		CreatedAt:   m.CreatedAt,
	}
}

// --- Share ---

func toShareModel(s *session.Share) ShareModel {
	return ShareModel{
		ID:          s.ID,
		SessionID:   s.SessionID,
		GranterID:   s.GranterID,
		GranteeID:   s.GranteeID,
		Token:       s.Token,
		PermRead:    s.Permissions.Read,
		PermWrite:   s.Permissions.Write,
		PermExecute: s.Permissions.Execute,
		ExpiresAt:   s.ExpiresAt,
		CreatedAt:   s.CreatedAt,
		IsActive:    s.IsActive,
	}
}

func toShareDomain(m *ShareModel) *session.Share {
	return &session.Share{
		ID:        m.ID,
		SessionID: m.SessionID,
		GranterID: m.GranterID,
		GranteeID: m.GranteeID,
		Token:     m.Token,
		Permissions: session.Permissions{
			Read:    m.PermRead,
			Write:   m.PermWrite,
			Execute: m.PermExecute,
		},
		ExpiresAt: m.ExpiresAt,
		CreatedAt: m.CreatedAt,
		IsActive:  m.IsActive,
	}
}

// --- JSONB helpers ---

func jsonbFromMap(m map[string]any) JSONB {
	if len(m) == 0 {
		return JSONB([]byte("{}"))
	}
	b, err := json.Marshal(m)
	if err != nil || b == nil {
		return JSONB([]byte("{}"))
	}
	return JSONB(b)
}

func mapFromJSONB(j JSONB) map[string]any {
	if len(j) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(j, &m); err != nil || len(m) == 0 {
		return nil
	}
	return m
}
