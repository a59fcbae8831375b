package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONB is a json.RawMessage that implements the driver.Valuer and sql.Scanner interfaces
// for GORM JSONB columns. SQLite stores it as text.
type JSONB json.RawMessage

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "{}", nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("unsupported JSONB source %T", src)
	}
	return nil
}

// ApprovalModel maps to the "approvals" table.
type ApprovalModel struct {
	ID          string `gorm:"primaryKey"`
	RunID       string `gorm:"not null;index"`
	UserID      string
	Description string `gorm:"not null"`
	Method      string `gorm:"not null"`
	Endpoint    string `gorm:"not null"`
	Category    string
	RiskLevel   string `gorm:"not null"`
	Params      JSONB  `gorm:"type:jsonb;not null;default:'{}'"`
	Status      int16  `gorm:"not null;default:0;index"`
	ResolvedBy  string
	Reason      string
	CreatedAt   time.Time
	ExpiresAt   time.Time `gorm:"index"`
	ResolvedAt  *time.Time
}

func (ApprovalModel) TableName() string { return "approvals" }

// AuditEventModel maps to the "audit_events" table.
// No UpdatedAt or DeletedAt. The audit log is append-only and immutable.
type AuditEventModel struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	RunID      string `gorm:"not null;index"`
	UserID     string
	Event      string `gorm:"not null"`
	Method     string
	Endpoint   string
	Category   string
	RiskLevel  string
	Text       string
	Attempts   int
	ApprovedBy string
	Error      string
	Shown      string
	DecidedAt  *time.Time
	CreatedAt  time.Time `gorm:"index"`
}

func (AuditEventModel) TableName() string { return "audit_events" }

// ActionRunModel maps to the "action_runs" table.
type ActionRunModel struct {
	ID          string `gorm:"primaryKey"`
	UserID      string `gorm:"index"`
	State       string `gorm:"not null;index"`
	Action      string
	Method      string
	Endpoint    string
	Category    string
	Handling    string
	RiskLevel   string
	Text        string
	Answer      string
	Attempts    int
	Reason      string
	Error       string
	ApprovedBy  string
	CreatedAt   time.Time `gorm:"index"`
	UpdatedAt   time.Time
	CompletedAt *time.Time `gorm:"index"`
}

func (ActionRunModel) TableName() string { return "action_runs" }

// ActionModel maps to the "actions" table holding the action catalog.
type ActionModel struct {
	Name        string `gorm:"primaryKey"`
	Method      string `gorm:"not null"`
	Endpoint    string `gorm:"not null"`
	Category    string
	RetryPolicy JSONB `gorm:"type:jsonb;not null;default:'{}'"`
	RiskLevel   string
	Headers     JSONB `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (ActionModel) TableName() string { return "actions" }

// Models lists every table in migration order.
func Models() []any {
	return []any{
		&ActionModel{},
		&ActionRunModel{},
		&ApprovalModel{},
		&AuditEventModel{},
	}
}
