package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// Account run statuses.
const (
	StatusNever   = "never"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusTimeout = "timeout"
)

// Audit entry levels.
const (
	AuditInfo    = "info"
	AuditWarning = "warning"
	AuditError   = "error"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateCredential is returned when an owner already has an
	// account with the same credential.
	ErrDuplicateCredential = errors.New("duplicate credential")
)

// Account is a registered identity whose credential is used for grab attempts.
type Account struct {
	ID            string
	Owner         string
	Name          string
	Credential    string
	Active        bool
	LastRunAt     *time.Time
	LastRunStatus string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// LineOutcome is one classified line of attempt output.
type LineOutcome struct {
	Text    string `json:"text"`
	Outcome string `json:"outcome"`
}

// Attempt is the immutable history record of one grab attempt.
type Attempt struct {
	ID             string
	AccountID      string
	AccountName    string // joined on read
	BatchID        string
	Trigger        string
	OccurredAt     time.Time
	Status         string // "success" or "failed"
	AccountStatus  string // terminal account status written with the attempt
	SucceededCount int
	FailedCount    int
	LineOutcomes   []LineOutcome
	Message        string
	RawOutput      string
	DurationMs     int64
	LogPath        string
	Truncated      bool // RawOutput lost its leading bytes to the capture cap
	ExitCode       int
}

// AttemptListOpts controls filtering and pagination for attempt queries.
type AttemptListOpts struct {
	AccountID string
	Limit     int
	Offset    int
}

// AuditEntry is one operator-visible action log line.
type AuditEntry struct {
	ID        string
	Level     string
	Category  string
	Message   string
	Details   string
	Actor     string
	CreatedAt time.Time
}

// AuditListOpts controls filtering and pagination for audit queries.
type AuditListOpts struct {
	Level    string
	Category string
	Limit    int
	Offset   int
}

// Stats holds dashboard aggregates.
type Stats struct {
	TotalAccounts  int
	ActiveAccounts int
	TotalAttempts  int
	AttemptsSince  int
	SucceededSince int
	FailedSince    int
}

// AccountStore persists accounts and their run status.
type AccountStore interface {
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	FindAccountByCredential(ctx context.Context, owner, credential string) (*Account, error)
	ListAccounts(ctx context.Context, owner string) ([]*Account, error)
	ListActiveAccounts(ctx context.Context) ([]*Account, error)
	ListAccountsByID(ctx context.Context, ids []string) ([]*Account, error)
	// ListRunningAccounts returns accounts whose status is still running.
	ListRunningAccounts(ctx context.Context) ([]*Account, error)
	UpdateAccount(ctx context.Context, a *Account) error
	DeleteAccount(ctx context.Context, id string) error
	MarkRunning(ctx context.Context, id string, at time.Time) error
	SetRunStatus(ctx context.Context, id string, status string) error
}

// AttemptStore persists the append-only attempt history.
type AttemptStore interface {
	// CompleteAttempt inserts the attempt and sets the owning account's
	// terminal status in one transaction.
	CompleteAttempt(ctx context.Context, a *Attempt) error
	GetAttempt(ctx context.Context, id string) (*Attempt, error)
	ListAttempts(ctx context.Context, opts AttemptListOpts) ([]*Attempt, error)
	CountAttempts(ctx context.Context, accountID string) (int, error)
}

// StatsStore computes dashboard aggregates.
type StatsStore interface {
	Stats(ctx context.Context, since time.Time) (*Stats, error)
}

// AuditStore persists audit entries.
type AuditStore interface {
	AppendAudit(ctx context.Context, e *AuditEntry) error
	ListAudit(ctx context.Context, opts AuditListOpts) ([]*AuditEntry, error)
	CountAudit(ctx context.Context, opts AuditListOpts) (int, error)
}
