// Package sealing runs the seal and release protocol over the lower level
// packages. Every privileged operation is gated by the caller's role,
// serialized per exam and recorded in the audit log.
package sealing

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"examseal/internal/asset"
	"examseal/internal/auditlog"
	"examseal/internal/keyvault"
	"examseal/internal/logging"
	"examseal/internal/metadata"
	"examseal/internal/metrics"
	"examseal/internal/sealerr"
	"examseal/internal/store"
	"examseal/internal/timelock"
)

// ErrNoPages is returned when a seal request carries no page images.
var ErrNoPages = errors.New("sealing: no pages to seal")

// Role is the caller-asserted role. Authentication happens elsewhere.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleFaculty    Role = "faculty"
	RoleExamCenter Role = "exam_center"
)

// ParseRole converts s to a Role.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleAdmin, RoleFaculty, RoleExamCenter:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", sealerr.ErrPermissionDenied, s)
}

// Caller identifies who invokes an operation.
type Caller struct {
	User string
	Role Role
}

// Operation names a gated service operation.
type Operation string

const (
	OpSeal           Operation = "seal"
	OpSchedule       Operation = "schedule"
	OpRelease        Operation = "release"
	OpDecrypt        Operation = "decrypt"
	OpVerify         Operation = "verify"
	OpStatus         Operation = "status"
	OpList           Operation = "list"
	OpExamCenterView Operation = "exam_center_view"
	OpDownload       Operation = "download"
	OpAccessCount    Operation = "access_count"
	OpMetadata       Operation = "metadata"
	OpLogs           Operation = "logs"
)

var permissions = map[Operation][]Role{
	OpSeal:           {RoleFaculty, RoleAdmin},
	OpSchedule:       {RoleFaculty, RoleAdmin},
	OpRelease:        {RoleAdmin},
	OpDecrypt:        {RoleExamCenter, RoleAdmin},
	OpVerify:         {RoleAdmin},
	OpStatus:         {RoleAdmin, RoleFaculty, RoleExamCenter},
	OpList:           {RoleAdmin, RoleFaculty},
	OpExamCenterView: {RoleExamCenter, RoleAdmin},
	OpDownload:       {RoleExamCenter, RoleAdmin},
	OpAccessCount:    {RoleAdmin},
	OpMetadata:       {RoleAdmin},
	OpLogs:           {RoleAdmin},
}

// Allowed reports whether role may perform op.
func Allowed(role Role, op Operation) bool {
	for _, r := range permissions[op] {
		if r == role {
			return true
		}
	}
	return false
}

// Options configures a Service.
type Options struct {
	Layout   asset.Layout
	Vault    *keyvault.Vault
	Metadata *metadata.Store
	Log      *auditlog.Log

	// Catalog is optional. When set it mirrors every metadata change.
	Catalog *store.Store
	Metrics *metrics.ExamsealMetrics

	MinAdvance   time.Duration
	MaxAdvance   time.Duration
	ExamDuration time.Duration

	// Workers bounds parallel page scrambling. 0 means GOMAXPROCS.
	Workers int

	Clock  func() time.Time
	Logger *logging.Logger
}

// Service implements the seal, schedule, release and decrypt protocol.
type Service struct {
	layout   asset.Layout
	vault    *keyvault.Vault
	meta     *metadata.Store
	log      *auditlog.Log
	catalog  *store.Store
	metrics  *metrics.ExamsealMetrics
	locks    *asset.Locks
	minAdv   time.Duration
	maxAdv   time.Duration
	duration time.Duration
	workers  int
	now      func() time.Time
	logger   *logging.Logger
}

// New creates a Service. Vault, Metadata and Log are required.
func New(opts Options) (*Service, error) {
	if opts.Vault == nil || opts.Metadata == nil || opts.Log == nil {
		return nil, errors.New("sealing: vault, metadata store and audit log are required")
	}
	if opts.MinAdvance == 0 {
		opts.MinAdvance = timelock.DefaultMinAdvance
	}
	if opts.MaxAdvance == 0 {
		opts.MaxAdvance = timelock.DefaultMaxAdvance
	}
	if opts.ExamDuration <= 0 {
		opts.ExamDuration = timelock.DefaultExamDuration
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Service{
		layout:   opts.Layout,
		vault:    opts.Vault,
		meta:     opts.Metadata,
		log:      opts.Log,
		catalog:  opts.Catalog,
		metrics:  opts.Metrics,
		locks:    opts.Metadata.Locks(),
		minAdv:   opts.MinAdvance,
		maxAdv:   opts.MaxAdvance,
		duration: opts.ExamDuration,
		workers:  opts.Workers,
		now:      opts.Clock,
		logger:   opts.Logger.WithComponent("sealing"),
	}, nil
}

// Layout returns the asset layout the service writes to.
func (s *Service) Layout() asset.Layout {
	return s.layout
}

// AuditLog returns the audit log the service appends to.
func (s *Service) AuditLog() *auditlog.Log {
	return s.log
}

func (s *Service) authorize(c Caller, op Operation) error {
	if c.User == "" {
		s.metrics.RecordPermissionDenied(string(op))
		return fmt.Errorf("%w: %s requires a user", sealerr.ErrPermissionDenied, op)
	}
	if !Allowed(c.Role, op) {
		s.metrics.RecordPermissionDenied(string(op))
		s.logger.Warn("permission denied", "user", c.User, "role", string(c.Role), "operation", string(op))
		return fmt.Errorf("%w: role %q may not %s", sealerr.ErrPermissionDenied, c.Role, op)
	}
	return nil
}

// requireChain refuses privileged work while the audit chain is broken.
func (s *Service) requireChain() error {
	err := s.log.Verify()
	s.metrics.RecordChainVerification(err == nil)
	if err != nil {
		s.logger.Error("audit chain verification failed", "error", err)
	}
	return err
}

// lockExam takes the asset lock of an exam that has metadata.
func (s *Service) lockExam(examID string) (func(), error) {
	if !s.layout.Exists(examID) {
		if _, err := s.layout.Dir(examID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: exam %s", sealerr.ErrNotFound, examID)
	}
	return s.locks.Lock(examID)
}

// commitLogged appends the audit entry of an action and only then runs
// commit. An action whose entry is refused never takes effect. A commit
// failure leaves the entry in place and is reported as an error.
func (s *Service) commitLogged(event, user, examID, details string, commit func() error) (auditlog.Entry, error) {
	entry, err := s.log.Append(event, user, examID, details)
	if err != nil {
		s.metrics.RecordError("audit_append")
		s.logger.Error("audit append refused, action abandoned", "event", event, "exam_id", examID, "error", err)
		return auditlog.Entry{}, err
	}
	if err := commit(); err != nil {
		s.metrics.RecordError("audit_commit")
		s.logger.Error("logged action failed to commit", "event", event, "exam_id", examID, "entry_id", entry.ID, "error", err)
		return auditlog.Entry{}, err
	}
	return entry, nil
}

// syncCatalog mirrors rec into the catalog. Catalog failures are logged and
// never fail the operation; RebuildCatalog repairs drift.
func (s *Service) syncCatalog(rec *metadata.Record) {
	if s.catalog == nil || rec == nil {
		return
	}
	e, err := catalogRow(rec)
	if err == nil {
		err = s.catalog.UpsertExam(e)
	}
	if err != nil {
		s.metrics.RecordError("catalog")
		s.logger.Warn("catalog update failed", "exam_id", rec.ExamID, "error", err)
	}
}

func catalogRow(rec *metadata.Record) (*store.Exam, error) {
	scheduled, err := timelock.ParseISO(rec.ScheduledTime)
	if err != nil {
		return nil, err
	}
	e := &store.Exam{
		ExamID:        rec.ExamID,
		Uploader:      rec.Uploader,
		UploadTime:    rec.UploadTime,
		ScheduledTime: scheduled,
		TotalPages:    rec.TotalPages,
		KeyReleased:   rec.KeyReleased,
		Decrypted:     rec.Decrypted,
	}
	if rec.ReleaseTime != nil {
		e.ReleaseTime = *rec.ReleaseTime
	}
	return e, nil
}

func scheduledOf(rec *metadata.Record) (time.Time, error) {
	return timelock.ParseISO(rec.ScheduledTime)
}
