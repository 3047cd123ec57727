package relational

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/roach88/ballotsync/internal/ballot"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// GormStore is the SQLite-backed relational store.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// GormOption configures a GormStore.
type GormOption func(*GormStore)

// WithGormClock sets the clock used for recorded_at and updated_at stamps.
func WithGormClock(now func() time.Time) GormOption {
	return func(s *GormStore) { s.now = now }
}

// OpenGorm opens (creating if needed) the relational database at path and
// applies migrations. ":memory:" is accepted for tests.
func OpenGorm(ctx context.Context, path string, opts ...GormOption) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open relational database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open relational database: %w", err)
	}
	// One connection keeps ":memory:" databases alive and avoids SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate relational database: %w", err)
	}

	s := &GormStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RunMigrations applies the embedded goose migrations.
func RunMigrations(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrationsFS)
	return goose.UpContext(ctx, sqlDB, "migrations")
}

// Close closes the database.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateElection inserts an election and returns it with its id.
func (s *GormStore) CreateElection(ctx context.Context, e ballot.Election) (ballot.Election, error) {
	if !ballot.ValidElectionStatuses[e.Status] && e.Status != "" {
		return ballot.Election{}, fmt.Errorf("create election: invalid status %q", e.Status)
	}
	m := electionModelFrom(e)
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return ballot.Election{}, fmt.Errorf("create election: %w", err)
	}
	return m.toDomain(), nil
}

// UpdateElection edits an election's descriptive fields. Ledger-relevant
// fields (position, window) are frozen once a ledger id is attached.
func (s *GormStore) UpdateElection(ctx context.Context, e ballot.Election) (ballot.Election, error) {
	var updated ballot.Election
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m ElectionModel
		if err := tx.First(&m, e.ID).Error; err != nil {
			return notFound(err)
		}
		if m.LedgerID != nil &&
			(m.Position != e.Position || !m.StartsAt.Equal(e.StartsAt) || !m.EndsAt.Equal(e.EndsAt)) {
			return fmt.Errorf("election %d: %w", e.ID, ErrFrozen)
		}
		if e.Status != "" && !ballot.ValidElectionStatuses[e.Status] {
			return fmt.Errorf("invalid status %q", e.Status)
		}
		m.Name = e.Name
		m.Position = e.Position
		m.StartsAt = e.StartsAt.UTC()
		m.EndsAt = e.EndsAt.UTC()
		if e.EligibleFaculties != nil {
			m.EligibleFaculties = e.EligibleFaculties
		}
		if e.Status != "" {
			m.Status = string(e.Status)
		}
		if err := tx.Save(&m).Error; err != nil {
			return err
		}
		updated = m.toDomain()
		return nil
	})
	if err != nil {
		return ballot.Election{}, fmt.Errorf("update election: %w", err)
	}
	return updated, nil
}

// CreateCandidate inserts a candidate. The domain id is NFC-normalized.
func (s *GormStore) CreateCandidate(ctx context.Context, c ballot.Candidate) (ballot.Candidate, error) {
	m := CandidateModel{
		ID:       c.ID,
		FullName: c.FullName,
		DomainID: ballot.NormalizeDomainID(strings.TrimSpace(c.DomainID)),
		Faculty:  c.Faculty,
		Position: c.Position,
		LedgerID: c.LedgerID,
	}
	if m.DomainID == "" {
		return ballot.Candidate{}, fmt.Errorf("create candidate: empty domain id")
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return ballot.Candidate{}, fmt.Errorf("create candidate: %w", err)
	}
	return m.toDomain(), nil
}

// CreateRegistration links a candidate to an election.
func (s *GormStore) CreateRegistration(ctx context.Context, r ballot.Registration) error {
	m := RegistrationModel{ElectionID: r.ElectionID, CandidateID: r.CandidateID, RunningMateID: r.RunningMateID}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("create registration %s: %w", r.Key(), err)
	}
	return nil
}

// ListElections implements Client. Ordered by id.
func (s *GormStore) ListElections(ctx context.Context) ([]ballot.Election, error) {
	var rows []ElectionModel
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list elections: %w", err)
	}
	out := make([]ballot.Election, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toDomain())
	}
	return out, nil
}

// GetElection implements Client.
func (s *GormStore) GetElection(ctx context.Context, id int64) (ballot.Election, error) {
	var m ElectionModel
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return ballot.Election{}, fmt.Errorf("get election %d: %w", id, notFound(err))
	}
	return m.toDomain(), nil
}

// ListCandidates implements Client. Ordered by id.
func (s *GormStore) ListCandidates(ctx context.Context) ([]ballot.Candidate, error) {
	var rows []CandidateModel
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	out := make([]ballot.Candidate, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toDomain())
	}
	return out, nil
}

// GetCandidate implements Client.
func (s *GormStore) GetCandidate(ctx context.Context, id int64) (ballot.Candidate, error) {
	var m CandidateModel
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return ballot.Candidate{}, fmt.Errorf("get candidate %d: %w", id, notFound(err))
	}
	return m.toDomain(), nil
}

// ListRegistrations implements Client. Ordered by election, then candidate.
func (s *GormStore) ListRegistrations(ctx context.Context) ([]ballot.Registration, error) {
	var rows []RegistrationModel
	if err := s.db.WithContext(ctx).Order("election_id ASC, candidate_id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	return registrationsToDomain(rows), nil
}

// ListRegistrationsByElection implements Client.
func (s *GormStore) ListRegistrationsByElection(ctx context.Context, electionID int64) ([]ballot.Registration, error) {
	var rows []RegistrationModel
	err := s.db.WithContext(ctx).
		Where("election_id = ?", electionID).
		Order("candidate_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list registrations for election %d: %w", electionID, err)
	}
	return registrationsToDomain(rows), nil
}

// AttachElectionLedgerID implements Client.
func (s *GormStore) AttachElectionLedgerID(ctx context.Context, id int64, ledgerID uint64) error {
	if err := s.attach(ctx, &ElectionModel{}, id, ledgerID); err != nil {
		return fmt.Errorf("attach ledger id to election %d: %w", id, err)
	}
	return nil
}

// AttachCandidateLedgerID implements Client.
func (s *GormStore) AttachCandidateLedgerID(ctx context.Context, id int64, ledgerID uint64) error {
	if err := s.attach(ctx, &CandidateModel{}, id, ledgerID); err != nil {
		return fmt.Errorf("attach ledger id to candidate %d: %w", id, err)
	}
	return nil
}

// attach sets ledger_id on one row of model's table if it is still NULL.
func (s *GormStore) attach(ctx context.Context, model any, id int64, ledgerID uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current struct {
			LedgerID *uint64
		}
		res := tx.Model(model).Select("ledger_id").Where("id = ?", id).Limit(1).Scan(&current)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if current.LedgerID != nil {
			if *current.LedgerID == ledgerID {
				return nil
			}
			return fmt.Errorf("%w: has %d, refusing %d", ErrLedgerIDImmutable, *current.LedgerID, ledgerID)
		}
		return tx.Model(model).
			Where("id = ? AND ledger_id IS NULL", id).
			Updates(map[string]any{"ledger_id": ledgerID, "updated_at": s.now().UTC()}).Error
	})
}

// RecordOffchainVote implements Client.
func (s *GormStore) RecordOffchainVote(ctx context.Context, v OffchainVote) error {
	voter := ballot.NormalizeDomainID(v.Voter)
	exists, err := s.HasOffchainVote(ctx, v.ElectionID, voter)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("election %d voter %s: %w", v.ElectionID, voter, ErrDuplicateVote)
	}
	recorded := v.RecordedAt
	if recorded.IsZero() {
		recorded = s.now()
	}
	m := OffchainVoteModel{
		ElectionID:  v.ElectionID,
		CandidateID: v.CandidateID,
		Voter:       voter,
		Reason:      v.Reason,
		RecordedAt:  recorded.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		// the unique index is the final word if two sessions race
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return fmt.Errorf("election %d voter %s: %w", v.ElectionID, voter, ErrDuplicateVote)
		}
		return fmt.Errorf("record offchain vote: %w", err)
	}
	return nil
}

// HasOffchainVote implements Client.
func (s *GormStore) HasOffchainVote(ctx context.Context, electionID int64, voter string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&OffchainVoteModel{}).
		Where("election_id = ? AND voter = ?", electionID, ballot.NormalizeDomainID(voter)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check offchain vote: %w", err)
	}
	return count > 0, nil
}

// ListOffchainVotes returns recorded off-ledger votes for an election.
func (s *GormStore) ListOffchainVotes(ctx context.Context, electionID int64) ([]OffchainVote, error) {
	var rows []OffchainVoteModel
	err := s.db.WithContext(ctx).Where("election_id = ?", electionID).Order("id ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list offchain votes: %w", err)
	}
	out := make([]OffchainVote, 0, len(rows))
	for _, m := range rows {
		out = append(out, OffchainVote{
			ElectionID:  m.ElectionID,
			CandidateID: m.CandidateID,
			Voter:       m.Voter,
			Reason:      m.Reason,
			RecordedAt:  m.RecordedAt.UTC(),
		})
	}
	return out, nil
}

func registrationsToDomain(rows []RegistrationModel) []ballot.Registration {
	out := make([]ballot.Registration, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toDomain())
	}
	return out
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

var _ Client = (*GormStore)(nil)
