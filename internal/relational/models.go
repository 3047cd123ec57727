package relational

import (
	"time"

	"github.com/roach88/ballotsync/internal/ballot"
)

type ElectionModel struct {
	ID                int64     `gorm:"primaryKey;column:id"`
	Name              string    `gorm:"column:name;not null"`
	Position          string    `gorm:"column:position;not null"`
	StartsAt          time.Time `gorm:"column:starts_at;not null"`
	EndsAt            time.Time `gorm:"column:ends_at;not null"`
	EligibleFaculties []string  `gorm:"column:eligible_faculties;serializer:json"`
	Status            string    `gorm:"column:status;not null"`
	LedgerID          *uint64   `gorm:"column:ledger_id"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (ElectionModel) TableName() string {
	return "elections"
}

type CandidateModel struct {
	ID        int64   `gorm:"primaryKey;column:id"`
	FullName  string  `gorm:"column:full_name;not null"`
	DomainID  string  `gorm:"column:domain_id;uniqueIndex;not null"`
	Faculty   string  `gorm:"column:faculty"`
	Position  string  `gorm:"column:position"`
	LedgerID  *uint64 `gorm:"column:ledger_id"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (CandidateModel) TableName() string {
	return "candidates"
}

type RegistrationModel struct {
	ElectionID    int64  `gorm:"primaryKey;column:election_id;autoIncrement:false"`
	CandidateID   int64  `gorm:"primaryKey;column:candidate_id;autoIncrement:false"`
	RunningMateID *int64 `gorm:"column:running_mate_id"`
	CreatedAt     time.Time
}

func (RegistrationModel) TableName() string {
	return "registrations"
}

type OffchainVoteModel struct {
	ID          int64     `gorm:"primaryKey;column:id"`
	ElectionID  int64     `gorm:"column:election_id;not null"`
	CandidateID int64     `gorm:"column:candidate_id;not null"`
	Voter       string    `gorm:"column:voter;not null"`
	Reason      string    `gorm:"column:reason"`
	RecordedAt  time.Time `gorm:"column:recorded_at;not null"`
}

func (OffchainVoteModel) TableName() string {
	return "offchain_votes"
}

func (m ElectionModel) toDomain() ballot.Election {
	faculties := m.EligibleFaculties
	if faculties == nil {
		faculties = []string{}
	}
	return ballot.Election{
		ID:                m.ID,
		Name:              m.Name,
		Position:          m.Position,
		StartsAt:          m.StartsAt.UTC(),
		EndsAt:            m.EndsAt.UTC(),
		EligibleFaculties: faculties,
		Status:            ballot.ElectionStatus(m.Status),
		LedgerID:          m.LedgerID,
	}
}

func electionModelFrom(e ballot.Election) ElectionModel {
	status := e.Status
	if status == "" {
		status = ballot.StatusUpcoming
	}
	faculties := e.EligibleFaculties
	if faculties == nil {
		faculties = []string{}
	}
	return ElectionModel{
		ID:                e.ID,
		Name:              e.Name,
		Position:          e.Position,
		StartsAt:          e.StartsAt.UTC(),
		EndsAt:            e.EndsAt.UTC(),
		EligibleFaculties: faculties,
		Status:            string(status),
		LedgerID:          e.LedgerID,
	}
}

func (m CandidateModel) toDomain() ballot.Candidate {
	return ballot.Candidate{
		ID:       m.ID,
		FullName: m.FullName,
		DomainID: m.DomainID,
		Faculty:  m.Faculty,
		Position: m.Position,
		LedgerID: m.LedgerID,
	}
}

func (m RegistrationModel) toDomain() ballot.Registration {
	return ballot.Registration{
		ElectionID:    m.ElectionID,
		CandidateID:   m.CandidateID,
		RunningMateID: m.RunningMateID,
	}
}
