package gateway

import (
	"time"

	"github.com/google/uuid"
)

const (
	// EventStream is the JetStream stream carrying gateway events.
	EventStream = "NILLION"

	SubjectProgramStored = "nillion.programs.stored"
	SubjectFaucetFunded  = "nillion.faucet.funded"
)

// EventSubjects lists every subject the gateway publishes on.
var EventSubjects = []string{SubjectProgramStored, SubjectFaucetFunded}

// ProgramStored is published after a program is stored on the cluster.
type ProgramStored struct {
	UploadID     uuid.UUID `json:"upload_id"`
	ProgramName  string    `json:"program_name"`
	ProgramID    string    `json:"program_id"`
	SourceSHA256 string    `json:"source_sha256"`
	ArchiveKey   string    `json:"archive_key,omitempty"`
	StoredAt     time.Time `json:"stored_at"`
}

func (e ProgramStored) Subject() string { return SubjectProgramStored }
func (e ProgramStored) ID() string      { return e.UploadID.String() }

// FaucetFunded is published after a faucet grant succeeds.
type FaucetFunded struct {
	GrantID  uuid.UUID `json:"grant_id"`
	Address  string    `json:"address"`
	Amount   string    `json:"amount"`
	FundedAt time.Time `json:"funded_at"`
}

func (e FaucetFunded) Subject() string { return SubjectFaucetFunded }
func (e FaucetFunded) ID() string      { return e.GrantID.String() }
