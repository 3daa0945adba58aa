package execution

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/lendpool-cli/internal/amount"
	"github.com/ggonzalez94/lendpool-cli/internal/balances"
	"github.com/ggonzalez94/lendpool-cli/internal/classify"
	"github.com/ggonzalez94/lendpool-cli/internal/devnet"
	"github.com/ggonzalez94/lendpool-cli/internal/execution/planner"
	"github.com/ggonzalez94/lendpool-cli/internal/health"
)

// State is a node of the operation state machine:
// idle -> validating -> (approving) -> submitting -> confirmed | failed.
type State string

type StepStatus string

type StepType string

const (
	StateIdle       State = "idle"
	StateValidating State = "validating"
	StateApproving  State = "approving"
	StateSubmitting State = "submitting"
	StateConfirmed  State = "confirmed"
	StateFailed     State = "failed"
)

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusSubmitted StepStatus = "submitted"
	StepStatusConfirmed StepStatus = "confirmed"
	StepStatusFailed    StepStatus = "failed"
)

const (
	StepTypeApproval StepType = "approval"
	StepTypeLend     StepType = "lend_call"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailed
}

// Request is one orchestrated operation. A zero OnBehalfOf means the sender.
type Request struct {
	Verb       planner.Verb
	Asset      common.Address
	Amount     amount.Quantity
	RateMode   int64
	OnBehalfOf common.Address
	TimeDelay  uint64
}

type Transition struct {
	State State  `json:"state"`
	At    string `json:"at"`
}

type Step struct {
	StepID      string     `json:"step_id"`
	Type        StepType   `json:"type"`
	Status      StepStatus `json:"status"`
	Method      string     `json:"method"`
	Target      string     `json:"target"`
	Amount      string     `json:"amount"`
	Data        string     `json:"data"`
	TxHash      string     `json:"tx_hash,omitempty"`
	BlockNumber uint64     `json:"block_number,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Failure describes why an operation ended in the failed state. Kind is the
// classified reason and Raw the underlying message it was derived from.
type Failure struct {
	Kind  classify.Kind `json:"kind"`
	Code  string        `json:"code,omitempty"`
	Name  string        `json:"name,omitempty"`
	Hint  string        `json:"hint,omitempty"`
	Stage State         `json:"stage"`
	Raw   string        `json:"raw"`
}

// Outcome is the full record of an operation. After and Failure are never both set.
type Outcome struct {
	OperationID   string                 `json:"operation_id"`
	Verb          planner.Verb           `json:"operation"`
	Network       string                 `json:"network"`
	ChainID       int64                  `json:"chain_id,omitempty"`
	Sender        string                 `json:"sender"`
	OnBehalfOf    string                 `json:"on_behalf_of"`
	Asset         string                 `json:"asset"`
	Pool          string                 `json:"pool"`
	Amount        string                 `json:"amount"`
	Full          bool                   `json:"full"`
	RateMode      int64                  `json:"rate_mode,omitempty"`
	State         State                  `json:"state"`
	Succeeded     bool                   `json:"succeeded"`
	Failure       *Failure               `json:"failure,omitempty"`
	Trail         []Transition           `json:"trail"`
	Steps         []Step                 `json:"steps"`
	Before        *health.Snapshot       `json:"before,omitempty"`
	After         *health.Snapshot       `json:"after,omitempty"`
	HealthDelta   *health.Delta          `json:"health_delta,omitempty"`
	BalanceBefore *balances.TokenBalance `json:"balance_before,omitempty"`
	BalanceAfter  *balances.TokenBalance `json:"balance_after,omitempty"`
	TimeAdvanced  *devnet.Advance        `json:"time_advanced,omitempty"`
	Warnings      []string               `json:"warnings,omitempty"`
	CreatedAt     string                 `json:"created_at"`
	UpdatedAt     string                 `json:"updated_at"`
}

func (o *Outcome) Touch(now time.Time) {
	o.UpdatedAt = now.UTC().Format(time.RFC3339)
}

// ErrorKind returns the classified kind, or "" when the operation did not fail.
func (o Outcome) ErrorKind() classify.Kind {
	if o.Failure == nil {
		return ""
	}
	return o.Failure.Kind
}
