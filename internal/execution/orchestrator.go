package execution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ggonzalez94/lendpool-cli/internal/amount"
	"github.com/ggonzalez94/lendpool-cli/internal/balances"
	"github.com/ggonzalez94/lendpool-cli/internal/classify"
	"github.com/ggonzalez94/lendpool-cli/internal/devnet"
	clierr "github.com/ggonzalez94/lendpool-cli/internal/errors"
	"github.com/ggonzalez94/lendpool-cli/internal/execution/planner"
	"github.com/ggonzalez94/lendpool-cli/internal/health"
	"github.com/ggonzalez94/lendpool-cli/internal/protocol"
)

type HealthReader interface {
	Snapshot(ctx context.Context, user common.Address) (health.Snapshot, error)
}

type BalanceReader interface {
	Balance(ctx context.Context, user, asset common.Address) (balances.TokenBalance, []string, error)
}

type TimeAdvancer interface {
	Advance(ctx context.Context, seconds uint64) (devnet.Advance, error)
}

// Recorder receives operation counters. *metrics.Metrics satisfies it.
type Recorder interface {
	ObserveOperation(kind, result string)
	ObserveClassified(kind string)
}

// Deps wires the orchestrator. Provider, Store, Metrics and Clock may be nil.
type Deps struct {
	Pool      protocol.Pool
	Provider  protocol.DataProvider
	Tokens    protocol.Tokens
	Health    HealthReader
	Balances  BalanceReader
	Submitter Submitter
	Store     *Store
	Locks     *UserLocks
	Metrics   Recorder
	Clock     TimeAdvancer

	Network string
	Local   bool
	ChainID int64

	Logger zerolog.Logger
	Now    func() time.Time
}

// Orchestrator drives supply, withdraw, borrow and repay through
// validation, approval and submission.
type Orchestrator struct {
	deps Deps
}

func NewOrchestrator(deps Deps) *Orchestrator {
	if deps.Locks == nil {
		deps.Locks = NewUserLocks()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Orchestrator{deps: deps}
}

// OperationError is returned for an operation that ended in the failed state.
// It unwraps to the typed CLI error that selects the exit code.
type OperationError struct {
	OperationID string
	Failure     Failure
	Cause       *clierr.Error
}

func (e *OperationError) Error() string { return e.Cause.Error() }

func (e *OperationError) Unwrap() error { return e.Cause }

// AsOperationError extracts the classified failure from err.
func AsOperationError(err error) (*OperationError, bool) {
	var target *OperationError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// run carries the mutable state of one Execute call.
type run struct {
	o       *Orchestrator
	req     Request
	sender  common.Address
	user    common.Address
	outcome Outcome
	log     zerolog.Logger
}

// Execute runs req to a terminal state. The returned Outcome is always
// populated; err is non-nil exactly when the operation failed.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (Outcome, error) {
	sender := o.deps.Submitter.From()
	user := req.OnBehalfOf
	if user == (common.Address{}) {
		user = sender
	}
	if user != sender && !req.Verb.AcceptsBeneficiary() {
		return Outcome{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("%s always acts on the signer's own position; on-behalf-of %s is not supported", req.Verb, user.Hex()))
	}

	release, err := o.lockAll(ctx, sender, user)
	if err != nil {
		return Outcome{}, clierr.Wrap(clierr.CodeUnavailable, "wait for in-flight operation", err)
	}
	defer release()

	now := o.deps.Now().UTC().Format(time.RFC3339)
	r := &run{
		o:      o,
		req:    req,
		sender: sender,
		user:   user,
		outcome: Outcome{
			OperationID: uuid.NewString(),
			Verb:        req.Verb,
			Network:     o.deps.Network,
			ChainID:     o.deps.ChainID,
			Sender:      sender.Hex(),
			OnBehalfOf:  user.Hex(),
			Asset:       req.Asset.Hex(),
			Pool:        o.deps.Pool.Address().Hex(),
			Amount:      req.Amount.String(),
			Full:        req.Amount.Full,
			State:       StateIdle,
			Trail:       []Transition{{State: StateIdle, At: now}},
			Steps:       []Step{},
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}
	if req.Verb.UsesRateMode() {
		r.outcome.RateMode = req.RateMode
	}
	r.log = o.deps.Logger.With().
		Str("operation_id", r.outcome.OperationID).
		Str("kind", string(req.Verb)).
		Str("user", user.Hex()).
		Logger()
	r.persist()

	err = r.execute(ctx)
	result := string(r.outcome.State)
	if o.deps.Metrics != nil {
		o.deps.Metrics.ObserveOperation(string(req.Verb), result)
		if r.outcome.Failure != nil {
			o.deps.Metrics.ObserveClassified(string(r.outcome.Failure.Kind))
		}
	}
	return r.outcome, err
}

// lockAll takes the per-user slots of the sender and the beneficiary in a
// fixed order.
func (o *Orchestrator) lockAll(ctx context.Context, users ...common.Address) (func(), error) {
	unique := make([]common.Address, 0, len(users))
	for _, u := range users {
		dup := false
		for _, seen := range unique {
			if seen == u {
				dup = true
				break
			}
		}
		if !dup {
			unique = append(unique, u)
		}
	}
	sort.Slice(unique, func(i, j int) bool { return bytes.Compare(unique[i][:], unique[j][:]) < 0 })

	releases := make([]func(), 0, len(unique))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, u := range unique {
		release, err := o.deps.Locks.Acquire(ctx, u)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

func (r *run) execute(ctx context.Context) error {
	r.transition(StateValidating)

	before, err := r.o.deps.Health.Snapshot(ctx, r.user)
	if err != nil {
		return r.failFromRead(StateValidating, "read account snapshot", err)
	}
	r.outcome.Before = &before
	if r.o.deps.Balances != nil {
		bal, warnings, err := r.o.deps.Balances.Balance(ctx, r.user, r.req.Asset)
		r.warn(warnings...)
		if err != nil {
			r.warn(fmt.Sprintf("balance before operation unavailable: %v", err))
		} else {
			r.outcome.BalanceBefore = &bal
		}
	}

	if err := r.validate(ctx); err != nil {
		return err
	}
	operative := r.req.Amount.Operative()
	pool := r.o.deps.Pool.Address()

	needsApproval := r.req.Verb.NeedsApproval()
	if needsApproval {
		allowance, err := r.o.deps.Tokens.Allowance(ctx, r.req.Asset, r.sender, pool)
		switch {
		case err != nil:
			r.log.Debug().Err(err).Msg("allowance read failed; approving")
		case allowance.Cmp(operative) >= 0:
			r.log.Debug().Str("allowance", allowance.String()).Msg("existing allowance covers the operation; skipping approval")
			needsApproval = false
		}
	}
	if needsApproval {
		call, err := planner.Approve(r.req.Asset, pool, operative)
		if err != nil {
			return r.failLocal(StateApproving, classify.KindValidation, err)
		}
		if err := guardApproval(call, r.req.Asset, pool, operative); err != nil {
			return r.failLocal(StateApproving, classify.KindValidation, err)
		}
		r.transition(StateApproving)
		if err := r.submit(ctx, StepTypeApproval, call); err != nil {
			return err
		}
	}

	// Collateral and allowance may have moved since the first check.
	if err := r.validate(ctx); err != nil {
		return err
	}

	call, err := planner.PoolCall(planner.Lending{
		Verb:       r.req.Verb,
		Pool:       pool,
		Asset:      r.req.Asset,
		Amount:     operative,
		RateMode:   r.req.RateMode,
		Sender:     r.sender,
		OnBehalfOf: r.user,
	})
	if err != nil {
		return r.failLocal(StateSubmitting, classify.KindValidation, err)
	}
	if err := guardPoolCall(call, r.req.Verb, pool); err != nil {
		return r.failLocal(StateSubmitting, classify.KindValidation, err)
	}
	r.transition(StateSubmitting)
	if err := r.submit(ctx, StepTypeLend, call); err != nil {
		return err
	}

	r.outcome.Succeeded = true
	r.transition(StateConfirmed)
	r.settle(ctx)
	r.persist()
	return nil
}

// settle advances local time when requested and records the after state.
// Read failures here are warnings; the operation itself already confirmed.
func (r *run) settle(ctx context.Context) {
	if r.req.TimeDelay > 0 {
		switch {
		case !r.o.deps.Local:
			r.warn(fmt.Sprintf("time delay of %ds ignored on non-local network %q", r.req.TimeDelay, r.o.deps.Network))
		case r.o.deps.Clock == nil:
			r.warn("time delay ignored: no time control available")
		default:
			adv, err := r.o.deps.Clock.Advance(ctx, r.req.TimeDelay)
			if err != nil {
				r.warn(fmt.Sprintf("time delay failed: %v", err))
			} else {
				r.outcome.TimeAdvanced = &adv
			}
		}
	}

	after, err := r.o.deps.Health.Snapshot(ctx, r.user)
	if err != nil {
		r.warn(fmt.Sprintf("account snapshot after operation unavailable: %v", err))
	} else {
		r.outcome.After = &after
		if r.outcome.Before != nil {
			delta := health.Compare(*r.outcome.Before, after)
			r.outcome.HealthDelta = &delta
		}
	}
	if r.o.deps.Balances != nil {
		bal, warnings, err := r.o.deps.Balances.Balance(ctx, r.user, r.req.Asset)
		r.warn(warnings...)
		if err != nil {
			r.warn(fmt.Sprintf("balance after operation unavailable: %v", err))
		} else {
			r.outcome.BalanceAfter = &bal
		}
	}
}

func (r *run) validate(ctx context.Context) error {
	req := r.req
	if req.Amount.Full && !req.Verb.AcceptsFull() {
		return r.rejectLocal(classify.KindInvalidAmount, fmt.Sprintf("%s requires an explicit positive amount; a full-balance request is only valid for withdraw and repay", req.Verb))
	}
	if !req.Amount.Full && (req.Amount.Base == nil || req.Amount.Base.Sign() <= 0) {
		return r.rejectLocal(classify.KindInvalidAmount, "amount must be positive")
	}
	if req.Verb.UsesRateMode() && req.RateMode != planner.RateModeStable && req.RateMode != planner.RateModeVariable {
		return r.rejectLocal(classify.KindValidation, fmt.Sprintf("interest rate mode must be %d (stable) or %d (variable), got %d", planner.RateModeStable, planner.RateModeVariable, req.RateMode))
	}

	paused, err := r.o.deps.Pool.Paused(ctx)
	if err != nil {
		return r.failFromRead(StateValidating, "read pool paused flag", err)
	}
	if paused {
		return r.rejectLocal(classify.KindPaused, "lending pool is paused")
	}

	rd, err := r.o.deps.Pool.ReserveData(ctx, req.Asset)
	if err != nil {
		return r.failFromRead(StateValidating, "read reserve data", err)
	}
	if !rd.Exists() {
		return r.rejectLocal(classify.KindReserveInactive, fmt.Sprintf("no reserve is initialized for asset %s", req.Asset.Hex()))
	}
	cfg := rd.Config
	if !cfg.IsActive {
		return r.rejectLocal(classify.KindReserveInactive, fmt.Sprintf("reserve %s is not active", req.Asset.Hex()))
	}
	if cfg.IsFrozen && req.Verb.BlockedByFreeze() {
		return r.rejectLocal(classify.KindReserveFrozen, fmt.Sprintf("reserve %s is frozen", req.Asset.Hex()))
	}

	switch req.Verb {
	case planner.VerbSupply:
		wallet, err := r.o.deps.Tokens.BalanceOf(ctx, req.Asset, r.sender)
		if err != nil {
			return r.failFromRead(StateValidating, "read wallet balance", err)
		}
		if wallet.Cmp(req.Amount.Base) < 0 {
			return r.rejectLocal(classify.KindInvalidAmount, fmt.Sprintf("supply amount %s exceeds wallet balance %s", req.Amount.Base, wallet))
		}
	case planner.VerbWithdraw:
		deposited, err := r.o.deps.Tokens.BalanceOf(ctx, rd.YieldTokenAddress, r.sender)
		if err != nil {
			return r.failFromRead(StateValidating, "read deposited balance", err)
		}
		if deposited.Sign() == 0 {
			return r.rejectLocal(classify.KindInvalidAmount, "nothing deposited to withdraw")
		}
		if !req.Amount.Full && deposited.Cmp(req.Amount.Base) < 0 {
			return r.rejectLocal(classify.KindInvalidAmount, fmt.Sprintf("withdraw amount %s exceeds deposited balance %s", req.Amount.Base, deposited))
		}
	case planner.VerbBorrow:
		if !cfg.BorrowingEnabled {
			return r.rejectLocal(classify.KindValidation, fmt.Sprintf("borrowing is not enabled on reserve %s", req.Asset.Hex()))
		}
		if req.RateMode == planner.RateModeStable && !cfg.StableBorrowingEnabled {
			return r.rejectLocal(classify.KindValidation, fmt.Sprintf("stable rate borrowing is not enabled on reserve %s", req.Asset.Hex()))
		}
	case planner.VerbRepay:
		if req.Amount.Full && r.user != r.sender {
			return r.rejectLocal(classify.KindInvalidAmount, "repaying on behalf of another user requires an explicit amount")
		}
		if r.o.deps.Provider == nil {
			r.warn("data provider not configured; skipping outstanding debt check")
			return nil
		}
		position, err := r.o.deps.Provider.UserReserveData(ctx, req.Asset, r.user)
		if err != nil {
			return r.failFromRead(StateValidating, "read user reserve data", err)
		}
		if debt := position.DebtFor(req.RateMode); debt == nil || debt.Sign() == 0 {
			return r.rejectLocal(classify.KindNoMatchingDebt, fmt.Sprintf("no %s rate debt to repay on reserve %s", rateModeName(req.RateMode), req.Asset.Hex()))
		}
	}
	return nil
}

// submit sends call as a new step and marks it confirmed or failed.
func (r *run) submit(ctx context.Context, stepType StepType, call planner.Call) error {
	step := Step{
		StepID: fmt.Sprintf("%s-%d", stepType, len(r.outcome.Steps)+1),
		Type:   stepType,
		Status: StepStatusPending,
		Method: call.Method,
		Target: call.To.Hex(),
		Amount: amountLabel(call.Amount),
		Data:   call.DataHex(),
	}
	r.outcome.Steps = append(r.outcome.Steps, step)
	idx := len(r.outcome.Steps) - 1
	r.persist()

	stage := r.outcome.State
	receipt, err := r.o.deps.Submitter.Send(ctx, call)
	if receipt.TxHash != (common.Hash{}) {
		r.outcome.Steps[idx].TxHash = receipt.TxHash.Hex()
	}
	r.outcome.Steps[idx].BlockNumber = receipt.BlockNumber
	if err != nil {
		r.outcome.Steps[idx].Status = StepStatusFailed
		r.outcome.Steps[idx].Error = err.Error()
		var sendErr *SendError
		if errors.As(err, &sendErr) && sendErr.TxHash != "" {
			r.outcome.Steps[idx].TxHash = sendErr.TxHash
			// Broadcast but never settled: the transaction may still land.
			if errors.Is(err, ErrUnconfirmed) {
				r.outcome.Steps[idx].Status = StepStatusSubmitted
			}
		}
		return r.failFromSend(stage, err)
	}
	r.outcome.Steps[idx].Status = StepStatusConfirmed
	r.log.Debug().Str("step", step.StepID).Str("tx_hash", r.outcome.Steps[idx].TxHash).Msg("step confirmed")
	r.persist()
	return nil
}

func (r *run) transition(state State) {
	now := r.o.deps.Now()
	r.outcome.State = state
	r.outcome.Trail = append(r.outcome.Trail, Transition{State: state, At: now.UTC().Format(time.RFC3339)})
	r.outcome.Touch(now)
	r.log.Debug().Str("state", string(state)).Msg("operation transition")
	r.persist()
}

func (r *run) persist() {
	if err := r.o.deps.Store.Save(r.outcome); err != nil {
		r.log.Warn().Err(err).Msg("journal operation")
	}
}

func (r *run) warn(msgs ...string) {
	for _, msg := range msgs {
		if msg == "" {
			continue
		}
		r.log.Warn().Msg(msg)
		r.outcome.Warnings = append(r.outcome.Warnings, msg)
	}
}

// rejectLocal fails validation without touching the network.
func (r *run) rejectLocal(kind classify.Kind, msg string) error {
	return r.fail(StateValidating, Failure{Kind: kind, Hint: classify.Hint(kind), Raw: msg}, clierr.New(clierr.CodeValidation, msg))
}

func (r *run) failLocal(stage State, kind classify.Kind, err error) error {
	code := clierr.CodeValidation
	if typed, ok := clierr.As(err); ok {
		code = typed.Code
	}
	return r.fail(stage, Failure{Kind: kind, Hint: classify.Hint(kind), Raw: err.Error()}, clierr.Wrap(code, "build "+string(r.req.Verb)+" call", err))
}

// failFromRead maps a read failure during validation. Misconfigured contract
// addresses surface as MissingConfiguration; anything else is classified.
func (r *run) failFromRead(stage State, what string, err error) error {
	cause := clierr.Wrap(clierr.CodeUnavailable, what, err)
	if typed, ok := clierr.As(err); ok {
		cause = clierr.Wrap(typed.Code, what, err)
		if typed.Code == clierr.CodeMissingConfiguration {
			return r.fail(stage, Failure{Kind: classify.KindMissingConfiguration, Hint: classify.Hint(classify.KindMissingConfiguration), Raw: err.Error()}, cause)
		}
	}
	return r.fail(stage, diagnosisFailure(err.Error()), cause)
}

func (r *run) failFromSend(stage State, err error) error {
	if errors.Is(err, ErrUnconfirmed) {
		f := Failure{Kind: classify.KindUnconfirmed, Hint: classify.Hint(classify.KindUnconfirmed), Raw: err.Error()}
		return r.fail(stage, f, clierr.Wrap(clierr.CodeUnconfirmed, string(r.req.Verb)+" not confirmed", err))
	}
	code := clierr.CodeRejected
	raw := err.Error()
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		switch sendErr.Stage {
		case SendStageSimulate, SendStageEstimate:
			code = clierr.CodeSimulation
		case SendStageSign:
			code = clierr.CodeSigner
		case SendStageBroadcast:
			if sendErr.Reason == "" {
				code = clierr.CodeUnavailable
			}
		}
		if errors.Is(sendErr.Err, context.DeadlineExceeded) || errors.Is(sendErr.Err, context.Canceled) {
			code = clierr.CodeUnavailable
		}
	}
	return r.fail(stage, diagnosisFailure(raw), clierr.Wrap(code, string(r.req.Verb)+" rejected", err))
}

func (r *run) fail(stage State, f Failure, cause *clierr.Error) error {
	f.Stage = stage
	r.outcome.Failure = &f
	r.outcome.Succeeded = false
	r.log.Debug().Str("error_kind", string(f.Kind)).Str("stage", string(stage)).Msg("operation failed")
	r.transition(StateFailed)
	cause.Message = fmt.Sprintf("%s [%s]", cause.Message, f.Kind)
	return &OperationError{OperationID: r.outcome.OperationID, Failure: f, Cause: cause}
}

func diagnosisFailure(raw string) Failure {
	d := classify.Diagnose(raw)
	return Failure{Kind: d.Kind, Code: d.Code, Name: d.Name, Hint: d.Hint, Raw: d.Raw}
}

func rateModeName(mode int64) string {
	if mode == planner.RateModeStable {
		return "stable"
	}
	return "variable"
}

func amountLabel(v *big.Int) string {
	if v == nil {
		return ""
	}
	if v.Cmp(amount.MaxUint256) == 0 {
		return "max"
	}
	return v.String()
}
