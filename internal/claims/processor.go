package claims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/upon-ly/qr-claimd/internal/alert"
	"github.com/upon-ly/qr-claimd/internal/amount"
	"github.com/upon-ly/qr-claimd/internal/chain"
	"github.com/upon-ly/qr-claimd/internal/chain/evm"
	"github.com/upon-ly/qr-claimd/internal/domain/model"
	"github.com/upon-ly/qr-claimd/internal/metrics"
	"github.com/upon-ly/qr-claimd/internal/queue"
	"github.com/upon-ly/qr-claimd/internal/store"
	"github.com/upon-ly/qr-claimd/internal/tracing"
	"github.com/upon-ly/qr-claimd/internal/wallet"
)

const (
	dedupLockPrefix = "queue-failure-lock:"

	// innerTransferAttempts is the number of broadcast tries per callback,
	// each with a higher gas price than the last.
	innerTransferAttempts = 3

	// maxOuterAttempts bounds the delayed-queue retry budget (0-indexed).
	maxOuterAttempts = 5
)

// retrySchedule maps the outer attempt index onto the delay before the next
// callback. Attempt 4 failing yields max_retries_exceeded instead.
var retrySchedule = []time.Duration{
	2 * time.Minute,
	5 * time.Minute,
	10 * time.Minute,
	20 * time.Minute,
}

// Reply statuses that are not persisted failure states.
const (
	StatusInProgress      = "queue_processing_in_progress"
	StatusAlreadyResolved = "already_resolved"
)

// CallbackPayload is the delayed-queue message body scheduling one
// processing attempt.
type CallbackPayload struct {
	FailureID uuid.UUID `json:"failure_id"`
	Attempt   int       `json:"attempt"`
}

// Result is the structured reply returned to the queue dispatcher. The
// dispatcher only ever sees this shape; raw internal errors never escape.
type Result struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	TxHash  string `json:"tx_hash,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Locker is the distributed lock surface used for the per-failure dedup lock.
type Locker interface {
	Acquire(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// WalletSource hands out signing wallets. Satisfied by *wallet.Pool.
type WalletSource interface {
	DirectWallet(purpose model.WalletPurpose) (*wallet.Slot, bool)
	Acquire(ctx context.Context, purpose model.WalletPurpose) (*wallet.Acquisition, error)
	Release(ctx context.Context, lockKey string) error
}

// Determiner prices one claim. Satisfied by *amount.Determiner.
type Determiner interface {
	Determine(ctx context.Context, req amount.DetermineRequest) (amount.Result, error)
}

// StatusWriter records externally visible retry-status transitions.
type StatusWriter interface {
	Set(ctx context.Context, st *model.RetryStatus) error
}

// Config carries the processor's tunables. All values have working defaults
// from the environment loader; zero values here are only expected in tests.
type Config struct {
	Token                 common.Address
	TokenDecimals         int
	MinNativeWei          *big.Int
	ApprovalWhole         int64
	DedupLockTTL          time.Duration
	CallbackURL           string
	SourceFromFID         bool
	ReceiptTimeout        time.Duration
	WelcomeReceiptTimeout time.Duration
}

// Processor runs the per-claim disbursement state machine. Each invocation
// is short-lived and stateless: all coordination between concurrent workers
// goes through the lock service and the ledger's uniqueness constraints.
type Processor struct {
	cfg       Config
	failures  store.FailureRepository
	claims    store.ClaimRepository
	bans      store.BanRepository
	amounts   Determiner
	wallets   WalletSource
	chain     chain.Client
	locker    Locker
	status    StatusWriter
	publisher queue.Publisher
	alerter   alert.Alerter
	health    *Health
	logger    *slog.Logger

	nowFn    func() time.Time
	sleepFn  func(ctx context.Context, d time.Duration) error
	jitterFn func() time.Duration
}

func NewProcessor(
	cfg Config,
	failures store.FailureRepository,
	claims store.ClaimRepository,
	bans store.BanRepository,
	amounts Determiner,
	wallets WalletSource,
	chainClient chain.Client,
	locker Locker,
	status StatusWriter,
	publisher queue.Publisher,
	alerter alert.Alerter,
	health *Health,
	logger *slog.Logger,
) *Processor {
	if cfg.DedupLockTTL <= 0 {
		cfg.DedupLockTTL = 5 * time.Minute
	}
	if cfg.MinNativeWei == nil {
		// 0.001 ETH
		cfg.MinNativeWei = big.NewInt(1_000_000_000_000_000)
	}
	return &Processor{
		cfg:       cfg,
		failures:  failures,
		claims:    claims,
		bans:      bans,
		amounts:   amounts,
		wallets:   wallets,
		chain:     chainClient,
		locker:    locker,
		status:    status,
		publisher: publisher,
		alerter:   alerter,
		health:    health,
		logger:    logger.With("component", "claim_processor"),
		nowFn:     time.Now,
		sleepFn:   sleepCtx,
		jitterFn: func() time.Duration {
			return 5*time.Second + time.Duration(rand.Int63n(int64(10*time.Second)))
		},
	}
}

// SetSleepFunc replaces the inner-attempt backoff sleeper. Test hook.
func (p *Processor) SetSleepFunc(fn func(ctx context.Context, d time.Duration) error) {
	p.sleepFn = fn
}

// SetJitterFunc replaces the wallet-busy requeue jitter. Test hook.
func (p *Processor) SetJitterFunc(fn func() time.Duration) {
	p.jitterFn = fn
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Process runs one outer attempt of the state machine for a failure record.
// Every exit path releases the dedup lock and any reserved wallet; the queue
// dispatcher receives a structured Result, never a raw error.
func (p *Processor) Process(ctx context.Context, failureID uuid.UUID, attempt int) Result {
	start := p.nowFn()
	logger := p.logger.With("failure_id", failureID, "attempt", attempt)

	ctx, span := tracing.Tracer("claims").Start(ctx, "claims.process",
		trace.WithAttributes(
			attribute.String("claim.failure_id", failureID.String()),
			attribute.Int("claim.attempt", attempt),
		))
	defer span.End()

	// Step 1: dedup lock. The queue delivers at-least-once; only one worker
	// may touch a failure record at a time.
	lockKey := dedupLockPrefix + failureID.String()
	acquired, err := p.locker.Acquire(ctx, lockKey, p.nowFn().UTC().Format(time.RFC3339Nano), p.cfg.DedupLockTTL)
	if err != nil {
		logger.Error("dedup lock acquire failed", "error", err)
		return Result{Success: false, Status: StatusInProgress, Error: "lock service unavailable"}
	}
	if !acquired {
		logger.Info("claim already being processed, rejecting redelivery")
		return Result{Success: false, Status: StatusInProgress}
	}
	releaseCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := p.locker.Release(releaseCtx, lockKey); err != nil {
			logger.Warn("dedup lock release failed", "error", err)
		}
	}()

	res, source := p.run(ctx, logger, failureID, attempt)
	span.SetAttributes(
		attribute.String("claim.source", source),
		attribute.String("claim.status", res.Status),
	)

	metrics.ClaimsProcessingLatency.WithLabelValues(source, res.Status).
		Observe(p.nowFn().Sub(start).Seconds())
	p.recordHealth(res, p.nowFn().Sub(start))
	return res
}

func (p *Processor) recordHealth(res Result, latency time.Duration) {
	if p.health == nil {
		return
	}
	p.health.RecordLatency(latency)
	switch res.Status {
	case string(model.StatusFailed), string(model.StatusMaxRetriesExceeded):
		p.health.RecordFailure()
	case string(model.StatusRetryScheduled), StatusInProgress:
		// Contention and scheduled retries are expected, not failures.
	default:
		p.health.RecordSuccess()
	}
}

func (p *Processor) run(ctx context.Context, logger *slog.Logger, failureID uuid.UUID, attempt int) (Result, string) {
	// Step 2: load the record. A missing record means a racing attempt
	// already resolved and deleted it; re-disbursing would double pay.
	rec, err := p.failures.Get(ctx, failureID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Info("failure record gone, nothing to do")
		return Result{Success: true, Status: StatusAlreadyResolved}, "unknown"
	}
	if err != nil {
		logger.Error("load failure record", "error", err)
		return p.scheduleRetry(ctx, logger, nil, failureID, attempt, "load_record", err), "unknown"
	}
	source := rec.Source.String()
	logger = logger.With("address", rec.Address, "fid", rec.FID, "auction_id", rec.AuctionID, "source", rec.Source)
	span := trace.SpanFromContext(ctx)

	p.setStatus(ctx, logger, &model.RetryStatus{
		FailureID: failureID, Status: model.StatusProcessing, Attempt: attempt,
	})

	// Step 3: ban check. Advisory but must precede any chain call.
	span.AddEvent("ban_check")
	if res, done := p.checkBanned(ctx, logger, rec, attempt); done {
		return res, source
	}

	// Step 4: duplicate check against the ledger.
	span.AddEvent("duplicate_check")
	if res, done := p.checkAlreadyClaimed(ctx, logger, rec, attempt); done {
		return res, source
	}

	// Step 5: amount determination, with hardcoded fallback on failure.
	span.AddEvent("amount_determination")
	baseUnits, pricing := p.determineAmount(ctx, logger, rec)

	// Step 6: wallet acquisition.
	span.AddEvent("wallet_acquisition")
	purpose := model.PurposeForSource(rec.Source)
	slot, walletLockKey, res, done := p.acquireWallet(ctx, logger, rec, purpose, attempt)
	if done {
		return res, source
	}
	if walletLockKey != "" {
		releaseCtx := context.WithoutCancel(ctx)
		defer func() {
			if err := p.wallets.Release(releaseCtx, walletLockKey); err != nil {
				logger.Warn("wallet release failed", "lock_key", walletLockKey, "error", err)
			}
		}()
	}
	logger = logger.With("wallet", slot.Address.Hex())

	// Step 7: funding floors. Either failing is terminal: no retry schedule
	// refills a wallet, an operator does.
	span.AddEvent("funding_check")
	if res, done := p.checkFunding(ctx, logger, rec, slot, baseUnits, attempt); done {
		return res, source
	}

	// Step 8: allowance top-up when the airdrop contract cannot spend enough.
	span.AddEvent("approval")
	if err := p.ensureAllowance(ctx, logger, slot, baseUnits); err != nil {
		if evm.Classify(err).IsTransient() {
			return p.scheduleRetry(ctx, logger, rec, failureID, attempt, "approval", err), source
		}
		return p.failTerminal(ctx, logger, rec, attempt, "approval", err), source
	}

	// Step 9: transfer loop with escalating gas.
	span.AddEvent("transfer")
	txHash, attemptsUsed, err := p.transfer(ctx, logger, rec, slot, baseUnits)
	if err != nil {
		if evm.Classify(err).IsTransient() {
			// Step 10: outer retry scheduling.
			return p.scheduleRetry(ctx, logger, rec, failureID, attempt, "transfer", err), source
		}
		return p.failTerminal(ctx, logger, rec, attempt, "transfer", err), source
	}
	metrics.ClaimsTransferAttempts.WithLabelValues(rec.Source.String()).Observe(float64(attemptsUsed))

	// Step 11: record the claim, detecting post-transfer races.
	span.AddEvent("record")
	return p.recordSuccess(ctx, logger, rec, attempt, txHash, baseUnits, pricing), source
}

func (p *Processor) checkBanned(ctx context.Context, logger *slog.Logger, rec *model.ClaimFailure, attempt int) (Result, bool) {
	check := store.BanCheck{FID: rec.FID, Address: rec.Address}
	if rec.Username != nil {
		check.Username = *rec.Username
	}
	banned, err := p.bans.IsBanned(ctx, check)
	if err != nil {
		// Best-effort: a ban-table outage must not block disbursement; the
		// uniqueness constraint still catches double payouts.
		logger.Warn("ban check failed, continuing", "error", err)
		return Result{}, false
	}
	if !banned {
		return Result{}, false
	}

	logger.Info("claimer is banned, dropping claim")
	p.setStatus(ctx, logger, &model.RetryStatus{
		FailureID: rec.ID, Status: model.StatusBannedUser, Attempt: attempt,
	})
	p.deleteRecord(ctx, logger, rec.ID)
	metrics.ClaimsProcessedTotal.WithLabelValues(rec.Source.String(), string(model.StatusBannedUser)).Inc()
	return Result{Success: false, Status: string(model.StatusBannedUser)}, true
}

// checkAlreadyClaimed looks for a claim another worker already completed.
// The key kinds are queried concurrently; a hit on any of them means the
// user's claim is satisfied even though this worker did no work.
func (p *Processor) checkAlreadyClaimed(ctx context.Context, logger *slog.Logger, rec *model.ClaimFailure, attempt int) (Result, bool) {
	type hit struct {
		status model.FailureStatus
		claim  *model.Claim
	}
	var byAddress, byFID, byUser, byUsername *model.Claim

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := p.claims.GetByAuctionAddress(gctx, rec.AuctionID, rec.Address)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		byAddress = c
		return err
	})
	if rec.Source == model.SourceMiniApp && rec.FID > 0 {
		g.Go(func() error {
			c, err := p.claims.GetByAuctionFID(gctx, rec.AuctionID, rec.FID)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			byFID = c
			return err
		})
	}
	if rec.UserID != nil && *rec.UserID != "" {
		userID := *rec.UserID
		g.Go(func() error {
			c, err := p.claims.GetByAuctionUserID(gctx, rec.AuctionID, userID)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			byUser = c
			return err
		})
	}
	if rec.Username != nil && *rec.Username != "" {
		username := *rec.Username
		g.Go(func() error {
			c, err := p.claims.GetByAuctionUsername(gctx, rec.AuctionID, username)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			byUsername = c
			return err
		})
	}
	if err := g.Wait(); err != nil {
		logger.Warn("duplicate check failed, continuing", "error", err)
		return Result{}, false
	}

	var found *hit
	switch {
	case byAddress != nil:
		found = &hit{model.StatusAlreadyClaimedByAddress, byAddress}
	case byFID != nil:
		found = &hit{model.StatusAlreadyClaimedByFID, byFID}
	case byUser != nil:
		found = &hit{model.StatusAlreadyClaimedByUser, byUser}
	case byUsername != nil:
		found = &hit{model.StatusAlreadyClaimedByUser, byUsername}
	default:
		return Result{}, false
	}

	logger.Info("claim already completed by another worker",
		"status", found.status, "existing_tx", found.claim.TxHash)
	p.setStatus(ctx, logger, &model.RetryStatus{
		FailureID: rec.ID, Status: found.status, Attempt: attempt, TxHash: &found.claim.TxHash,
	})
	p.deleteRecord(ctx, logger, rec.ID)
	metrics.ClaimsProcessedTotal.WithLabelValues(rec.Source.String(), string(found.status)).Inc()
	return Result{Success: true, Status: string(found.status), TxHash: found.claim.TxHash}, true
}

// determineAmount prices the claim, falling back to the hardcoded per-source
// amount when the tier function fails. Availability over perfect pricing.
// The returned Result carries the score and spam label the price was based
// on, recorded alongside the claim for later review; the fallback path has
// neither.
func (p *Processor) determineAmount(ctx context.Context, logger *slog.Logger, rec *model.ClaimFailure) (*big.Int, amount.Result) {
	res, err := p.amounts.Determine(ctx, amount.DetermineRequest{
		Address: common.HexToAddress(rec.Address),
		Source:  rec.Source,
		FID:     rec.FID,
	})
	if err != nil {
		res = amount.Result{Amount: amount.Fallback(rec.Source)}
		metrics.ScoringFallbacksTotal.WithLabelValues(rec.Source.String()).Inc()
		logger.Warn("amount determination failed, using fallback",
			"fallback_whole", res.Amount, "error", err)
	} else {
		logger.Info("amount determined",
			"amount_whole", res.Amount, "tier", res.Tier, "spam_override", res.SpamOverride)
	}
	return p.toBaseUnits(res.Amount), res
}

func (p *Processor) toBaseUnits(whole int64) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(p.cfg.TokenDecimals)), nil)
	return new(big.Int).Mul(big.NewInt(whole), scale)
}

func (p *Processor) acquireWallet(ctx context.Context, logger *slog.Logger, rec *model.ClaimFailure, purpose model.WalletPurpose, attempt int) (*wallet.Slot, string, Result, bool) {
	if slot, ok := p.wallets.DirectWallet(purpose); ok {
		return slot, "", Result{}, false
	}

	acq, err := p.wallets.Acquire(ctx, purpose)
	if err == nil {
		return acq.Slot, acq.LockKey, Result{}, false
	}
	if !errors.Is(err, wallet.ErrAllWalletsBusy) {
		logger.Error("wallet acquisition failed", "purpose", purpose, "error", err)
		res := p.scheduleRetry(ctx, logger, rec, rec.ID, attempt, "wallet_acquisition", err)
		return nil, "", res, true
	}

	// Contention, not failure: requeue with a short jitter at the SAME
	// attempt index. No transaction was tried, so no budget is consumed.
	delay := p.jitterFn()
	logger.Info("all wallets busy, requeueing", "purpose", purpose, "delay", delay)
	res := p.publishRetry(ctx, logger, rec, attempt, delay, "wallets_busy", err)
	return nil, "", res, true
}

func (p *Processor) checkFunding(ctx context.Context, logger *slog.Logger, rec *model.ClaimFailure, slot *wallet.Slot, baseUnits *big.Int, attempt int) (Result, bool) {
	native, err := p.chain.NativeBalance(ctx, slot.Address)
	if err != nil {
		res := p.scheduleRetry(ctx, logger, rec, rec.ID, attempt, "balance_check", err)
		return res, true
	}
	if native.Cmp(p.cfg.MinNativeWei) < 0 {
		err := fmt.Errorf("wallet %s native balance %s below floor %s",
			slot.Address.Hex(), native, p.cfg.MinNativeWei)
		p.alertFunding(ctx, slot, "native", native.String())
		res := p.failTerminal(ctx, logger, rec, attempt, "balance_check", err)
		return res, true
	}

	tokenBal, err := p.chain.TokenBalance(ctx, p.cfg.Token, slot.Address)
	if err != nil {
		res := p.scheduleRetry(ctx, logger, rec, rec.ID, attempt, "balance_check", err)
		return res, true
	}
	if tokenBal.Cmp(baseUnits) < 0 {
		err := fmt.Errorf("wallet %s token balance %s cannot cover %s",
			slot.Address.Hex(), tokenBal, baseUnits)
		p.alertFunding(ctx, slot, "token", tokenBal.String())
		res := p.failTerminal(ctx, logger, rec, attempt, "balance_check", err)
		return res, true
	}
	return Result{}, false
}

func (p *Processor) alertFunding(ctx context.Context, slot *wallet.Slot, kind, balance string) {
	if p.alerter == nil {
		return
	}
	_ = p.alerter.Send(ctx, alert.Alert{
		Type:     alert.AlertTypeWalletFunding,
		Identity: slot.Address.Hex(),
		Title:    "Disbursement wallet underfunded",
		Message:  "Claim failed terminally on a balance floor; wallet needs a top-up",
		Fields: map[string]string{
			"purpose": slot.Purpose.String(),
			"kind":    kind,
			"balance": balance,
		},
	})
}

// ensureAllowance tops up the airdrop contract's spending allowance when it
// cannot cover the transfer. The approval is sized generously to amortize
// future claims, with +30% gas so it does not linger behind the transfer.
func (p *Processor) ensureAllowance(ctx context.Context, logger *slog.Logger, slot *wallet.Slot, baseUnits *big.Int) error {
	allowance, err := p.chain.Allowance(ctx, p.cfg.Token, slot.Address, slot.AirdropContract)
	if err != nil {
		return fmt.Errorf("read allowance: %w", err)
	}
	if allowance.Cmp(baseUnits) >= 0 {
		return nil
	}

	gasPrice, err := p.chain.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("approval gas price: %w", err)
	}
	bumped := new(big.Int).Div(new(big.Int).Mul(gasPrice, big.NewInt(130)), big.NewInt(100))

	approvalAmount := p.toBaseUnits(p.cfg.ApprovalWhole)
	txHash, err := p.chain.Approve(ctx, slot.Key, p.cfg.Token, slot.AirdropContract, approvalAmount, bumped)
	if err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	logger.Info("approval submitted", "tx_hash", txHash.Hex(), "amount", approvalAmount)

	if _, err := p.chain.WaitForReceipt(ctx, txHash); err != nil {
		return fmt.Errorf("approval receipt %s: %w", txHash.Hex(), err)
	}
	return nil
}

// transfer broadcasts the disbursement, escalating the gas price by 30
// percentage points per inner attempt (130%, 160%, 190% of the suggestion)
// to outrun underpriced-transaction rejections. A terminal classification
// exits early; burning attempts on an execution revert helps nobody.
func (p *Processor) transfer(ctx context.Context, logger *slog.Logger, rec *model.ClaimFailure, slot *wallet.Slot, baseUnits *big.Int) (string, int, error) {
	to := common.HexToAddress(rec.Address)
	var lastErr error

	for inner := 0; inner < innerTransferAttempts; inner++ {
		if inner > 0 {
			if err := p.sleepFn(ctx, time.Duration(inner)*time.Second); err != nil {
				return "", inner, err
			}
		}

		gasPrice, err := p.chain.SuggestGasPrice(ctx)
		if err != nil {
			lastErr = err
			logger.Warn("gas price fetch failed", "inner", inner, "error", err)
			continue
		}
		multiplier := big.NewInt(int64(130 + 30*inner))
		escalated := new(big.Int).Div(new(big.Int).Mul(gasPrice, multiplier), big.NewInt(100))

		txHash, err := p.chain.Airdrop(ctx, slot.Key, slot.AirdropContract, p.cfg.Token, to, baseUnits, escalated)
		if err != nil {
			lastErr = err
			if !evm.Classify(err).IsTransient() {
				return "", inner + 1, err
			}
			logger.Warn("transfer broadcast failed", "inner", inner, "error", err)
			continue
		}

		receiptCtx := ctx
		var cancel context.CancelFunc
		switch {
		case rec.Source == model.SourceWelcome && p.cfg.WelcomeReceiptTimeout > 0:
			// Welcome claims run while the user is watching onboarding;
			// waiting out a full receipt timeout there is worse than retrying.
			receiptCtx, cancel = context.WithTimeout(ctx, p.cfg.WelcomeReceiptTimeout)
		case p.cfg.ReceiptTimeout > 0:
			receiptCtx, cancel = context.WithTimeout(ctx, p.cfg.ReceiptTimeout)
		}
		if cancel != nil {
			defer cancel()
		}
		if _, err := p.chain.WaitForReceipt(receiptCtx, txHash); err != nil {
			lastErr = err
			if !evm.Classify(err).IsTransient() {
				return "", inner + 1, err
			}
			logger.Warn("receipt wait failed", "inner", inner, "tx_hash", txHash.Hex(), "error", err)
			continue
		}

		logger.Info("transfer confirmed", "tx_hash", txHash.Hex(), "inner_attempts", inner+1)
		return txHash.Hex(), inner + 1, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("transfer attempts exhausted")
	}
	return "", innerTransferAttempts, evm.Transient(fmt.Errorf("inner attempts exhausted: %w", lastErr))
}

// recordSuccess writes the claim row. A unique-violation here means a
// concurrent worker's transfer also landed: both broadcasts actually moved
// tokens, which is conclusive proof of exploiting the retry path, so the
// identity is auto-banned with both tx hashes as evidence.
func (p *Processor) recordSuccess(ctx context.Context, logger *slog.Logger, rec *model.ClaimFailure, attempt int, txHash string, baseUnits *big.Int, pricing amount.Result) Result {
	source := rec.Source
	if p.cfg.SourceFromFID {
		// FID sign is the more reliable source signal than what intake
		// recorded.
		if rec.FID > 0 {
			source = model.SourceMiniApp
		} else {
			source = model.SourceWeb
		}
	}

	now := p.nowFn().UTC()
	claim := &model.Claim{
		ID:        uuid.New(),
		AuctionID: rec.AuctionID,
		Address:   model.NormalizeAddress(rec.Address),
		FID:       rec.FID,
		Username:  rec.Username,
		UserID:    rec.UserID,
		Amount:    baseUnits.String(),
		TxHash:    txHash,
		Source:    source,
		Success:   true,
		ClaimedAt: now,
		ClientIP:  rec.ClientIP,
		ScoreUsed: pricing.ScoreUsed,
		SpamLabel: pricing.SpamLabel,
	}

	err := p.claims.Insert(ctx, claim)
	if errors.Is(err, store.ErrDuplicateClaim) {
		return p.handleDuplicateRace(ctx, logger, rec, attempt, claim)
	}
	if err != nil {
		// The chain is the source of truth; a ledger write failure must not
		// make the caller believe the tokens did not move.
		logger.Error("claim insert failed, attempting fallback update", "error", err)
		if uerr := p.claims.Update(ctx, claim); uerr != nil {
			logger.Error("claim fallback update also failed, ledger is inconsistent",
				"tx_hash", txHash, "error", uerr)
		}
	}

	p.setStatus(ctx, logger, &model.RetryStatus{
		FailureID: rec.ID, Status: model.StatusSuccess, Attempt: attempt, TxHash: &txHash,
	})
	p.deleteRecord(ctx, logger, rec.ID)
	metrics.ClaimsProcessedTotal.WithLabelValues(rec.Source.String(), string(model.StatusSuccess)).Inc()
	logger.Info("claim disbursed", "tx_hash", txHash, "amount", claim.Amount)
	return Result{Success: true, Status: string(model.StatusSuccess), TxHash: txHash}
}

func (p *Processor) handleDuplicateRace(ctx context.Context, logger *slog.Logger, rec *model.ClaimFailure, attempt int, dup *model.Claim) Result {
	logger.Error("post-transfer duplicate detected, auto-banning",
		"tx_hash", dup.TxHash, "address", dup.Address, "fid", dup.FID)
	metrics.ClaimsDuplicateRacesTotal.WithLabelValues(rec.Source.String()).Inc()

	existing := p.findExistingClaim(ctx, dup)
	total := new(big.Int).Set(mustBig(dup.Amount))
	existingTx := ""
	addresses := []string{dup.Address}
	if existing != nil {
		existingTx = existing.TxHash
		total.Add(total, mustBig(existing.Amount))
		if existing.Address != dup.Address {
			addresses = append(addresses, existing.Address)
		}
	}

	evidence, _ := json.Marshal(model.DuplicateClaimEvidence{
		AuctionID:    dup.AuctionID,
		ExistingTx:   existingTx,
		DuplicateTx:  dup.TxHash,
		TotalAmount:  total.String(),
		Addresses:    addresses,
		DetectedAtMs: p.nowFn().UnixMilli(),
	})

	ban := &model.Ban{
		ID:       uuid.New(),
		Address:  &dup.Address,
		Username: dup.Username,
		Reason:   model.BanReasonDuplicateClaim,
		Evidence: evidence,
		BannedBy: model.BannedBySystem,
		IsActive: true,
	}
	if dup.FID > 0 {
		fid := dup.FID
		ban.FID = &fid
	}
	if err := p.bans.Insert(ctx, ban); err != nil {
		logger.Error("auto-ban insert failed", "error", err)
	}

	if p.alerter != nil {
		_ = p.alerter.Send(ctx, alert.Alert{
			Type:     alert.AlertTypeAutoBan,
			Identity: dup.Address,
			Title:    "Duplicate disbursement race, identity banned",
			Message:  "Two independent transfers landed for one claimer in the same auction",
			Fields: map[string]string{
				"auction_id":   fmt.Sprintf("%d", dup.AuctionID),
				"existing_tx":  existingTx,
				"duplicate_tx": dup.TxHash,
				"total_amount": total.String(),
			},
		})
	}

	p.setStatus(ctx, logger, &model.RetryStatus{
		FailureID: rec.ID, Status: model.StatusSuccessDuplicate, Attempt: attempt, TxHash: &dup.TxHash,
	})
	p.deleteRecord(ctx, logger, rec.ID)
	metrics.ClaimsProcessedTotal.WithLabelValues(rec.Source.String(), string(model.StatusSuccessDuplicate)).Inc()

	// The transfer did succeed on chain, so the caller still sees success.
	return Result{Success: true, Status: string(model.StatusSuccessDuplicate), TxHash: dup.TxHash}
}

func (p *Processor) findExistingClaim(ctx context.Context, dup *model.Claim) *model.Claim {
	if c, err := p.claims.GetByAuctionAddress(ctx, dup.AuctionID, dup.Address); err == nil {
		return c
	}
	if dup.FID > 0 {
		if c, err := p.claims.GetByAuctionFID(ctx, dup.AuctionID, dup.FID); err == nil {
			return c
		}
	}
	return nil
}

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}

// scheduleRetry consumes one outer attempt: it either enqueues the next
// callback on the fixed 2/5/10/20 minute schedule or, past the budget,
// parks the record as max_retries_exceeded for manual review.
func (p *Processor) scheduleRetry(ctx context.Context, logger *slog.Logger, rec *model.ClaimFailure, failureID uuid.UUID, attempt int, step string, cause error) Result {
	errMsg := cause.Error()

	if rec != nil {
		rec.Attempts = attempt + 1
		rec.FailedStep = step
		rec.ErrorMessage = &errMsg
		if err := p.failures.Update(ctx, rec); err != nil {
			logger.Warn("failure record update failed", "error", err)
		}
	}

	if attempt >= maxOuterAttempts-1 {
		logger.Error("retry budget exhausted, leaving record for manual review",
			"step", step, "error", cause)
		p.setStatus(ctx, logger, &model.RetryStatus{
			FailureID: failureID, Status: model.StatusMaxRetriesExceeded, Attempt: attempt, Error: &errMsg,
		})
		if p.alerter != nil {
			_ = p.alerter.Send(ctx, alert.Alert{
				Type:     alert.AlertTypeRetriesExhausted,
				Identity: failureID.String(),
				Title:    "Claim retries exhausted",
				Message:  "All outer attempts failed; the failure record was kept for inspection",
				Fields:   map[string]string{"step": step, "last_error": errMsg},
			})
		}
		source := "unknown"
		if rec != nil {
			source = rec.Source.String()
		}
		metrics.ClaimsProcessedTotal.WithLabelValues(source, string(model.StatusMaxRetriesExceeded)).Inc()
		return Result{Success: false, Status: string(model.StatusMaxRetriesExceeded), Error: errMsg}
	}

	delay := retrySchedule[attempt]
	logger.Warn("scheduling delayed retry", "step", step, "delay", delay, "error", cause)
	return p.publishRetryAt(ctx, logger, failureID, rec, attempt, attempt+1, delay, step, cause)
}

// publishRetry requeues at the SAME attempt index (wallet contention path).
func (p *Processor) publishRetry(ctx context.Context, logger *slog.Logger, rec *model.ClaimFailure, attempt int, delay time.Duration, reason string, cause error) Result {
	return p.publishRetryAt(ctx, logger, rec.ID, rec, attempt, attempt, delay, reason, cause)
}

func (p *Processor) publishRetryAt(ctx context.Context, logger *slog.Logger, failureID uuid.UUID, rec *model.ClaimFailure, attempt, nextAttempt int, delay time.Duration, reason string, cause error) Result {
	body, err := json.Marshal(CallbackPayload{FailureID: failureID, Attempt: nextAttempt})
	if err != nil {
		logger.Error("marshal retry payload", "error", err)
		return Result{Success: false, Status: string(model.StatusFailed), Error: err.Error()}
	}

	if _, err := p.publisher.Publish(ctx, queue.Message{
		URL:   p.cfg.CallbackURL,
		Body:  body,
		Delay: delay,
	}); err != nil {
		// The status entry still says retry_scheduled; the queue's own
		// at-least-once delivery of the ORIGINAL message is the backstop.
		logger.Error("retry publish failed", "error", err)
	}

	errMsg := cause.Error()
	nextAt := p.nowFn().UTC().Add(delay)
	p.setStatus(ctx, logger, &model.RetryStatus{
		FailureID:   failureID,
		Status:      model.StatusRetryScheduled,
		Attempt:     attempt,
		NextRetryAt: &nextAt,
		Error:       &errMsg,
	})

	source := "unknown"
	if rec != nil {
		source = rec.Source.String()
	}
	metrics.ClaimsRetriesScheduledTotal.WithLabelValues(source, reason).Inc()
	return Result{Success: false, Status: string(model.StatusRetryScheduled), Error: errMsg}
}

// failTerminal marks a non-retryable failure. The record is kept: funding
// and revert failures need an operator, and deleting the record would erase
// the only pointer to what went wrong.
func (p *Processor) failTerminal(ctx context.Context, logger *slog.Logger, rec *model.ClaimFailure, attempt int, step string, cause error) Result {
	errMsg := cause.Error()
	logger.Error("claim failed terminally", "step", step, "error", cause)

	rec.Attempts = attempt + 1
	rec.FailedStep = step
	rec.ErrorMessage = &errMsg
	if err := p.failures.Update(ctx, rec); err != nil {
		logger.Warn("failure record update failed", "error", err)
	}

	p.setStatus(ctx, logger, &model.RetryStatus{
		FailureID: rec.ID, Status: model.StatusFailed, Attempt: attempt, Error: &errMsg,
	})
	metrics.ClaimsProcessedTotal.WithLabelValues(rec.Source.String(), string(model.StatusFailed)).Inc()
	return Result{Success: false, Status: string(model.StatusFailed), Error: errMsg}
}

func (p *Processor) setStatus(ctx context.Context, logger *slog.Logger, st *model.RetryStatus) {
	if err := p.status.Set(ctx, st); err != nil {
		logger.Warn("retry status write failed", "status", st.Status, "error", err)
	}
}

func (p *Processor) deleteRecord(ctx context.Context, logger *slog.Logger, id uuid.UUID) {
	if err := p.failures.Delete(ctx, id); err != nil {
		logger.Warn("failure record delete failed", "error", err)
	}
}
