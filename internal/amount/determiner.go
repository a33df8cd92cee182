package amount

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/upon-ly/qr-claimd/internal/domain/model"
	"github.com/upon-ly/qr-claimd/internal/scoring"
	"github.com/upon-ly/qr-claimd/internal/store"
)

// Score thresholds for mini app tiering.
const (
	topScoreThreshold = 0.80
	midScoreThreshold = 0.50
)

// defaultTierAmounts are the compiled fallbacks, in whole tokens, used when
// no reward_tiers row overrides a (source, tier) pair.
var defaultTierAmounts = map[model.ClaimSource]map[string]int64{
	model.SourceWeb: {
		model.TierHasValue: 500,
		model.TierEmpty:    100,
	},
	model.SourceMobile: {
		model.TierHasValue: 500,
		model.TierEmpty:    100,
	},
	model.SourceMiniApp: {
		model.TierTop: 1000,
		model.TierMid: 500,
		model.TierLow: 100,
	},
}

// fallbackAmounts are used when amount determination fails outright.
// Deliberately distinct from the tier defaults above: the tier table is
// pricing policy, these are the availability floor when pricing is down.
var fallbackAmounts = map[model.ClaimSource]int64{
	model.SourceWeb:     500,
	model.SourceMobile:  500,
	model.SourceMiniApp: 100,
	model.SourceWelcome: 100,
}

// Fallback returns the hardcoded per-source amount used when the tier
// function cannot run. Availability over perfect pricing.
func Fallback(source model.ClaimSource) int64 {
	if amt, ok := fallbackAmounts[source]; ok {
		return amt
	}
	return fallbackAmounts[model.SourceWeb]
}

// Scorer is the identity-score oracle surface the determiner consumes.
type Scorer interface {
	Score(ctx context.Context, fid int64) (scoring.Result, error)
}

// HoldingsReader is the chain surface used for wallet-value tiering.
type HoldingsReader interface {
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	HasOtherTokenHoldings(ctx context.Context, owner, exclude common.Address) (bool, error)
}

// DetermineRequest identifies the claimer being priced.
type DetermineRequest struct {
	Address common.Address
	Source  model.ClaimSource
	FID     int64
}

// Result is the priced claim. Amount is whole tokens, always positive.
type Result struct {
	Amount       int64
	Tier         string
	ScoreUsed    *float64
	SpamOverride bool
	SpamLabel    *int64
}

// Determiner maps a claimer onto a reward amount. Web and mobile claims are
// tiered by wallet holdings; mini app claims by identity score with a
// confirmed not-spam label forcing the top tier. Amounts come from the
// reward_tiers table with compiled defaults behind it.
type Determiner struct {
	holdings HoldingsReader
	scorer   Scorer
	tiers    store.TierRepository
	token    common.Address
	logger   *slog.Logger
}

func NewDeterminer(holdings HoldingsReader, scorer Scorer, tiers store.TierRepository, token common.Address, logger *slog.Logger) *Determiner {
	return &Determiner{
		holdings: holdings,
		scorer:   scorer,
		tiers:    tiers,
		token:    token,
		logger:   logger.With("component", "amount"),
	}
}

// Determine prices one claim. Identical inputs within the score cache
// window produce identical results; across retries the amount may move
// with the underlying score, which is acceptable because all amounts are
// bounded by the tier table.
func (d *Determiner) Determine(ctx context.Context, req DetermineRequest) (Result, error) {
	switch req.Source {
	case model.SourceMiniApp:
		return d.determineByScore(ctx, req)
	default:
		return d.determineByHoldings(ctx, req)
	}
}

// determineByHoldings tiers web/mobile claims on whether the claiming
// wallet shows any signs of life: positive native balance and at least one
// ERC-20 position besides the reward token itself.
func (d *Determiner) determineByHoldings(ctx context.Context, req DetermineRequest) (Result, error) {
	native, err := d.holdings.NativeBalance(ctx, req.Address)
	if err != nil {
		return Result{}, fmt.Errorf("holdings tier %s: %w", req.Address.Hex(), err)
	}

	tier := model.TierEmpty
	if native.Sign() > 0 {
		hasTokens, err := d.holdings.HasOtherTokenHoldings(ctx, req.Address, d.token)
		if err != nil {
			return Result{}, fmt.Errorf("holdings tier %s: %w", req.Address.Hex(), err)
		}
		if hasTokens {
			tier = model.TierHasValue
		}
	}

	amt, err := d.tierAmount(ctx, req.Source, tier)
	if err != nil {
		return Result{}, err
	}
	return Result{Amount: amt, Tier: tier}, nil
}

func (d *Determiner) determineByScore(ctx context.Context, req DetermineRequest) (Result, error) {
	if req.FID <= 0 {
		return Result{}, fmt.Errorf("score tier: mini app claim without fid")
	}

	score, err := d.scorer.Score(ctx, req.FID)
	if err != nil {
		return Result{}, fmt.Errorf("score tier fid %d: %w", req.FID, err)
	}

	res := Result{
		ScoreUsed: &score.Score,
		SpamLabel: score.LabelValue,
	}

	switch {
	case score.SpamOverride():
		// Confirmed not-spam beats whatever the score says.
		res.Tier = model.TierTop
		res.SpamOverride = true
	case score.Score >= topScoreThreshold:
		res.Tier = model.TierTop
	case score.Score >= midScoreThreshold:
		res.Tier = model.TierMid
	default:
		res.Tier = model.TierLow
	}

	amt, err := d.tierAmount(ctx, req.Source, res.Tier)
	if err != nil {
		return Result{}, err
	}
	res.Amount = amt
	return res, nil
}

// tierAmount resolves the configured amount for a tier, preferring the
// database override. A lookup error degrades to the compiled default: a
// flaky tier table should not fail a claim that is otherwise priceable.
func (d *Determiner) tierAmount(ctx context.Context, source model.ClaimSource, tier string) (int64, error) {
	amt, found, err := d.tiers.Lookup(ctx, source, tier)
	if err != nil {
		d.logger.Warn("tier lookup failed, using compiled default",
			"source", source, "tier", tier, "error", err)
	} else if found {
		if amt <= 0 {
			return 0, fmt.Errorf("tier %s/%s: configured amount %d not positive", source, tier, amt)
		}
		return amt, nil
	}

	defaults, ok := defaultTierAmounts[source]
	if !ok {
		return 0, fmt.Errorf("tier %s/%s: no defaults for source", source, tier)
	}
	amt, ok = defaults[tier]
	if !ok {
		return 0, fmt.Errorf("tier %s/%s: unknown tier", source, tier)
	}
	return amt, nil
}
