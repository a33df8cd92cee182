package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"

	"github.com/upon-ly/qr-claimd/internal/alert"
	"github.com/upon-ly/qr-claimd/internal/metrics"
)

// BalanceReader is the chain surface the funding monitor needs.
type BalanceReader interface {
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
}

// MonitorConfig tunes the funding sweep.
type MonitorConfig struct {
	Token         common.Address
	TokenDecimals int
	Schedule      string   // cron spec, e.g. "@every 5m"
	MinNativeWei  *big.Int // alert floor for gas balance
	MinTokenWhole int64    // alert floor for reward token balance
	SweepTimeout  time.Duration
}

// Monitor sweeps every configured wallet on a schedule, exports balance
// gauges and raises funding alerts before claims start failing terminally
// on the balance floors.
type Monitor struct {
	cfg     MonitorConfig
	pool    *Pool
	chain   BalanceReader
	alerter alert.Alerter
	cron    *cron.Cron
	logger  *slog.Logger
}

func NewMonitor(cfg MonitorConfig, pool *Pool, chain BalanceReader, alerter alert.Alerter, logger *slog.Logger) *Monitor {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 5m"
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = time.Minute
	}
	if cfg.MinNativeWei == nil {
		cfg.MinNativeWei = big.NewInt(1_000_000_000_000_000)
	}
	return &Monitor{
		cfg:     cfg,
		pool:    pool,
		chain:   chain,
		alerter: alerter,
		cron:    cron.New(),
		logger:  logger.With("component", "funding_monitor"),
	}
}

// Start schedules the sweep and runs one immediately so gauges are populated
// before the first interval elapses.
func (m *Monitor) Start(ctx context.Context) error {
	if _, err := m.cron.AddFunc(m.cfg.Schedule, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, m.cfg.SweepTimeout)
		defer cancel()
		m.Sweep(sweepCtx)
	}); err != nil {
		return fmt.Errorf("schedule funding sweep %q: %w", m.cfg.Schedule, err)
	}
	m.cron.Start()

	go func() {
		sweepCtx, cancel := context.WithTimeout(ctx, m.cfg.SweepTimeout)
		defer cancel()
		m.Sweep(sweepCtx)
	}()

	m.logger.Info("funding monitor started", "schedule", m.cfg.Schedule)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
}

// Sweep checks every slot once. Per-wallet errors are logged and skipped;
// one flaky RPC read must not hide the other wallets' balances.
func (m *Monitor) Sweep(ctx context.Context) {
	failed := false
	for _, slot := range m.pool.Slots() {
		if err := m.checkSlot(ctx, slot); err != nil {
			failed = true
			m.logger.Warn("funding sweep slot failed",
				"purpose", slot.Purpose, "address", slot.Address.Hex(), "error", err)
		}
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	metrics.FundingSweepsTotal.WithLabelValues(outcome).Inc()
}

func (m *Monitor) checkSlot(ctx context.Context, slot *Slot) error {
	purpose := slot.Purpose.String()
	addr := slot.Address

	native, err := m.chain.NativeBalance(ctx, addr)
	if err != nil {
		return fmt.Errorf("native balance: %w", err)
	}
	nativeFloat, _ := new(big.Float).SetInt(native).Float64()
	metrics.WalletNativeBalance.WithLabelValues(purpose, addr.Hex()).Set(nativeFloat)

	tokenBal, err := m.chain.TokenBalance(ctx, m.cfg.Token, addr)
	if err != nil {
		return fmt.Errorf("token balance: %w", err)
	}
	tokenWhole := m.toWhole(tokenBal)
	metrics.WalletTokenBalance.WithLabelValues(purpose, addr.Hex()).Set(tokenWhole)

	if native.Cmp(m.cfg.MinNativeWei) < 0 {
		m.alertLow(ctx, slot, "native", native.String(), m.cfg.MinNativeWei.String())
	}
	if m.cfg.MinTokenWhole > 0 && tokenWhole < float64(m.cfg.MinTokenWhole) {
		m.alertLow(ctx, slot, "token",
			fmt.Sprintf("%.0f", tokenWhole), fmt.Sprintf("%d", m.cfg.MinTokenWhole))
	}
	return nil
}

func (m *Monitor) toWhole(baseUnits *big.Int) float64 {
	scale := new(big.Float).SetInt(new(big.Int).Exp(
		big.NewInt(10), big.NewInt(int64(m.cfg.TokenDecimals)), nil))
	whole, _ := new(big.Float).Quo(new(big.Float).SetInt(baseUnits), scale).Float64()
	return whole
}

// alertLow raises a funding alert. The alerter's own cooldown keyed by
// (type, wallet) keeps a persistently dry wallet from flooding the channel.
func (m *Monitor) alertLow(ctx context.Context, slot *Slot, kind, balance, floor string) {
	if m.alerter == nil {
		return
	}
	m.logger.Warn("wallet below funding floor",
		"purpose", slot.Purpose, "address", slot.Address.Hex(), "kind", kind, "balance", balance)
	_ = m.alerter.Send(ctx, alert.Alert{
		Type:     alert.AlertTypeWalletFunding,
		Identity: slot.Address.Hex(),
		Title:    "Disbursement wallet needs funding",
		Message:  "Balance is under the configured floor",
		Fields: map[string]string{
			"purpose": slot.Purpose.String(),
			"kind":    kind,
			"balance": balance,
			"floor":   floor,
		},
	})
}
