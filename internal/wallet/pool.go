package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/upon-ly/qr-claimd/internal/config"
	"github.com/upon-ly/qr-claimd/internal/domain/model"
	"github.com/upon-ly/qr-claimd/internal/metrics"
)

// ErrAllWalletsBusy is returned when every slot configured for a pooled
// purpose is currently reserved. Callers schedule a delayed retry rather
// than block: a wallet is only held for the duration of one on-chain
// transaction, so contention clears on its own.
var ErrAllWalletsBusy = errors.New("all wallets for purpose are busy")

// ErrUnknownPurpose is returned when no slots are configured for a purpose.
var ErrUnknownPurpose = errors.New("no wallets configured for purpose")

const lockKeyPrefix = "wallet-lock:"

// Locker is the subset of the distributed lock service the pool needs.
type Locker interface {
	Acquire(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Slot is one configured signing wallet paired with the airdrop contract
// it disburses through. Slots live for the process lifetime; exclusivity
// between concurrent workers is enforced by redis locks, never in memory.
type Slot struct {
	Purpose         model.WalletPurpose
	Key             *ecdsa.PrivateKey
	Address         common.Address
	AirdropContract common.Address
}

// Acquisition is an exclusively reserved slot. LockKey must be passed back
// to Release exactly once; the TTL on the underlying lock bounds the leak
// if the holder crashes first.
type Acquisition struct {
	Slot    *Slot
	LockKey string
}

type purposeSlots struct {
	mode  string
	slots []*Slot
}

// Pool hands out exclusive use of signing wallets per purpose. An EVM
// account can only safely broadcast one transaction at a time, so pooled
// purposes reserve a slot under a distributed lock; direct purposes own
// their single wallet outright and skip locking entirely.
type Pool struct {
	locker   Locker
	ttl      time.Duration
	purposes map[model.WalletPurpose]*purposeSlots
	logger   *slog.Logger
	nowFn    func() time.Time
}

func NewPool(cfg config.WalletsConfig, locker Locker, logger *slog.Logger) (*Pool, error) {
	if len(cfg.Purposes) == 0 {
		return nil, fmt.Errorf("wallet pool: no purposes configured")
	}

	purposes := make(map[model.WalletPurpose]*purposeSlots, len(cfg.Purposes))
	for _, pc := range cfg.Purposes {
		if _, dup := purposes[pc.Purpose]; dup {
			return nil, fmt.Errorf("wallet pool: purpose %s configured twice", pc.Purpose)
		}
		if !common.IsHexAddress(pc.AirdropContract) {
			return nil, fmt.Errorf("wallet pool: purpose %s: invalid airdrop contract %q", pc.Purpose, pc.AirdropContract)
		}
		contract := common.HexToAddress(pc.AirdropContract)

		ps := &purposeSlots{mode: pc.Mode, slots: make([]*Slot, 0, len(pc.PrivateKeys))}
		for i, raw := range pc.PrivateKeys {
			key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
			if err != nil {
				return nil, fmt.Errorf("wallet pool: purpose %s: key %d: %w", pc.Purpose, i, err)
			}
			ps.slots = append(ps.slots, &Slot{
				Purpose:         pc.Purpose,
				Key:             key,
				Address:         crypto.PubkeyToAddress(key.PublicKey),
				AirdropContract: contract,
			})
		}
		if len(ps.slots) == 0 {
			return nil, fmt.Errorf("wallet pool: purpose %s: no keys", pc.Purpose)
		}
		purposes[pc.Purpose] = ps
	}

	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	return &Pool{
		locker:   locker,
		ttl:      ttl,
		purposes: purposes,
		logger:   logger.With("component", "wallet_pool"),
		nowFn:    time.Now,
	}, nil
}

// DirectWallet returns the single slot of an unpooled purpose. No lock is
// taken and nothing needs releasing. The second return is false when the
// purpose is pooled or not configured.
func (p *Pool) DirectWallet(purpose model.WalletPurpose) (*Slot, bool) {
	ps, ok := p.purposes[purpose]
	if !ok || ps.mode != config.WalletModeDirect {
		return nil, false
	}
	return ps.slots[0], true
}

// Acquire reserves the first free slot of a pooled purpose. The attempt is
// non-blocking: if every slot's lock is held, ErrAllWalletsBusy comes back
// immediately and the caller reschedules. Iteration follows configuration
// order, so the first slots absorb most traffic and the tail stays fresh
// for bursts.
func (p *Pool) Acquire(ctx context.Context, purpose model.WalletPurpose) (*Acquisition, error) {
	ps, ok := p.purposes[purpose]
	if !ok {
		return nil, fmt.Errorf("acquire %s: %w", purpose, ErrUnknownPurpose)
	}

	for _, slot := range ps.slots {
		key := LockKey(purpose, slot.Address)
		acquired, err := p.locker.Acquire(ctx, key, strconv.FormatInt(p.nowFn().UnixMilli(), 10), p.ttl)
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if !acquired {
			continue
		}
		metrics.WalletAcquireTotal.WithLabelValues(purpose.String(), "acquired").Inc()
		p.logger.Debug("wallet reserved", "purpose", purpose, "address", slot.Address.Hex())
		return &Acquisition{Slot: slot, LockKey: key}, nil
	}

	metrics.WalletAcquireTotal.WithLabelValues(purpose.String(), "busy").Inc()
	return nil, fmt.Errorf("acquire %s: %w", purpose, ErrAllWalletsBusy)
}

// Release returns a reserved slot to the pool. Releasing an already-expired
// reservation is harmless, so defer-based callers never need to track
// whether the TTL fired first.
func (p *Pool) Release(ctx context.Context, lockKey string) error {
	if lockKey == "" {
		return nil
	}
	if err := p.locker.Release(ctx, lockKey); err != nil {
		return fmt.Errorf("release %s: %w", lockKey, err)
	}
	p.logger.Debug("wallet released", "lock_key", lockKey)
	return nil
}

// ForceRelease drops the reservation of a specific wallet regardless of who
// holds it. Operator escape hatch for a worker that died mid-transaction.
func (p *Pool) ForceRelease(ctx context.Context, purpose model.WalletPurpose, address common.Address) error {
	ps, ok := p.purposes[purpose]
	if !ok {
		return ErrUnknownPurpose
	}
	for _, slot := range ps.slots {
		if slot.Address == address {
			return p.Release(ctx, LockKey(purpose, address))
		}
	}
	return fmt.Errorf("force release: wallet %s not configured for purpose %s", address.Hex(), purpose)
}

// SlotStatus is the live view of one slot for the admin surface.
type SlotStatus struct {
	Purpose         string  `json:"purpose"`
	Mode            string  `json:"mode"`
	Address         string  `json:"address"`
	AirdropContract string  `json:"airdrop_contract"`
	Locked          bool    `json:"locked"`
	LockTTLSeconds  float64 `json:"lock_ttl_seconds,omitempty"`
}

// Status enumerates every configured slot with its current lock state.
func (p *Pool) Status(ctx context.Context) ([]SlotStatus, error) {
	var out []SlotStatus
	lockedByPurpose := make(map[string]int)
	for purpose, ps := range p.purposes {
		for _, slot := range ps.slots {
			st := SlotStatus{
				Purpose:         purpose.String(),
				Mode:            ps.mode,
				Address:         slot.Address.Hex(),
				AirdropContract: slot.AirdropContract.Hex(),
			}
			if ps.mode == config.WalletModePooled {
				ttl, err := p.locker.TTL(ctx, LockKey(purpose, slot.Address))
				if err != nil {
					return nil, fmt.Errorf("pool status: %w", err)
				}
				if ttl > 0 {
					st.Locked = true
					st.LockTTLSeconds = ttl.Seconds()
					lockedByPurpose[purpose.String()]++
				}
			}
			out = append(out, st)
		}
		metrics.WalletLockedGauge.WithLabelValues(purpose.String()).Set(float64(lockedByPurpose[purpose.String()]))
	}
	return out, nil
}

// Slots returns every configured slot. Used by the funding monitor.
func (p *Pool) Slots() []*Slot {
	var out []*Slot
	for _, ps := range p.purposes {
		out = append(out, ps.slots...)
	}
	return out
}

// LockKey builds the redis key reserving one wallet for one purpose.
func LockKey(purpose model.WalletPurpose, address common.Address) string {
	return lockKeyPrefix + purpose.String() + ":" + strings.ToLower(address.Hex())
}
