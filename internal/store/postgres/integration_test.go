//go:build integration

package postgres_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upon-ly/qr-claimd/internal/domain/model"
	"github.com/upon-ly/qr-claimd/internal/store"
	"github.com/upon-ly/qr-claimd/internal/store/postgres"
)

// testDB returns a migrated database for integration tests. TEST_DB_URL
// points at an external instance; otherwise a throwaway testcontainers
// PostgreSQL is started.
func testDB(t *testing.T) *postgres.DB {
	t.Helper()
	if url := os.Getenv("TEST_DB_URL"); url != "" {
		db, err := postgres.New(postgres.Config{
			URL:             url,
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: time.Minute,
		})
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		return db
	}
	return setupTestContainer(t)
}

func strPtr(s string) *string { return &s }

func newClaim(auctionID int64, address string, source model.ClaimSource) *model.Claim {
	return &model.Claim{
		AuctionID: auctionID,
		Address:   address,
		Amount:    "500000000000000000000",
		TxHash:    "0x" + uuid.NewString()[:8],
		Source:    source,
		Success:   true,
		ClaimedAt: time.Now().UTC(),
	}
}

func TestClaimRepo_DuplicateAddressSurfacesAsErrDuplicateClaim(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewClaimRepo(db)
	ctx := context.Background()

	first := newClaim(10, "0xAB00000000000000000000000000000000000012", model.SourceWeb)
	require.NoError(t, repo.Insert(ctx, first))
	require.NotEqual(t, uuid.Nil, first.ID)

	// Same auction, same address with different checksum casing: the lower()
	// in the insert must still collide.
	dup := newClaim(10, "0xab00000000000000000000000000000000000012", model.SourceWeb)
	err := repo.Insert(ctx, dup)
	require.ErrorIs(t, err, store.ErrDuplicateClaim)

	// Different auction is fine.
	other := newClaim(11, "0xab00000000000000000000000000000000000012", model.SourceWeb)
	require.NoError(t, repo.Insert(ctx, other))
}

func TestClaimRepo_FIDConstraintOnlyBindsMiniApp(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewClaimRepo(db)
	ctx := context.Background()

	miniApp := newClaim(20, "0x1100000000000000000000000000000000000001", model.SourceMiniApp)
	miniApp.FID = 777
	require.NoError(t, repo.Insert(ctx, miniApp))

	// A second mini app claim with the same fid must hit the partial index.
	second := newClaim(20, "0x1100000000000000000000000000000000000002", model.SourceMiniApp)
	second.FID = 777
	require.ErrorIs(t, repo.Insert(ctx, second), store.ErrDuplicateClaim)

	// A web claim carrying the same fid for display does not bind it.
	web := newClaim(20, "0x1100000000000000000000000000000000000003", model.SourceWeb)
	web.FID = 777
	require.NoError(t, repo.Insert(ctx, web))

	// Zero-fid mini app claims never collide with each other.
	zeroA := newClaim(20, "0x1100000000000000000000000000000000000004", model.SourceMiniApp)
	zeroB := newClaim(20, "0x1100000000000000000000000000000000000005", model.SourceMiniApp)
	require.NoError(t, repo.Insert(ctx, zeroA))
	require.NoError(t, repo.Insert(ctx, zeroB))
}

func TestClaimRepo_GetByAuctionFIDIgnoresWebRows(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewClaimRepo(db)
	ctx := context.Background()

	web := newClaim(30, "0x2200000000000000000000000000000000000001", model.SourceWeb)
	web.FID = 42
	require.NoError(t, repo.Insert(ctx, web))

	_, err := repo.GetByAuctionFID(ctx, 30, 42)
	require.ErrorIs(t, err, store.ErrNotFound)

	mini := newClaim(30, "0x2200000000000000000000000000000000000002", model.SourceMiniApp)
	mini.FID = 42
	require.NoError(t, repo.Insert(ctx, mini))

	got, err := repo.GetByAuctionFID(ctx, 30, 42)
	require.NoError(t, err)
	assert.Equal(t, mini.TxHash, got.TxHash)
}

func TestClaimRepo_GetByAuctionUsernameIgnoresCase(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewClaimRepo(db)
	ctx := context.Background()

	c := newClaim(35, "0x2300000000000000000000000000000000000001", model.SourceWeb)
	c.Username = strPtr("AliceHandle")
	require.NoError(t, repo.Insert(ctx, c))

	got, err := repo.GetByAuctionUsername(ctx, 35, "alicehandle")
	require.NoError(t, err)
	assert.Equal(t, c.TxHash, got.TxHash)

	_, err = repo.GetByAuctionUsername(ctx, 36, "alicehandle")
	require.ErrorIs(t, err, store.ErrNotFound, "username binds per auction")

	_, err = repo.GetByAuctionUsername(ctx, 35, "someoneelse")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestClaimRepo_ForensicsColumnsRoundTrip(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewClaimRepo(db)
	ctx := context.Background()

	score := 0.91
	var label int64 = 0
	c := newClaim(37, "0x2400000000000000000000000000000000000001", model.SourceMiniApp)
	c.ClientIP = strPtr("203.0.113.9")
	c.ScoreUsed = &score
	c.SpamLabel = &label
	require.NoError(t, repo.Insert(ctx, c))

	got, err := repo.GetByAuctionAddress(ctx, 37, c.Address)
	require.NoError(t, err)
	require.NotNil(t, got.ClientIP)
	assert.Equal(t, "203.0.113.9", *got.ClientIP)
	require.NotNil(t, got.ScoreUsed)
	assert.Equal(t, score, *got.ScoreUsed)
	require.NotNil(t, got.SpamLabel)
	assert.Equal(t, label, *got.SpamLabel)

	// All three stay null when nothing was captured.
	bare := newClaim(37, "0x2400000000000000000000000000000000000002", model.SourceWeb)
	require.NoError(t, repo.Insert(ctx, bare))
	got, err = repo.GetByAuctionAddress(ctx, 37, bare.Address)
	require.NoError(t, err)
	assert.Nil(t, got.ClientIP)
	assert.Nil(t, got.ScoreUsed)
	assert.Nil(t, got.SpamLabel)
}

func TestClaimRepo_ConcurrentInsertExactlyOneWins(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewClaimRepo(db)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newClaim(40, "0x3300000000000000000000000000000000000001", model.SourceWeb)
			c.TxHash = fmt.Sprintf("0xrace%02d", i)
			results <- repo.Insert(ctx, c)
		}(i)
	}
	wg.Wait()
	close(results)

	var ok, dup int
	for err := range results {
		switch {
		case err == nil:
			ok++
		default:
			require.ErrorIs(t, err, store.ErrDuplicateClaim)
			dup++
		}
	}
	assert.Equal(t, 1, ok, "exactly one concurrent insert must win")
	assert.Equal(t, workers-1, dup)
}

func TestClaimRepo_UpdateFallback(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewClaimRepo(db)
	ctx := context.Background()

	c := newClaim(50, "0x4400000000000000000000000000000000000001", model.SourceMobile)
	require.NoError(t, repo.Insert(ctx, c))

	c.Amount = "100000000000000000000"
	c.TxHash = "0xupdated"
	require.NoError(t, repo.Update(ctx, c))

	got, err := repo.GetByAuctionAddress(ctx, 50, "0x4400000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, "0xupdated", got.TxHash)
	assert.Equal(t, "100000000000000000000", got.Amount)

	missing := newClaim(50, "0x4400000000000000000000000000000000000099", model.SourceMobile)
	require.ErrorIs(t, repo.Update(ctx, missing), store.ErrNotFound)
}

func TestFailureRepo_Lifecycle(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewFailureRepo(db)
	ctx := context.Background()

	rec := &model.ClaimFailure{
		ID:         uuid.New(),
		AuctionID:  60,
		Address:    "0x5500000000000000000000000000000000000001",
		FID:        123,
		Username:   strPtr("alice"),
		Source:     model.SourceMiniApp,
		ClientIP:   strPtr("198.51.100.7"),
		WinningURL: strPtr("https://qr.example/a/60"),
		FailedStep: "intake",
	}
	require.NoError(t, repo.Insert(ctx, rec))

	got, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Address, got.Address)
	assert.Equal(t, 0, got.Attempts)
	require.NotNil(t, got.ClientIP)
	assert.Equal(t, "198.51.100.7", *got.ClientIP)
	require.NotNil(t, got.WinningURL)
	assert.Equal(t, "https://qr.example/a/60", *got.WinningURL)

	got.Attempts = 2
	got.FailedStep = "transfer"
	got.ErrorMessage = strPtr("transaction underpriced")
	require.NoError(t, repo.Update(ctx, got))

	again, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Attempts)
	assert.Equal(t, "transfer", again.FailedStep)
	require.NotNil(t, again.ErrorMessage)
	assert.Equal(t, "transaction underpriced", *again.ErrorMessage)
	require.NotNil(t, again.ClientIP, "intake facts survive retries")
	assert.Equal(t, "198.51.100.7", *again.ClientIP)

	require.NoError(t, repo.Delete(ctx, rec.ID))
	_, err = repo.Get(ctx, rec.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	// Deleting again is an idempotent no-op.
	require.NoError(t, repo.Delete(ctx, rec.ID))
}

func TestFailureRepo_ListNewestFirst(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewFailureRepo(db)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Insert(ctx, &model.ClaimFailure{
			ID:        uuid.New(),
			AuctionID: int64(70 + i),
			Address:   fmt.Sprintf("0x66000000000000000000000000000000000000%02d", i),
			Source:    model.SourceWeb,
		}))
		time.Sleep(10 * time.Millisecond)
	}

	rows, err := repo.List(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(72), rows[0].AuctionID)

	rest, err := repo.List(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, int64(70), rest[0].AuctionID)
}

func TestBanRepo_MatchingIsCaseInsensitive(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewBanRepo(db)
	ctx := context.Background()

	fid := int64(999)
	ban := &model.Ban{
		FID:      &fid,
		Address:  strPtr("0xAB00000000000000000000000000000000000012"),
		Username: strPtr("EvilUser"),
		Reason:   model.BanReasonDuplicateClaim,
		BannedBy: model.BannedBySystem,
		IsActive: true,
	}
	require.NoError(t, repo.Insert(ctx, ban))

	banned, err := repo.IsBanned(ctx, store.BanCheck{FID: 999})
	require.NoError(t, err)
	assert.True(t, banned)

	banned, err = repo.IsBanned(ctx, store.BanCheck{Address: "0xab00000000000000000000000000000000000012"})
	require.NoError(t, err)
	assert.True(t, banned, "address match must ignore checksum casing")

	banned, err = repo.IsBanned(ctx, store.BanCheck{Username: "eviluser"})
	require.NoError(t, err)
	assert.True(t, banned, "username match must be case-insensitive")

	banned, err = repo.IsBanned(ctx, store.BanCheck{FID: 1000, Address: "0x9900000000000000000000000000000000000001"})
	require.NoError(t, err)
	assert.False(t, banned)

	// The empty triple short-circuits without touching the table.
	banned, err = repo.IsBanned(ctx, store.BanCheck{})
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestBanRepo_DeactivateStopsMatching(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewBanRepo(db)
	ctx := context.Background()

	ban := &model.Ban{
		Address:  strPtr("0x7700000000000000000000000000000000000001"),
		Reason:   "abuse",
		BannedBy: "admin:api",
		IsActive: true,
	}
	require.NoError(t, repo.Insert(ctx, ban))

	require.NoError(t, repo.Deactivate(ctx, ban.ID))

	banned, err := repo.IsBanned(ctx, store.BanCheck{Address: *ban.Address})
	require.NoError(t, err)
	assert.False(t, banned)

	require.ErrorIs(t, repo.Deactivate(ctx, uuid.New()), store.ErrNotFound)
}

func TestBanRepo_EvidenceRoundTrips(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewBanRepo(db)
	ctx := context.Background()

	evidence, err := json.Marshal(model.DuplicateClaimEvidence{
		AuctionID:    80,
		ExistingTx:   "0xfirst",
		DuplicateTx:  "0xsecond",
		TotalAmount:  "1000000000000000000000",
		DetectedAtMs: time.Now().UnixMilli(),
	})
	require.NoError(t, err)

	ban := &model.Ban{
		Address:  strPtr("0x8800000000000000000000000000000000000001"),
		Reason:   model.BanReasonDuplicateClaim,
		Evidence: evidence,
		BannedBy: model.BannedBySystem,
		IsActive: true,
	}
	require.NoError(t, repo.Insert(ctx, ban))

	rows, err := repo.List(ctx, 10, 0)
	require.NoError(t, err)
	require.NotEmpty(t, rows)

	var got model.DuplicateClaimEvidence
	require.NoError(t, json.Unmarshal(rows[0].Evidence, &got))
	assert.Equal(t, "0xfirst", got.ExistingTx)
	assert.Equal(t, "0xsecond", got.DuplicateTx)
}

func TestTierRepo_LookupAndUpsert(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewTierRepo(db)
	ctx := context.Background()

	_, found, err := repo.Lookup(ctx, model.SourceWeb, model.TierHasValue)
	require.NoError(t, err)
	assert.False(t, found, "empty table means compiled defaults apply")

	require.NoError(t, repo.Upsert(ctx, &model.RewardTier{
		Source: model.SourceWeb, Tier: model.TierHasValue, Amount: 750,
	}))

	amt, found, err := repo.Lookup(ctx, model.SourceWeb, model.TierHasValue)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(750), amt)

	// Upsert over the same pair replaces the amount.
	require.NoError(t, repo.Upsert(ctx, &model.RewardTier{
		Source: model.SourceWeb, Tier: model.TierHasValue, Amount: 900,
	}))
	amt, _, err = repo.Lookup(ctx, model.SourceWeb, model.TierHasValue)
	require.NoError(t, err)
	assert.Equal(t, int64(900), amt)

	tiers, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, tiers, 1)
}
