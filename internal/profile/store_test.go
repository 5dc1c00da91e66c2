package profile

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	boterr "github.com/miintlabs/miintradar/internal/errors"
	"github.com/miintlabs/miintradar/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	tmp := t.TempDir()
	store, err := Open(filepath.Join(tmp, "profiles.db"), filepath.Join(tmp, "profiles.lock"))
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleProfile(userID, refID string) model.UserProfile {
	return model.UserProfile{
		UserID:     userID,
		ReferralID: refID,
		Wallets: []model.Wallet{
			{Index: 1, PublicKey: "pk1", SecretKey: "sk1", Active: true},
			{Index: 2, PublicKey: "pk2", SecretKey: "sk2"},
		},
		Settings: model.Settings{SlippageBps: 1500, PriorityFeeLamports: 1_000_000},
	}
}

func TestLoadMissingProfile(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Load("nobody")
	if !boterr.Is(err, boterr.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := openTestStore(t)
	in := sampleProfile("u1", "ref001")
	in.TotalTrades = 3
	in.TotalVolumeLamports = 42

	if err := store.Save(in); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	out, err := store.Load("u1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if out.TotalTrades != 3 || out.TotalVolumeLamports != 42 {
		t.Fatalf("accumulators lost: %+v", out)
	}
	if len(out.Wallets) != 2 || !out.Wallets[0].Active {
		t.Fatalf("wallet set lost: %+v", out.Wallets)
	}
	if out.Wallets[0].SecretKey != "sk1" {
		t.Fatal("secret key did not survive the round trip")
	}
}

func TestGetOrCreateProvisionsOnce(t *testing.T) {
	store := openTestStore(t)

	// Each invocation yields a distinct referral id, so observing two ids
	// means two provisioned records leaked out.
	var provisions atomic.Int64
	provision := func() (model.UserProfile, error) {
		n := provisions.Add(1)
		return sampleProfile("u1", fmt.Sprintf("ref%03d", n)), nil
	}

	const workers = 8
	results := make([]model.UserProfile, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			prof, err := store.GetOrCreate("u1", provision)
			if err != nil {
				t.Errorf("GetOrCreate failed: %v", err)
				return
			}
			results[i] = prof
		}(i)
	}
	wg.Wait()

	first := results[0]
	for _, got := range results[1:] {
		if got.ReferralID != first.ReferralID {
			t.Fatal("concurrent callers observed different profiles")
		}
	}
	stored, err := store.Load("u1")
	if err != nil {
		t.Fatalf("Load after GetOrCreate failed: %v", err)
	}
	if stored.ReferralID != first.ReferralID {
		t.Fatal("persisted record differs from observed record")
	}
}

func TestGetOrCreateReturnsExisting(t *testing.T) {
	store := openTestStore(t)
	if err := store.Save(sampleProfile("u1", "ref001")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	prof, err := store.GetOrCreate("u1", func() (model.UserProfile, error) {
		t.Fatal("provision invoked for an existing user")
		return model.UserProfile{}, nil
	})
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if prof.ReferralID != "ref001" {
		t.Fatalf("unexpected profile %+v", prof)
	}
}

func TestUpdateSerializesPerUser(t *testing.T) {
	store := openTestStore(t)
	if err := store.Save(sampleProfile("u1", "ref001")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	const increments = 50
	var wg sync.WaitGroup
	for i := 0; i < increments; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Update("u1", func(p *model.UserProfile) error {
				p.TotalTrades++
				return nil
			})
			if err != nil {
				t.Errorf("Update failed: %v", err)
			}
		}()
	}
	wg.Wait()

	out, err := store.Load("u1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if out.TotalTrades != increments {
		t.Fatalf("lost updates: got %d, want %d", out.TotalTrades, increments)
	}
}

func TestUpdateErrorLeavesRecordUntouched(t *testing.T) {
	store := openTestStore(t)
	if err := store.Save(sampleProfile("u1", "ref001")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	wantErr := boterr.New(boterr.KindOutOfRange, "nope")
	err := store.Update("u1", func(p *model.UserProfile) error {
		p.TotalTrades = 99
		return wantErr
	})
	if !boterr.Is(err, boterr.KindOutOfRange) {
		t.Fatalf("expected the callback error, got %v", err)
	}
	out, _ := store.Load("u1")
	if out.TotalTrades != 0 {
		t.Fatal("failed update mutated the stored record")
	}
}

func TestWritePathsShareFlock(t *testing.T) {
	tmp := t.TempDir()
	open := func() *Store {
		store, err := Open(filepath.Join(tmp, "profiles.db"), filepath.Join(tmp, "profiles.lock"))
		if err != nil {
			t.Fatalf("Open store failed: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	}
	a := open()
	b := open()

	// Both the upsert path and the insert-only provisioning path must
	// acquire and release the shared lock, or the second store deadlocks.
	if err := a.Save(sampleProfile("u1", "ref001")); err != nil {
		t.Fatalf("Save on first store failed: %v", err)
	}
	if err := b.Save(sampleProfile("u1", "ref002")); err != nil {
		t.Fatalf("Save on second store failed: %v", err)
	}
	if _, err := b.GetOrCreate("u2", func() (model.UserProfile, error) {
		return sampleProfile("u2", "ref003"), nil
	}); err != nil {
		t.Fatalf("GetOrCreate on second store failed: %v", err)
	}

	prof, err := a.Load("u1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if prof.ReferralID != "ref002" {
		t.Fatalf("second store's write not visible, got %q", prof.ReferralID)
	}
	if _, err := a.Load("u2"); err != nil {
		t.Fatalf("provisioned record not visible across stores: %v", err)
	}
}

func TestFindByReferralID(t *testing.T) {
	store := openTestStore(t)
	if err := store.Save(sampleProfile("u1", "ref001")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	prof, err := store.FindByReferralID("ref001")
	if err != nil {
		t.Fatalf("FindByReferralID failed: %v", err)
	}
	if prof.UserID != "u1" {
		t.Fatalf("unexpected owner %q", prof.UserID)
	}
	if _, err := store.FindByReferralID("missing"); !boterr.Is(err, boterr.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
