package store

import (
	"bytes"
	"testing"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/LLMQ/chain"
)

func newTestDB(t *testing.T) *Database {
	db, err := OpenMemory(hclog.NewNullLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCommitmentRoundTrip(t *testing.T) {
	db := newTestDB(t)

	qhash := chain.NewHash([]byte("quorum-1"))
	raw := []byte("commitment-record")

	if ok, _ := db.HasCommitment(1, qhash); ok {
		t.Fatal("commitment should not exist yet")
	}
	if _, err := db.GetCommitment(1, qhash); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := db.SaveCommitment(1, qhash, raw); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetCommitment(1, qhash)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatal("loaded commitment does not match the stored one")
	}
	if ok, _ := db.HasCommitment(1, qhash); !ok {
		t.Fatal("commitment should exist after save")
	}
}

func TestListCommitmentsFiltersByType(t *testing.T) {
	db := newTestDB(t)

	for i := 0; i < 3; i++ {
		qhash := chain.NewHash([]byte{byte(i)})
		if err := db.SaveCommitment(1, qhash, []byte{0x10, byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	other := chain.NewHash([]byte("other-type"))
	if err := db.SaveCommitment(2, other, []byte{0x20}); err != nil {
		t.Fatal(err)
	}

	records, err := db.ListCommitments(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records for type 1, got %d", len(records))
	}
	for _, rec := range records {
		if rec[0] != 0x10 {
			t.Fatal("record from the wrong quorum type leaked into the listing")
		}
	}
}

func TestBestChainLockRoundTrip(t *testing.T) {
	db := newTestDB(t)

	if _, err := db.LoadBestChainLock(); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on fresh store, got %v", err)
	}
	if err := db.SaveBestChainLock([]byte("clsig-1")); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveBestChainLock([]byte("clsig-2")); err != nil {
		t.Fatal(err)
	}
	raw, err := db.LoadBestChainLock()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, []byte("clsig-2")) {
		t.Fatal("best chain lock was not replaced by the newer save")
	}
}
