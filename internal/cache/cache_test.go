package cache

import (
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/lendpool-cli/internal/protocol"
)

var dai = protocol.TokenMetadata{
	Address:  common.HexToAddress("0x00000000000000000000000000000000000000D1"),
	Symbol:   "DAI",
	Name:     "Dai Stablecoin",
	Decimals: 18,
}

func TestCachePutLookupFreshAndStale(t *testing.T) {
	tmp := t.TempDir()
	store, err := Open(filepath.Join(tmp, "cache.db"), filepath.Join(tmp, "cache.lock"))
	if err != nil {
		t.Fatalf("Open cache failed: %v", err)
	}
	defer store.Close()

	if err := store.Put(31337, dai, 1*time.Second); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	entry, ok, err := store.Lookup(31337, dai.Address)
	if err != nil {
		t.Fatalf("Lookup fresh failed: %v", err)
	}
	if !ok || entry.Stale {
		t.Fatalf("expected fresh hit, got %+v", entry)
	}
	if entry.Metadata != dai {
		t.Fatalf("unexpected metadata: %+v", entry.Metadata)
	}

	time.Sleep(2100 * time.Millisecond)
	entry, ok, err = store.Lookup(31337, dai.Address)
	if err != nil {
		t.Fatalf("Lookup stale failed: %v", err)
	}
	if !ok || !entry.Stale {
		t.Fatalf("expected stale hit, got %+v", entry)
	}
}

func TestCacheIsKeyedByChain(t *testing.T) {
	tmp := t.TempDir()
	store, err := Open(filepath.Join(tmp, "cache.db"), filepath.Join(tmp, "cache.lock"))
	if err != nil {
		t.Fatalf("Open cache failed: %v", err)
	}
	defer store.Close()

	if err := store.Put(1, dai, time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, ok, err := store.Lookup(31337, dai.Address); err != nil || ok {
		t.Fatalf("expected miss on another chain, ok=%v err=%v", ok, err)
	}
}

func TestNilStoreIsDisabled(t *testing.T) {
	var store *Store
	if err := store.Put(1, dai, time.Minute); err != nil {
		t.Fatalf("Put on nil store: %v", err)
	}
	if _, ok, err := store.Lookup(1, dai.Address); err != nil || ok {
		t.Fatalf("expected miss on nil store, ok=%v err=%v", ok, err)
	}
}

func TestCacheConcurrentOpenAndPut(t *testing.T) {
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "cache.db")
	lockPath := filepath.Join(tmp, "cache.lock")

	const workers = 16
	const iterations = 20

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			store, err := Open(dbPath, lockPath)
			if err != nil {
				errCh <- fmt.Errorf("worker %d open: %w", workerID, err)
				return
			}
			defer store.Close()

			for i := 0; i < iterations; i++ {
				meta := dai
				meta.Address = common.BigToAddress(big.NewInt(int64(workerID*1000 + i + 1)))
				if err := store.Put(31337, meta, time.Minute); err != nil {
					errCh <- fmt.Errorf("worker %d put iter %d: %w", workerID, i, err)
					return
				}
				if _, ok, err := store.Lookup(31337, meta.Address); err != nil || !ok {
					errCh <- fmt.Errorf("worker %d lookup iter %d: ok=%v err=%v", workerID, i, ok, err)
					return
				}
			}
		}(worker)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
}
