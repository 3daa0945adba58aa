package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestUserLocksSerializeSameUser(t *testing.T) {
	locks := NewUserLocks()
	user := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	release, err := locks.Acquire(context.Background(), user)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = locks.Acquire(ctx, user)
	if !errors.Is(err, context.DeadlineExceeded) || !errors.Is(err, ErrUserBusy) {
		t.Fatalf("expected second acquire to wait until deadline, got %v", err)
	}

	other, err := locks.Acquire(context.Background(), common.HexToAddress("0x00000000000000000000000000000000000000bb"))
	if err != nil {
		t.Fatalf("expected other user to proceed, got %v", err)
	}
	other()

	release()
	release()
	again, err := locks.Acquire(context.Background(), user)
	if err != nil {
		t.Fatalf("expected acquire after release, got %v", err)
	}
	again()
}
