package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailzen/syncd/internal/storage/memory"
)

func TestLeaseManager_AcquireReleaseCycle(t *testing.T) {
	store := memory.NewStore()
	manager := NewLeaseManager(store, 5*time.Minute, nil)
	ctx := context.Background()

	t.Run("首次获取成功", func(t *testing.T) {
		handle, err := manager.Acquire(ctx, "mb-1")
		require.NoError(t, err)
		require.NotNil(t, handle)
		assert.Equal(t, "mb-1", handle.MailboxID)
		assert.NotEmpty(t, handle.Token)

		// 持有期间再次获取返回 ErrLeaseBusy
		_, err = manager.Acquire(ctx, "mb-1")
		assert.ErrorIs(t, err, ErrLeaseBusy)

		// 不同邮箱互不影响
		other, err := manager.Acquire(ctx, "mb-2")
		require.NoError(t, err)
		require.NotNil(t, other)

		require.NoError(t, manager.Release(ctx, handle))
	})

	t.Run("释放后可重新获取", func(t *testing.T) {
		handle, err := manager.Acquire(ctx, "mb-1")
		require.NoError(t, err)

		require.NoError(t, manager.Release(ctx, handle))

		again, err := manager.Acquire(ctx, "mb-1")
		require.NoError(t, err)
		assert.NotEqual(t, handle.Token, again.Token)
	})

	t.Run("重复释放返回 ErrLeaseLost", func(t *testing.T) {
		handle, err := manager.Acquire(ctx, "mb-3")
		require.NoError(t, err)

		require.NoError(t, manager.Release(ctx, handle))
		assert.ErrorIs(t, manager.Release(ctx, handle), ErrLeaseLost)
	})
}

func TestLeaseManager_Renew(t *testing.T) {
	store := memory.NewStore()
	manager := NewLeaseManager(store, 5*time.Minute, nil)
	ctx := context.Background()

	handle, err := manager.Acquire(ctx, "mb-1")
	require.NoError(t, err)
	firstExpiry := handle.ExpiresAt

	require.NoError(t, manager.Renew(ctx, handle))
	assert.True(t, handle.ExpiresAt.After(firstExpiry) || handle.ExpiresAt.Equal(firstExpiry))

	// 释放后续约失败
	require.NoError(t, manager.Release(ctx, handle))
	assert.ErrorIs(t, manager.Renew(ctx, handle), ErrLeaseLost)
}

func TestLeaseManager_ExpiredLeaseTakeover(t *testing.T) {
	store := memory.NewStore()
	// 极短 TTL 模拟持有者崩溃后的自愈
	manager := NewLeaseManager(store, time.Millisecond, nil)
	ctx := context.Background()

	crashed, err := manager.Acquire(ctx, "mb-1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	// 过期租约可被直接顶替，无需清理步骤
	takeover, err := manager.Acquire(ctx, "mb-1")
	require.NoError(t, err)
	require.NotNil(t, takeover)

	// 原持有者的续约与释放都失败
	assert.ErrorIs(t, manager.Renew(ctx, crashed), ErrLeaseLost)
	assert.ErrorIs(t, manager.Release(ctx, crashed), ErrLeaseLost)
}

func TestLeaseManager_ConcurrentAcquire(t *testing.T) {
	store := memory.NewStore()
	manager := NewLeaseManager(store, 5*time.Minute, nil)
	ctx := context.Background()

	// 多路并发争抢同一邮箱，互斥性要求恰好一个赢家
	const contenders = 16
	results := make(chan error, contenders)
	start := make(chan struct{})
	for i := 0; i < contenders; i++ {
		go func() {
			<-start
			_, err := manager.Acquire(ctx, "mb-1")
			results <- err
		}()
	}
	close(start)

	acquired, busy := 0, 0
	for i := 0; i < contenders; i++ {
		err := <-results
		switch {
		case err == nil:
			acquired++
		case errors.Is(err, ErrLeaseBusy):
			busy++
		default:
			t.Fatalf("unexpected acquire error: %v", err)
		}
	}
	assert.Equal(t, 1, acquired)
	assert.Equal(t, contenders-1, busy)
}
