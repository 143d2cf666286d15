package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chainwatch/internal/kvstore"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(t *testing.T) (*Limiter, *kvstore.Memory, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	store := kvstore.NewMemory(clock.Now)
	return New(store, Options{Now: clock.Now}, zerolog.Nop()), store, clock
}

func TestConsumeBlocksAfterCapacityThenRecovers(t *testing.T) {
	l, _, clock := newTestLimiter(t)
	rule := Rule{Capacity: 5, RefillWindow: 60 * time.Second, BlockDuration: 60 * time.Second}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d := l.Consume(ctx, "1.2.3.4|public", rule)
		if !d.Allowed {
			t.Fatalf("第 %d 次请求应放行", i+1)
		}
		if d.Remaining != 4-i {
			t.Fatalf("第 %d 次请求剩余应为 %d, 实际 %d", i+1, 4-i, d.Remaining)
		}
		if d.Limit != 5 {
			t.Fatalf("limit 应为 5, 实际 %d", d.Limit)
		}
	}

	sixth := l.Consume(ctx, "1.2.3.4|public", rule)
	if sixth.Allowed || !sixth.Blocked {
		t.Fatalf("第 6 次请求应被拒绝: %+v", sixth)
	}
	if want := clock.Now().Add(60 * time.Second); !sixth.ResetAt.Equal(want) {
		t.Fatalf("reset 应为 %s, 实际 %s", want, sixth.ResetAt)
	}

	clock.Advance(30 * time.Second)
	if d := l.Consume(ctx, "1.2.3.4|public", rule); d.Allowed {
		t.Fatal("封禁期内请求应被拒绝")
	}

	clock.Advance(31 * time.Second)
	seventh := l.Consume(ctx, "1.2.3.4|public", rule)
	if !seventh.Allowed {
		t.Fatal("封禁结束后应放行")
	}
	if seventh.Remaining != 4 {
		t.Fatalf("封禁结束后桶应为满, 剩余期望 4, 实际 %d", seventh.Remaining)
	}
}

func TestConsumeRemainingIsMonotonicWithoutElapsedTime(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	rule := Rule{Capacity: 10, RefillWindow: time.Minute, BlockDuration: time.Minute}

	prev := rule.Capacity
	for i := 0; i < rule.Capacity; i++ {
		d := l.Consume(context.Background(), "k|public", rule)
		if d.Remaining >= prev {
			t.Fatalf("remaining 未递减: prev=%d now=%d", prev, d.Remaining)
		}
		prev = d.Remaining
	}
}

func TestConsumeRefillsProportionally(t *testing.T) {
	l, _, clock := newTestLimiter(t)
	rule := Rule{Capacity: 6, RefillWindow: 60 * time.Second, BlockDuration: time.Minute}
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		l.Consume(ctx, "k|public", rule)
	}

	// 6 tokens per minute is one every 10s.
	clock.Advance(25 * time.Second)
	d := l.Consume(ctx, "k|public", rule)
	if !d.Allowed || d.Remaining != 1 {
		t.Fatalf("25s 后应补充 2 个令牌并消耗 1 个: %+v", d)
	}

	// The 5s left over from the previous refill still counts.
	clock.Advance(5 * time.Second)
	d = l.Consume(ctx, "k|public", rule)
	if !d.Allowed || d.Remaining != 1 {
		t.Fatalf("累计 10s 后应再补充 1 个令牌: %+v", d)
	}
}

func TestConsumeNeverExceedsCapacity(t *testing.T) {
	l, _, clock := newTestLimiter(t)
	rule := Rule{Capacity: 3, RefillWindow: time.Second, BlockDuration: time.Second}
	ctx := context.Background()

	l.Consume(ctx, "k|public", rule)
	clock.Advance(time.Hour)
	d := l.Consume(ctx, "k|public", rule)
	if d.Remaining != 2 {
		t.Fatalf("长时间空闲后剩余应为 capacity-1, 实际 %d", d.Remaining)
	}
}

func TestConsumeClockSkewDoesNotRefill(t *testing.T) {
	l, _, clock := newTestLimiter(t)
	rule := Rule{Capacity: 2, RefillWindow: time.Minute, BlockDuration: time.Minute}
	ctx := context.Background()

	l.Consume(ctx, "k|public", rule)
	clock.Advance(-10 * time.Second)
	d := l.Consume(ctx, "k|public", rule)
	if !d.Allowed || d.Remaining != 0 {
		t.Fatalf("时钟回拨不应补充令牌: %+v", d)
	}
}

func TestConsumeFailsOpenOnStoreError(t *testing.T) {
	l, store, _ := newTestLimiter(t)
	store.FailWith(errors.New("redis: connection refused"))

	d := l.Consume(context.Background(), "k|public", Rule{Capacity: 1, RefillWindow: time.Minute})
	if !d.Allowed || !d.FailOpen {
		t.Fatalf("存储故障时应放行: %+v", d)
	}
	if d.Remaining != 1 {
		t.Fatalf("fail-open 剩余应为 1, 实际 %d", d.Remaining)
	}
}

func TestConsumeConcurrentCallersShareBucket(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	rule := Rule{Capacity: 20, RefillWindow: time.Hour, BlockDuration: time.Hour}

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Consume(context.Background(), "k|public", rule).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 20 {
		t.Fatalf("并发放行数应等于容量 20, 实际 %d", got)
	}
}

func TestKeysAreIsolated(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	rule := Rule{Capacity: 1, RefillWindow: time.Minute, BlockDuration: time.Minute}
	ctx := context.Background()

	l.Consume(ctx, Key("a", "public"), rule)
	if d := l.Consume(ctx, Key("b", "public"), rule); !d.Allowed {
		t.Fatal("不同客户端不应共享令牌桶")
	}
}

func TestUpdateFactorsShrinksCapacity(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	rule := Rule{Capacity: 100, RefillWindow: time.Minute, BlockDuration: time.Minute}

	f := l.UpdateFactors(FactorInputs{CPUPercent: 85, ErrorRate: 0.06, AvgResponseTime: 200 * time.Millisecond})
	if f.SystemLoad != 0.5 || f.ErrorRate != 0.75 || f.ResponseTime != 1 {
		t.Fatalf("因子计算错误: %+v", f)
	}

	d := l.Consume(context.Background(), "k|public", rule)
	if d.Limit != 37 {
		t.Fatalf("有效容量应为 floor(100*0.375)=37, 实际 %d", d.Limit)
	}
}

func TestFactorsApplyFloorsAtOne(t *testing.T) {
	f := Factors{SystemLoad: 0.5, ErrorRate: 0.5, ResponseTime: 0.5}
	if got := f.Apply(1); got != 1 {
		t.Fatalf("有效容量不应小于 1, 实际 %d", got)
	}
	if got := NeutralFactors().Apply(60); got != 60 {
		t.Fatalf("中性因子不应改变容量, 实际 %d", got)
	}
}

func TestComputeFactorsThresholds(t *testing.T) {
	cases := []struct {
		name string
		in   FactorInputs
		want Factors
	}{
		{"idle", FactorInputs{CPUPercent: 10}, NeutralFactors()},
		{"busy cpu", FactorInputs{CPUPercent: 70}, Factors{SystemLoad: 0.75, ErrorRate: 1, ResponseTime: 1}},
		{"failing", FactorInputs{ErrorRate: 0.2}, Factors{SystemLoad: 1, ErrorRate: 0.5, ResponseTime: 1}},
		{"slow", FactorInputs{AvgResponseTime: 1500 * time.Millisecond}, Factors{SystemLoad: 1, ErrorRate: 1, ResponseTime: 0.5}},
		{"boundary", FactorInputs{CPUPercent: 80, ErrorRate: 0.05, AvgResponseTime: 500 * time.Millisecond}, Factors{SystemLoad: 0.75, ErrorRate: 1, ResponseTime: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ComputeFactors(tc.in); got != tc.want {
				t.Fatalf("got %+v want %+v", got, tc.want)
			}
		})
	}
}

func TestDecisionRetryAfterRoundsUp(t *testing.T) {
	now := time.Unix(100, 0)
	d := Decision{ResetAt: now.Add(1500 * time.Millisecond)}
	if got := d.RetryAfter(now); got != 2 {
		t.Fatalf("期望 2, 实际 %d", got)
	}
	if got := d.RetryAfter(now.Add(time.Minute)); got != 0 {
		t.Fatalf("过期后应为 0, 实际 %d", got)
	}
}
