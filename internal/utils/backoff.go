package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RetryPolicy 指数退避重试策略
// 第 n 次等待 BaseDelay * Multiplier^n，封顶 MaxDelay，最多尝试 MaxAttempts 次
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultRetryPolicy 默认策略：0.1s 起步，每次翻倍，最长 30s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
	}
}

// NewBackOff 根据策略构造 backoff.BackOff
func (p RetryPolicy) NewBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.Multiplier = p.Multiplier
	eb.MaxInterval = p.MaxDelay
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0 // 只按次数限制
	eb.Reset()

	var b backoff.BackOff = eb
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// Do 按策略重试 fn，直到成功、次数耗尽或 ctx 取消
// fn 返回 backoff.Permanent(err) 时立即放弃
func (p RetryPolicy) Do(ctx context.Context, log *zap.Logger, op string, fn func() error) error {
	attempt := 0
	wrapped := func() error {
		attempt++
		return fn()
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("调用失败，稍后重试",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	return backoff.RetryNotify(wrapped, p.NewBackOff(ctx), notify)
}
