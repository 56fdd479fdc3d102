package agent

import "time"

// breakerState 熔断器状态
type breakerState int

const (
	// breakerClosed 正常状态，允许调度
	breakerClosed breakerState = iota
	// breakerOpen 熔断状态，agent 已被标记为 OFFLINE，等待健康检查恢复
	breakerOpen
)

func (s breakerState) String() string {
	if s == breakerOpen {
		return "open"
	}
	return "closed"
}

// dispatchBreaker 统计连续的传输层失败，达到阈值后熔断。
// 没有独立的锁：由所属 agentRecord 的锁保护。
// 没有半开状态：恢复只由健康检查成功触发 reset。
type dispatchBreaker struct {
	threshold int
	state     breakerState
	failures  int
	openedAt  time.Time
	trips     int64
}

func newDispatchBreaker(threshold int) dispatchBreaker {
	return dispatchBreaker{threshold: threshold}
}

// recordFailure 记录一次失败，刚刚熔断时返回 true
func (b *dispatchBreaker) recordFailure() bool {
	b.failures++
	if b.threshold <= 0 || b.state == breakerOpen || b.failures < b.threshold {
		return false
	}
	b.state = breakerOpen
	b.openedAt = time.Now()
	b.trips++
	return true
}

// recordSuccess 清零连续失败计数
func (b *dispatchBreaker) recordSuccess() {
	b.failures = 0
}

// reset 健康检查恢复后关闭熔断器
func (b *dispatchBreaker) reset() {
	b.state = breakerClosed
	b.failures = 0
	b.openedAt = time.Time{}
}
