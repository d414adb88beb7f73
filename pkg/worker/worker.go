// 文件: pkg/worker/worker.go
// 定时任务调度
//
// 所有任务单飞: 上一轮还没跑完时新 tick 直接跳过并告警。
// 崩溃恢复靠任务本身幂等 (账本幂等键 + 行锁复检)，调度器不做补偿。

package worker

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Job 一轮任务，返回本轮处理的条数
type Job func(ctx context.Context) (int, error)

// Runner 单飞定时任务
type Runner struct {
	name     string
	interval time.Duration
	job      Job
	running  atomic.Bool
}

// NewRunner 创建任务
func NewRunner(name string, interval time.Duration, job Job) *Runner {
	return &Runner{name: name, interval: interval, job: job}
}

// Start 启动循环，ctx 取消后退出
func (r *Runner) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		log.Printf("[Worker] %s started (every %s)", r.name, r.interval)
		for {
			select {
			case <-ctx.Done():
				log.Printf("[Worker] %s stopped", r.name)
				return
			case <-ticker.C:
				r.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce 跑一轮 (单飞守卫)
func (r *Runner) RunOnce(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		log.Printf("[Worker] WARN: %s still running, tick skipped", r.name)
		return
	}
	defer r.running.Store(false)

	start := time.Now()
	n, err := r.job(ctx)
	if err != nil {
		log.Printf("[Worker] %s: %v", r.name, err)
		return
	}
	if n > 0 {
		log.Printf("[Worker] %s processed %d in %s", r.name, n, time.Since(start).Round(time.Millisecond))
	}
}

// =============================================================================
// Pool - 任务集合
// =============================================================================

// Pool 一组任务的生命周期管理
type Pool struct {
	runners []*Runner
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool 创建任务池
func NewPool() *Pool {
	return &Pool{}
}

// Add 注册任务
func (p *Pool) Add(name string, interval time.Duration, job Job) {
	p.runners = append(p.runners, NewRunner(name, interval, job))
}

// Start 启动全部任务
func (p *Pool) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	for _, r := range p.runners {
		r.Start(ctx, &p.wg)
	}
}

// Stop 停止并等待在跑的轮次结束
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}
