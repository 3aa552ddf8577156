package queue

import (
	"context"
	"time"

	"github.com/vkultra/mitski/pkg/config"
)

// heartbeat keeps this pod's liveness score fresh in the shared pods
// zset. A pod whose score ages past OrphanThreshold is considered dead
// and its processing lists are requeued by whoever notices first.
func (r *Runtime) heartbeat(ctx context.Context) {
	defer r.wg.Done()
	beat := func() {
		if err := r.store.ZAdd(ctx, podsKey, float64(time.Now().Unix()), r.podID); err != nil {
			r.logger.Error("heartbeat failed", "error", err)
		}
	}
	beat()
	ticker := time.NewTicker(r.cfg.OrphanDetectionInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

// orphanDetector claims pods whose heartbeat expired and requeues every
// task still sitting in their processing lists. The zset pop is the
// claim: only one live pod wins each dead pod.
func (r *Runtime) orphanDetector(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.OrphanDetectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-r.cfg.OrphanThreshold).Unix()
			dead, err := r.store.ZPopDue(ctx, podsKey, float64(cutoff), 10)
			if err != nil {
				r.logger.Error("orphan scan failed", "error", err)
				continue
			}
			for _, pod := range dead {
				if pod == r.podID {
					continue
				}
				r.requeuePod(ctx, pod)
			}
		}
	}
}

func (r *Runtime) requeuePod(ctx context.Context, pod string) {
	total := 0
	for _, queue := range config.QueueNames {
		proc := procKey(queue, pod)
		tasks, err := r.store.LRange(ctx, proc, 0, -1)
		if err != nil {
			r.logger.Error("orphan list read failed", "pod", pod, "queue", queue, "error", err)
			continue
		}
		if len(tasks) == 0 {
			continue
		}
		if err := r.store.LPush(ctx, readyKey(queue), tasks...); err != nil {
			r.logger.Error("orphan requeue failed", "pod", pod, "queue", queue, "error", err)
			continue
		}
		if err := r.store.Del(ctx, proc); err != nil {
			r.logger.Error("orphan list cleanup failed", "pod", pod, "queue", queue, "error", err)
		}
		total += len(tasks)
	}
	if total > 0 {
		r.logger.Warn("requeued orphaned tasks", "pod", pod, "count", total)
	}
}
