// Package async provides safe concurrent execution primitives for background tasks.
//
// # Overview
//
// This package handles goroutine lifecycle management with panic recovery, timeout
// enforcement, context cancellation, and error collection.
//
// # Key Functions
//
// SafeGo: Execute a function in a goroutine with panic recovery and a timeout.
// Failures are logged, never returned.
//
//	async.SafeGo(ctx, logger, 5*time.Second, "cache warm-up", func(ctx context.Context) error {
//		return resolver.WarmUserCache(ctx, userID, orgID)
//	})
//
// WorkerPool: Managed pool of concurrent workers over a bounded queue
//
//	pool := async.NewWorkerPool(ctx, logger, 4, "rbac events", 5*time.Second, 1024)
//	defer pool.Shutdown(5 * time.Second)
//
//	pool.Submit(ctx, func(ctx context.Context) error {
//		return handler(ctx, event)
//	})
//	pool.Wait(time.Second) // block until queued tasks finish
//
// # Related Packages
//
//   - pkg/rbac: SafeGo warms permission caches after an assignment; the
//     event bus dispatches on a WorkerPool
package async
