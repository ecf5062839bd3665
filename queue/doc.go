// Package queue is the job queue service: it validates and enqueues jobs,
// hands them to workers through the store's atomic claim, and records
// their outcome.
//
// A failed attempt is either rescheduled with exponential backoff or, once
// the attempt budget is spent, moved to failed together with exactly one
// dead-letter entry. Both branches are a single store operation, so two
// workers failing the same job cannot produce two entries.
//
//	q := queue.New(store,
//	    queue.WithBackoff(backoff.NewExponential(30*time.Second, time.Hour)),
//	    queue.WithAlerts(alert.NewLogger(logger)),
//	)
//	j, err := q.Enqueue(ctx, "tenant-a", job.KindFileChanged, payload,
//	    job.WithPriority(5))
//
// Tenant-scoped admin operations ([Queue.ListFailed], [Queue.RetryAllFailed],
// [Queue.ClearFailed]) and dead-letter replay back the admin API.
package queue
