// Package maintenance runs the queue's housekeeping on cron schedules:
// purging old completed jobs, handing stale claims back to the queue and
// trimming the dead-letter queue.
//
// Schedules accept standard five-field cron expressions and descriptors
// such as "@hourly" or "@every 10m".
//
//	s, err := maintenance.New(q,
//	    maintenance.WithRetention(7*24*time.Hour),
//	    maintenance.WithStaleThreshold(10*time.Minute),
//	)
//	if err != nil { ... }
//	s.Start(ctx)
//	defer s.Stop(ctx)
package maintenance
