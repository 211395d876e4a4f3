// Package async runs background work without leaking goroutines or crashing
// the process.
//
// Every task gets its own timeout, recovers from panics, and reports errors
// and panics to Logger (logrus, replaceable by the binaries).
//
// # Functions
//
// SafeGo starts a fire-and-forget task:
//
//	async.SafeGo(ctx, time.Minute, "startup analytics sweep", sweeper.Run)
//
// Group starts tasks the owner can later wait for. The collector sends every
// analytics emission through one, and tests call Wait to observe delivery:
//
//	var g async.Group
//	g.Go(ctx, 10*time.Second, "track page view", send)
//	g.Wait()
//
// Every repeats a task on a ticker until ctx is cancelled. A zero interval
// disables the loop, which is how optional jobs are switched off:
//
//	async.Every(ctx, cfg.SweepInterval, time.Minute, "analytics sweep", sweeper.Run)
//
// # Users
//
//   - pkg/collector: emissions, the on-start download flush and the periodic flush
//   - pkg/middleware: rate limiter bucket cleanup
//   - cmd/churchsite: the optional active-user sweep, once at startup and then periodically
package async
