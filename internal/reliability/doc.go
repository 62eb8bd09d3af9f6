// Package reliability holds the circuit breaker that lets a sink stop
// hammering a broker that keeps refusing publishes.
//
// A Breaker counts consecutive failures. Once the threshold is reached it
// opens and rejects calls with ErrCircuitOpen until the cooldown passes,
// then lets one trial call at a time through (half-open). Enough
// successful trials close it again; a failed trial reopens it.
//
//	b := reliability.NewBreaker(
//	    reliability.WithFailureThreshold(5),
//	    reliability.WithCooldown(30*time.Second),
//	)
//	err := b.Execute(ctx, func() error {
//	    return client.Publish(ctx, msg)
//	})
package reliability
