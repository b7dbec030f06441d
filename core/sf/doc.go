// Package sf provides a generic single-flight mechanism for deduplicating
// concurrent function calls with the same key.
//
// If multiple goroutines call [Group.Do] with the same key concurrently,
// only the first call executes the function; the others block until it
// completes and receive the same result.
//
// The subscription engine uses it so that several subscriptions waiting for
// the same stream to appear share one existence probe:
//
//	probes := sf.New[bool]()
//	exists, err := probes.Do(stream.Name(), func() (bool, error) {
//	    return probe(ctx, stream)
//	})
package sf
