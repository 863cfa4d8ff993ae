package comm

import "github.com/ghex-go/ghex/transport"

// AwaitFutures repeatedly scans futures for any that are currently
// ready, removing each one (by swap-with-tail, so it never pays a
// slice-compaction cost) and invoking cont with it, until the slice is
// empty. Unlike waiting on each future in a fixed order, this visits
// completions in whatever order they actually become ready.
func AwaitFutures(futures []transport.Future, cont func(transport.Future)) {
	for len(futures) > 0 {
		i := 0
		for i < len(futures) {
			if !futures[i].Ready() {
				i++
				continue
			}
			f := futures[i]
			last := len(futures) - 1
			futures[i] = futures[last]
			futures = futures[:last]
			cont(f)
		}
	}
}
