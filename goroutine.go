package evloop

import (
	"runtime"
)

// getGoroutineID extracts the current goroutine's id from the runtime
// stack header. It backs the current-executor registry and the loop's
// reentrancy checks; it is not on any hot path.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
