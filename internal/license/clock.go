package license

import "time"

// Clock abstracts time for the manager so expiry behavior is deterministic
// under test.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
