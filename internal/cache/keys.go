package cache

import (
	"fmt"
	"time"
)

// RateLimitKey names the counter for one API key prefix in the fixed window
// containing at.
func RateLimitKey(keyPrefix string, at time.Time, window time.Duration) string {
	return fmt.Sprintf("taskrunner:ratelimit:%s:%d", keyPrefix, at.Truncate(window).Unix())
}
