package queue

import (
	"testing"
	"time"
)

func TestRetryDelayMonotonic(t *testing.T) {
	base := 30 * time.Second
	max := 30 * time.Minute

	prev := time.Duration(0)
	for n := 0; n < 20; n++ {
		d := RetryDelay(n, base, max)
		if d < prev {
			t.Fatalf("RetryDelay(%d)=%v < RetryDelay(%d)=%v", n, d, n-1, prev)
		}
		if d > max {
			t.Fatalf("RetryDelay(%d)=%v exceeds max %v", n, d, max)
		}
		prev = d
	}

	if RetryDelay(0, base, max) != base {
		t.Errorf("RetryDelay(0) should equal base")
	}
	if RetryDelay(1, base, max) != 2*base {
		t.Errorf("RetryDelay(1) should double the base")
	}
	if RetryDelay(100, base, max) != max {
		t.Errorf("Large retry counts should clamp to max")
	}
}

func TestJitteredDelayBounds(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	for n := 0; n < 10; n++ {
		for i := 0; i < 50; i++ {
			d := JitteredDelay(n, base, max)
			if d > max {
				t.Fatalf("JitteredDelay(%d)=%v exceeds max %v", n, d, max)
			}
			if d < RetryDelay(n, base, max) {
				t.Fatalf("Jitter should never reduce the delay: %v < %v", d, RetryDelay(n, base, max))
			}
		}
	}
}
