package logging

import (
	"testing"

	"go.uber.org/goleak"
)

// subscribers and the hub must not leave goroutines behind
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
