// Package testing switches binaries into test mode when imported by a test
// package, so runtime side effects such as opening connections are skipped.
package testing

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("PHARMADIST_TEST_MODE") == "" {
			_ = os.Setenv("PHARMADIST_TEST_MODE", "1")
		}
	})
}
