//go:build property
// +build property

package audit

import (
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestChainValidUnderConcurrentAppends checks that the chain verifies
// after any interleaving of concurrent appends.
func TestChainValidUnderConcurrentAppends(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("hash chain is valid after concurrent appends", prop.ForAll(
		func(writers uint8, perWriter uint8) bool {
			w := int(writers%8) + 1
			n := int(perWriter%16) + 1

			l, err := NewLog()
			if err != nil {
				return false
			}

			var wg sync.WaitGroup
			wg.Add(w)
			for i := 0; i < w; i++ {
				go func(i int) {
					defer wg.Done()
					for j := 0; j < n; j++ {
						_, _ = l.Append("s1", "system", ActionStateTransition, "", map[string]int{"w": i, "j": j})
					}
				}(i)
			}
			wg.Wait()

			if l.Size() != w*n {
				return false
			}
			return l.Verify(1, 0) == nil
		},
		gen.UInt8(),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}

// TestAppendIsTamperEvident checks that flipping any committed field of
// any entry breaks verification.
func TestAppendIsTamperEvident(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("any tampered entry is detected", prop.ForAll(
		func(count uint8, victim uint8) bool {
			n := int(count%20) + 1
			l, err := NewLog()
			if err != nil {
				return false
			}
			for i := 0; i < n; i++ {
				if _, err := l.Append("s1", "system", ActionStateTransition, "", map[string]int{"i": i}); err != nil {
					return false
				}
			}
			idx := int(victim) % n
			l.entries[idx].Action = "tampered"
			return l.Verify(1, 0) != nil
		},
		gen.UInt8(),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
