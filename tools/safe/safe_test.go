package safe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMustNotNil(t *testing.T) {
	var p *int
	var m map[string]int
	assert.PanicsWithValue(t, "reg must not be nil", func() { MustNotNil(nil, "reg") })
	assert.Panics(t, func() { MustNotNil(p, "p") })
	assert.Panics(t, func() { MustNotNil(m, "m") })
	assert.NotPanics(t, func() { MustNotNil(3, "n") })
	assert.NotPanics(t, func() { MustNotNil(&struct{}{}, "s") })
}

func TestRun_Recovers(t *testing.T) {
	ran := false
	assert.NotPanics(t, func() {
		Run("boom", func() {
			ran = true
			panic("kaboom")
		})
	})
	assert.True(t, ran)

	done := make(chan struct{})
	SafeGo("bg", func() {
		defer close(done)
		panic("bg")
	})
	<-done
}
