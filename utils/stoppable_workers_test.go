package utils

import (
	"context"
	"testing"

	"go.viam.com/test"
)

func TestStoppableWorkersStop(t *testing.T) {
	exited := make([]bool, 2)
	sw := NewStoppableWorkers(
		func(ctx context.Context) {
			<-ctx.Done()
			exited[0] = true
		},
		func(ctx context.Context) {
			<-ctx.Done()
			exited[1] = true
		},
	)
	test.That(t, sw.Context().Err(), test.ShouldBeNil)

	sw.Stop()
	test.That(t, exited[0], test.ShouldBeTrue)
	test.That(t, exited[1], test.ShouldBeTrue)
	test.That(t, sw.Context().Err(), test.ShouldNotBeNil)

	// A second Stop must not panic or hang.
	sw.Stop()
}

func TestStoppableWorkersNoWorkers(t *testing.T) {
	sw := NewStoppableWorkers()
	sw.Stop()
	test.That(t, sw.Context().Err(), test.ShouldNotBeNil)
}
