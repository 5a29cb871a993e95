package utils

import (
	"testing"

	"go.viam.com/test"
)

func TestGroupWorkParallelCoversRange(t *testing.T) {
	const n = 1001
	visited := make([]int, n)
	var sums []int

	GroupWorkParallel(7, n,
		func(numGroups int) {
			test.That(t, numGroups, test.ShouldEqual, 7)
			sums = make([]int, numGroups)
		},
		func(groupNum, workNum int) {
			visited[workNum]++
			sums[groupNum] += workNum
		},
		nil,
	)

	total := 0
	for i, v := range visited {
		test.That(t, v, test.ShouldEqual, 1)
		total += i
	}
	got := 0
	for _, s := range sums {
		got += s
	}
	test.That(t, got, test.ShouldEqual, total)
}

func TestGroupWorkParallelMoreGroupsThanWork(t *testing.T) {
	visited := make([]int, 3)
	GroupWorkParallel(8, len(visited),
		func(numGroups int) {
			test.That(t, numGroups, test.ShouldEqual, 3)
		},
		func(groupNum, workNum int) {
			visited[workNum]++
		},
		nil,
	)
	for _, v := range visited {
		test.That(t, v, test.ShouldEqual, 1)
	}
}

func TestGroupWorkParallelEmpty(t *testing.T) {
	memberCalls := 0
	afterCalls := 0
	GroupWorkParallel(4, 0,
		func(numGroups int) {
			test.That(t, numGroups, test.ShouldEqual, 1)
		},
		func(groupNum, workNum int) {
			memberCalls++
		},
		func(groupNum int) {
			afterCalls++
		},
	)
	test.That(t, memberCalls, test.ShouldEqual, 0)
	test.That(t, afterCalls, test.ShouldEqual, 1)
}

func TestGroupWorkParallelDefaultGroupCount(t *testing.T) {
	var groups int
	visited := make([]int, 64)
	GroupWorkParallel(0, len(visited),
		func(numGroups int) { groups = numGroups },
		func(groupNum, workNum int) { visited[workNum]++ },
		nil,
	)
	test.That(t, groups, test.ShouldBeGreaterThanOrEqualTo, 1)
	for _, v := range visited {
		test.That(t, v, test.ShouldEqual, 1)
	}
}
