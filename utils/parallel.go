package utils

import (
	"runtime"
	"sync"

	goutils "go.viam.com/utils"
)

type (
	// BeforeGroupWorkFunc runs once before any group starts, with the final
	// group count. Useful for sizing per-group accumulators.
	BeforeGroupWorkFunc func(numGroups int)
	// MemberWorkFunc runs once per work item owned by a group.
	MemberWorkFunc func(groupNum, workNum int)
	// AfterGroupWorkFunc runs after a group finishes its range, still inside
	// that group's goroutine. Useful for merge stages.
	AfterGroupWorkFunc func(groupNum int)
)

// GroupWorkParallel partitions totalSize work items into numGroups
// contiguous ranges and works the ranges concurrently, blocking until all of
// them finish. A numGroups below 1 falls back to GOMAXPROCS, and the group
// count never exceeds totalSize (one group still runs when totalSize is
// zero, so before/after hooks always fire). before and after may be nil.
func GroupWorkParallel(numGroups, totalSize int, before BeforeGroupWorkFunc, member MemberWorkFunc, after AfterGroupWorkFunc) {
	if numGroups < 1 {
		numGroups = runtime.GOMAXPROCS(0)
	}
	if numGroups > totalSize {
		numGroups = totalSize
	}
	if numGroups < 1 {
		numGroups = 1
	}
	if before != nil {
		before(numGroups)
	}

	groupSize := totalSize / numGroups
	extra := totalSize % numGroups

	var wait sync.WaitGroup
	wait.Add(numGroups)
	from := 0
	for groupNum := 0; groupNum < numGroups; groupNum++ {
		to := from + groupSize
		if groupNum < extra {
			to++
		}
		gNum, gFrom, gTo := groupNum, from, to
		goutils.PanicCapturingGo(func() {
			defer wait.Done()
			for workNum := gFrom; workNum < gTo; workNum++ {
				member(gNum, workNum)
			}
			if after != nil {
				after(gNum)
			}
		})
		from = to
	}
	wait.Wait()
}
