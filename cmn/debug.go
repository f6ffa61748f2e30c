// Package cmn also carries a small set of assertion helpers, gating
// invariant checks behind an explicit call rather than scattering
// panics through the business logic.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import "github.com/golang/glog"

// Assert panics if cond is false. Used only for invariants that, if
// violated, indicate a bug in this process rather than bad input (bad
// input must always produce a *TaskError, never reach Assert).
func Assert(cond bool, a ...interface{}) {
	if !cond {
		glog.Flush()
		if len(a) > 0 {
			panic(a[0])
		}
		panic("assertion failed")
	}
}

// AssertNoErr panics on a non-nil error coming from a code path that must
// never fail (e.g. marshaling a value this process itself constructed).
func AssertNoErr(err error) {
	if err != nil {
		glog.Flush()
		panic(err)
	}
}
