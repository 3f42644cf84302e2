// Package browser owns the headless browser processes that render jobs.
//
// A Manager keeps between MinInstances and MaxInstances browser processes
// alive. Each process hosts up to MaxContextsPerInstance isolated browsing
// contexts. Callers reserve a slot with AcquireInstance, open a Context on
// the returned Instance and hand the slot back with ReleaseSlot. The pool
// package builds leasing on top of this.
//
// Failure handling is asynchronous. ReportFailure returns immediately: the
// instance's Lost channel closes so bound jobs can abort, and termination
// plus replacement run in the background. Instances are also retired once
// they exceed MaxJobsPerInstance or MaxInstanceAge, after their last
// context has been released.
//
// The Playwright implementation lives in playwright.go. Tests use the fakes
// in the browsertest package.
package browser
