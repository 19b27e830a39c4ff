package envinfra

import "sync"

// unlockDoAndLockAgain runs action with l released. l must be locked on
// entry and is locked again on every exit path; a panic in action is
// re-raised only after the lock is reacquired.
func unlockDoAndLockAgain(l sync.Locker, action func()) {
	l.Unlock()
	defer l.Lock()
	action()
}
