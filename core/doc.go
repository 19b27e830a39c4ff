// Package core implements the domain model of the stenv actor runtime.
//
// It provides messages, execution demands, agents, cooperations (groups of
// agents with a joint lifecycle) and the cooperation repository, together
// with the interfaces of the collaborators the environment infrastructure
// drives from its single worker goroutine: dispatcher, timer manager,
// elapsed-timers collector and activity tracker.
package core
