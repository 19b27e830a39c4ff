package envinfra

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyLaunched     = errors.New("environment already launched")
	ErrInvalidIdleSleepCap = errors.New("idle sleep cap must be positive")
	ErrNoDefaultDispatcher = errors.New("default dispatcher is not running")
	ErrDuplicateDataSource = errors.New("data source already registered")
	ErrInvalidStatsPeriod  = errors.New("stats distribution period must be positive")
)

// MainLoopPanic wraps a panic that escaped the main loop. The main loop
// is not expected to fail, so this always indicates a defect.
type MainLoopPanic struct {
	Value any
}

func (p *MainLoopPanic) Error() string {
	return fmt.Sprintf("main loop panicked: %v", p.Value)
}

// Unwrap returns the panic value if it is an error.
func (p *MainLoopPanic) Unwrap() error {
	err, _ := p.Value.(error)
	return err
}
