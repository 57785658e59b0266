package scheduler

import (
	"errors"
	"fmt"
)

// ErrLogic marks scheduler-internal bugs: an entity found in a status a
// task's precondition forbids, or two agents about to overlap on one
// host. The offending action is abandoned and logged loudly; the
// dispatcher itself keeps running.
var ErrLogic = errors.New("scheduler logic error")

func logicErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrLogic, fmt.Sprintf(format, args...))
}

func isLogicError(err error) bool {
	return errors.Is(err, ErrLogic)
}
