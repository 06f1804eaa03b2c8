package upstream

// MaxAttempts is the retry budget of one execution: the initial try plus two
// retries.
const MaxAttempts = 3

// State is a phase of the retry state machine.
type State int

const (
	StateIdle State = iota
	StateAttempting
	StateSucceeded
	StateExhausted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttempting:
		return "attempting"
	case StateSucceeded:
		return "succeeded"
	case StateExhausted:
		return "exhausted"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Machine tracks one execution's attempts:
//
//	Idle -> Attempting(1) -> ... -> Attempting(max) -> Exhausted
//	Attempting(n) -> Succeeded
//	Attempting(n) -> Aborted (caller cancelled between attempts)
//
// It holds no network code so the bound and the exits can be tested alone.
type Machine struct {
	max     int
	attempt int
	state   State
	lastErr error
}

// NewMachine returns a machine allowing max attempts. max below 1 is raised to 1.
func NewMachine(max int) *Machine {
	if max < 1 {
		max = 1
	}
	return &Machine{max: max}
}

// Next moves to the next attempt and reports whether one may be made.
// It returns false once the machine is terminal.
func (m *Machine) Next() bool {
	switch m.state {
	case StateIdle, StateAttempting:
		if m.attempt >= m.max {
			m.state = StateExhausted
			return false
		}
		m.attempt++
		m.state = StateAttempting
		return true
	default:
		return false
	}
}

// Succeed records that the current attempt succeeded.
func (m *Machine) Succeed() {
	if m.state == StateAttempting {
		m.state = StateSucceeded
	}
}

// Fail records that the current attempt failed. After the last allowed
// attempt the machine becomes Exhausted.
func (m *Machine) Fail(err error) {
	if m.state != StateAttempting {
		return
	}
	m.lastErr = err
	if m.attempt >= m.max {
		m.state = StateExhausted
	}
}

// Abort stops the machine before the budget is spent. It withdraws the
// attempt granted by the preceding Next, which was never made, so Attempt
// keeps counting only real calls.
func (m *Machine) Abort(err error) {
	if m.state == StateIdle || m.state == StateAttempting {
		if m.state == StateAttempting {
			m.attempt--
		}
		m.lastErr = err
		m.state = StateAborted
	}
}

// Attempt is the 1-based number of the current or last attempt; 0 when idle.
func (m *Machine) Attempt() int { return m.attempt }

// State returns the current phase.
func (m *Machine) State() State { return m.state }

// LastErr returns the error recorded by the last Fail or Abort.
func (m *Machine) LastErr() error { return m.lastErr }

