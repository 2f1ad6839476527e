package supervisor

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateClosed
)

var stateNames = []string{"disconnected", "connecting", "connected", "degraded", "closed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// StateNames lists every state name, for labelling gauges.
func StateNames() []string {
	return append([]string(nil), stateNames...)
}
