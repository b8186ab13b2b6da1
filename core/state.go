package core

// State is a position in the login protocol
type State int

const (
	StateInit State = iota
	StateAwaitingSign
	StateAwaitingCredentialsResult
	StateSuccess
	StateAwaitingTwoFactor
	StateAwaitingServiceToken
	StateComplete
	StateFailed
)

var stateNames = [...]string{
	StateInit:                      "init",
	StateAwaitingSign:              "awaiting_sign",
	StateAwaitingCredentialsResult: "awaiting_credentials_result",
	StateSuccess:                   "success",
	StateAwaitingTwoFactor:         "awaiting_two_factor",
	StateAwaitingServiceToken:      "awaiting_service_token",
	StateComplete:                  "complete",
	StateFailed:                    "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions can happen
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}
