package steamcmd

// State is the lifecycle of the local SteamCMD installation.
type State int

const (
	StateUnknown State = iota
	StateNotInstalled
	StateInstalling
	StateReady
)

func (s State) String() string {
	switch s {
	case StateNotInstalled:
		return "not_installed"
	case StateInstalling:
		return "installing"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}
