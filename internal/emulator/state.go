package emulator

// NavState 导航状态
type NavState int

const (
	StateInit NavState = iota
	StateNavigating
	StateWaitDocumentReady
	StateScrolling
	StateComputingFeatures
	StateStopping
	StateDone
	StateCanceled
	StateRetry
)

var stateNames = map[NavState]string{
	StateInit:              "INIT",
	StateNavigating:        "NAVIGATING",
	StateWaitDocumentReady: "WAIT_DOCUMENT_READY",
	StateScrolling:         "SCROLLING",
	StateComputingFeatures: "COMPUTING_FEATURES",
	StateStopping:          "STOPPING",
	StateDone:              "DONE",
	StateCanceled:          "CANCELED",
	StateRetry:             "RETRY",
}

func (s NavState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// flowState 阶段执行后是否继续后续阶段
type flowState int

const (
	flowContinue flowState = iota
	flowBreak
)
