package states

import "slices"

// Kind is the pipeline a tracking record belongs to.
type Kind string

const (
	KindExport Kind = "export"
	KindImport Kind = "import"
)

// ParseKind returns the Kind named by s.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindExport:
		return KindExport, true
	case KindImport:
		return KindImport, true
	default:
		return "", false
	}
}

// Tracking record states.
const (
	PreQueueing            = "pre-queueing"
	New                    = "new"
	OK                     = "ok"
	FetchRunning           = "fetch-running"
	FetchOK                = "fetch-ok"
	NelsTransferRunning    = "nels-transfer-running"
	NelsTransferOK         = "nels-transfer-ok"
	Finished               = "finished"
	PreFetch               = "pre-fetch"
	HistoryImportTriggered = "history-import-triggered"

	DiskSpaceError    = "disk-space-error"
	BioblendError     = "bioblend-error"
	FetchError        = "fetch-error"
	NelsTransferError = "nels-transfer-error"
)

var exportPipeline = []string{PreQueueing, New, OK, FetchRunning, FetchOK, NelsTransferRunning, NelsTransferOK, Finished}

var importPipeline = []string{PreFetch, NelsTransferRunning, NelsTransferOK, HistoryImportTriggered, Finished}

var exportErrors = []string{DiskSpaceError, BioblendError, FetchError, NelsTransferError}

var importErrors = []string{NelsTransferError}

// Initial returns the state a freshly registered record starts in.
func Initial(kind Kind) string {
	if kind == KindImport {
		return PreFetch
	}
	return PreQueueing
}

func pipeline(kind Kind) ([]string, []string) {
	if kind == KindImport {
		return importPipeline, importErrors
	}
	return exportPipeline, exportErrors
}

// Valid reports whether state belongs to kind's state set.
func Valid(kind Kind, state string) bool {
	steps, sinks := pipeline(kind)
	return slices.Contains(steps, state) || slices.Contains(sinks, state)
}

// IsError reports whether state is an error sink.
func IsError(state string) bool {
	return slices.Contains(exportErrors, state)
}

// Terminal reports whether no automatic transition leaves state.
func Terminal(state string) bool {
	return state == Finished || IsError(state)
}

// CanTransition reports whether from -> to is an edge of kind's graph.
func CanTransition(kind Kind, from, to string) bool {
	if !Valid(kind, from) || !Valid(kind, to) || Terminal(from) {
		return false
	}
	steps, sinks := pipeline(kind)
	if slices.Contains(sinks, to) {
		return true
	}
	i := slices.Index(steps, from)
	return slices.Index(steps, to) == i+1
}

// InFlight lists the non-terminal states of kind.
func InFlight(kind Kind) []string {
	steps, _ := pipeline(kind)
	return slices.Clone(steps[:len(steps)-1])
}

// ErrorSink is the error state a tracker failing in state moves to.
func ErrorSink(kind Kind, state string) string {
	if kind == KindImport {
		return NelsTransferError
	}
	switch state {
	case PreQueueing, New, OK:
		return BioblendError
	case FetchRunning:
		return FetchError
	}
	return NelsTransferError
}

// Running lists the states that are only held while a worker step executes.
func Running(kind Kind) []string {
	if kind == KindImport {
		return []string{NelsTransferRunning, HistoryImportTriggered}
	}
	return []string{New, FetchRunning, NelsTransferRunning, NelsTransferOK}
}
