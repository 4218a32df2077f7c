package sync

import (
	"fmt"
	"strings"
	"time"
)

// UIDRange is an inclusive range of message UIDs.
type UIDRange struct {
	Lo uint32
	Hi uint32
}

func (r UIDRange) String() string {
	if r.Lo == r.Hi {
		return fmt.Sprintf("%d", r.Lo)
	}
	return fmt.Sprintf("%d-%d", r.Lo, r.Hi)
}

// FolderReport summarizes one folder of a run.
type FolderReport struct {
	Folder        string
	Total         int // messages that needed fetching
	Fetched       int // messages durably persisted this run
	FlagUpdates   int
	Missing       int // UIDs that vanished remotely
	MappingErrors int
	SkippedRanges []UIDRange // pending retry on a future run
	CursorUID     uint32
	CursorReset   bool
}

// Report is the outcome of one orchestrator run. Everything that degraded
// gracefully during the run is accounted for here so nothing is silently
// discarded.
type Report struct {
	AccountID int64
	Started   time.Time
	Finished  time.Time
	Folders   []FolderReport
}

// Fetched returns the total number of messages persisted across folders.
func (r *Report) Fetched() int {
	n := 0
	for _, f := range r.Folders {
		n += f.Fetched
	}
	return n
}

// Partial reports whether any window was skipped and is pending retry.
func (r *Report) Partial() bool {
	for _, f := range r.Folders {
		if len(f.SkippedRanges) > 0 {
			return true
		}
	}
	return false
}

// Summary renders the human-readable result line handed to the dispatcher's
// completion hook and attached to the completion event.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "synced %d message(s) across %d folder(s)", r.Fetched(), len(r.Folders))

	var skipped []string
	for _, f := range r.Folders {
		for _, rng := range f.SkippedRanges {
			skipped = append(skipped, fmt.Sprintf("%s[%s]", f.Folder, rng))
		}
	}
	if len(skipped) > 0 {
		fmt.Fprintf(&b, "; skipped pending retry: %s", strings.Join(skipped, ", "))
	}

	mappingErrs := 0
	for _, f := range r.Folders {
		mappingErrs += f.MappingErrors
	}
	if mappingErrs > 0 {
		fmt.Fprintf(&b, "; %d message(s) failed mapping", mappingErrs)
	}
	return b.String()
}
