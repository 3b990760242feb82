package camxfer

import (
	"fmt"
	"strings"

	"github.com/superfly/camxfer/ptpip"
)

// Action is the primary operation of a run.
type Action string

const (
	// ActionGetFiles downloads full-size files
	ActionGetFiles Action = "getfiles"

	// ActionGetSmallThumbs downloads the embedded small thumbnail of each file
	ActionGetSmallThumbs Action = "getsmallthumbs"

	// ActionGetLargeThumbs downloads the vendor large thumbnail of each file
	ActionGetLargeThumbs Action = "getlargethumbs"

	// ActionListFiles prints the objects that pass the filter without downloading
	ActionListFiles Action = "listfiles"
)

// ParseAction parses an action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(s)); a {
	case ActionGetFiles, ActionGetSmallThumbs, ActionGetLargeThumbs, ActionListFiles:
		return a, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// TransferOp returns the operation that retrieves the data for this action.
// Full-size files are always fetched with GetPartialObject in chunks; the
// returned OpGetObject marks that path.
func (a Action) TransferOp() ptpip.OpCode {
	switch a {
	case ActionGetSmallThumbs:
		return ptpip.OpGetThumb
	case ActionGetLargeThumbs:
		return ptpip.OpGetLargeThumb
	}
	return ptpip.OpGetObject
}

// LocalSuffix is appended to the device filename of downloaded thumbnails.
func (a Action) LocalSuffix() string {
	switch a {
	case ActionGetSmallThumbs:
		return ".sthumb.jpg"
	case ActionGetLargeThumbs:
		return ".lthumb.jpg"
	}
	return ""
}

// Order is the direction objects are visited in.
type Order int

const (
	OrderOldestFirst Order = iota
	OrderNewestFirst
)

// ParseOrder parses "oldestfirst" or "newestfirst".
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(s) {
	case "oldestfirst":
		return OrderOldestFirst, nil
	case "newestfirst":
		return OrderNewestFirst, nil
	}
	return 0, fmt.Errorf("unknown transfer order %q", s)
}

func (o Order) String() string {
	if o == OrderNewestFirst {
		return "newestfirst"
	}
	return "oldestfirst"
}

// RealtimeMode controls whether new captures are picked up after (or
// instead of) the normal download pass.
type RealtimeMode string

const (
	RealtimeDisabled    RealtimeMode = "disabled"
	RealtimeAfterNormal RealtimeMode = "afternormal"
	RealtimeOnly        RealtimeMode = "only"
)

// ParseRealtimeMode parses a real-time mode name.
func ParseRealtimeMode(s string) (RealtimeMode, error) {
	switch m := RealtimeMode(strings.ToLower(s)); m {
	case RealtimeDisabled, RealtimeAfterNormal, RealtimeOnly:
		return m, nil
	}
	return "", fmt.Errorf("unknown realtime mode %q", s)
}

// RealtimeMethod selects how new objects are detected in real-time mode.
type RealtimeMethod string

const (
	// RealtimeAuto picks the method from the camera make
	RealtimeAuto RealtimeMethod = ""

	// RealtimeNikonEvents polls the vendor event queue for object-added events
	RealtimeNikonEvents RealtimeMethod = "nikonevents"

	// RealtimePolling re-fetches the object handle list and downloads the difference
	RealtimePolling RealtimeMethod = "polling"

	// RealtimeVendorExit ends the session and waits for the user to re-arm
	// transfer mode on the camera
	RealtimeVendorExit RealtimeMethod = "sonyexit"
)

// ParseRealtimeMethod parses a real-time method name. An empty string or
// "auto" selects RealtimeAuto.
func ParseRealtimeMethod(s string) (RealtimeMethod, error) {
	switch m := RealtimeMethod(strings.ToLower(s)); m {
	case "auto", RealtimeAuto:
		return RealtimeAuto, nil
	case RealtimeNikonEvents, RealtimePolling, RealtimeVendorExit:
		return m, nil
	}
	return "", fmt.Errorf("unknown realtime method %q", s)
}

// Make is the camera manufacturer, used for vendor-specific behavior.
type Make int

const (
	MakeUnknown Make = iota
	MakeNikon
	MakeCanon
	MakeSony
)

func (m Make) String() string {
	switch m {
	case MakeNikon:
		return "Nikon"
	case MakeCanon:
		return "Canon"
	case MakeSony:
		return "Sony"
	}
	return "Unknown"
}

// DetectMake derives the make from the device manufacturer string.
func DetectMake(manufacturer string) Make {
	upper := strings.ToUpper(manufacturer)
	switch {
	case strings.Contains(upper, "NIKON"):
		return MakeNikon
	case strings.Contains(upper, "CANON"):
		return MakeCanon
	case strings.Contains(upper, "SONY"):
		return MakeSony
	}
	return MakeUnknown
}

// DefaultRealtimeMethod returns the detection method used for a make when
// none is configured.
func DefaultRealtimeMethod(m Make) RealtimeMethod {
	switch m {
	case MakeNikon:
		return RealtimeNikonEvents
	case MakeSony:
		return RealtimeVendorExit
	}
	return RealtimePolling
}
