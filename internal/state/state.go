// Package state implements the crawl job lifecycle state machine.
//
// Main flow: QUEUED → INITIALIZING → CRAWLING → EXTRACTING → PROCESSING →
// COMPLETED, with PAUSED reachable from any active phase and FAILED/CANCELLED
// as the other terminal states.
package state

// State represents the main lifecycle state of a crawl job.
type State string

// Main crawl states persisted in the job store.
const (
	StateQueued       State = "queued"
	StateInitializing State = "initializing"
	StateCrawling     State = "crawling"
	StateExtracting   State = "extracting"
	StateProcessing   State = "processing"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StatePaused       State = "paused"
	StateCancelled    State = "cancelled"
)

// Substate is a finer-grained phase within one of the three working states.
type Substate string

// Substates, grouped by their owning main state.
const (
	SubstateDiscoveringURLs      Substate = "discovering_urls"
	SubstateDownloadingPages     Substate = "downloading_pages"
	SubstateDownloadingDocuments Substate = "downloading_documents"

	SubstatePDFExtraction  Substate = "pdf_extraction"
	SubstateOCR            Substate = "ocr"
	SubstateTableDetection Substate = "table_detection"

	SubstateMetadataExtraction Substate = "metadata_extraction"
	SubstateQualityScoring     Substate = "quality_scoring"
	SubstateDeduplication      Substate = "deduplication"
	SubstateCuration           Substate = "curation"
)

// ValidTransitions is the allowed transition graph. Terminal states have no
// outgoing edges.
var ValidTransitions = map[State][]State{
	StateQueued:       {StateInitializing, StateCancelled},
	StateInitializing: {StateCrawling, StateFailed, StateCancelled},
	StateCrawling:     {StateExtracting, StatePaused, StateFailed, StateCancelled},
	StateExtracting:   {StateProcessing, StatePaused, StateFailed, StateCancelled},
	StateProcessing:   {StateCompleted, StatePaused, StateFailed, StateCancelled},
	StatePaused:       {StateCrawling, StateExtracting, StateProcessing, StateCancelled},
	StateCompleted:    {},
	StateFailed:       {},
	StateCancelled:    {},
}

// Substates maps each working main state to its ordered substate set.
var Substates = map[State][]Substate{
	StateCrawling: {
		SubstateDiscoveringURLs,
		SubstateDownloadingPages,
		SubstateDownloadingDocuments,
	},
	StateExtracting: {
		SubstatePDFExtraction,
		SubstateOCR,
		SubstateTableDetection,
	},
	StateProcessing: {
		SubstateMetadataExtraction,
		SubstateQualityScoring,
		SubstateDeduplication,
		SubstateCuration,
	},
}

// IsTerminal reports whether s is a terminal state.
func IsTerminal(s State) bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// IsActivePhase reports whether s is one of the three working phases.
func IsActivePhase(s State) bool {
	switch s {
	case StateCrawling, StateExtracting, StateProcessing:
		return true
	default:
		return false
	}
}
