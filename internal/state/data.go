package state

import (
	"time"
)

// Phase names used as progress keys. The four records exist for every job.
const (
	PhaseURLs        = "urls"
	PhaseDocuments   = "documents"
	PhaseExtractions = "extractions"
	PhaseProcessing  = "processing"
)

// PhaseNames lists the progress records in display order.
var PhaseNames = []string{PhaseURLs, PhaseDocuments, PhaseExtractions, PhaseProcessing}

// Progress tracks item counts for one phase.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Percentage is the phase completion percentage, 0 when Total is 0.
func (p Progress) Percentage() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Completed) / float64(p.Total) * 100
}

// Remaining is the number of items not yet completed or failed.
func (p Progress) Remaining() int {
	return p.Total - p.Completed - p.Failed
}

// Metrics carries real-time counters for a crawl job.
type Metrics struct {
	URLsQueued          int     `json:"urls_queued"`
	URLsCrawled         int     `json:"urls_crawled"`
	URLsFailed          int     `json:"urls_failed"`
	DocumentsFound      int     `json:"documents_found"`
	DocumentsDownloaded int     `json:"documents_downloaded"`
	DocumentsProcessed  int     `json:"documents_processed"`
	SuccessRate         float64 `json:"success_rate"`
}

// UpdateSuccessRate recomputes the crawl success percentage.
func (m *Metrics) UpdateSuccessRate() {
	total := m.URLsCrawled + m.URLsFailed
	if total > 0 {
		m.SuccessRate = float64(m.URLsCrawled) / float64(total) * 100
	}
}

// Transition records one accepted state change. Immutable once appended.
type Transition struct {
	From      State          `json:"from_state"`
	To        State          `json:"to_state"`
	Timestamp time.Time      `json:"timestamp"`
	Duration  time.Duration  `json:"duration_in_previous_state"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Data is the complete mutable state for one crawl job. It is owned by the
// manager and mutated only through Machine transitions and progress updates.
type Data struct {
	CrawlID         string               `json:"crawl_id"`
	CurrentState    State                `json:"current_state"`
	CurrentSubstate Substate             `json:"current_substate,omitempty"`
	Config          map[string]any       `json:"config,omitempty"`
	IterationID     string               `json:"iteration_id,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	StartedAt       *time.Time           `json:"started_at,omitempty"`
	CompletedAt     *time.Time           `json:"completed_at,omitempty"`
	PausedAt        *time.Time           `json:"paused_at,omitempty"`
	Progress        map[string]*Progress `json:"progress"`
	Metrics         Metrics              `json:"metrics"`
	History         []Transition         `json:"state_history"`
	ErrorMessage    string               `json:"error_message,omitempty"`
	ErrorCount      int                  `json:"error_count"`
}

// NewData initializes job state in QUEUED with zeroed phase progress.
func NewData(crawlID string) *Data {
	progress := make(map[string]*Progress, len(PhaseNames))
	for _, phase := range PhaseNames {
		progress[phase] = &Progress{}
	}
	return &Data{
		CrawlID:      crawlID,
		CurrentState: StateQueued,
		CreatedAt:    time.Now().UTC(),
		Progress:     progress,
	}
}

// Phase returns the progress record for a phase, creating it if absent so
// restored jobs with partial snapshots stay usable.
func (d *Data) Phase(name string) *Progress {
	if d.Progress == nil {
		d.Progress = make(map[string]*Progress)
	}
	p, ok := d.Progress[name]
	if !ok {
		p = &Progress{}
		d.Progress[name] = p
	}
	return p
}

// OverallProgress is Σcompleted / Σtotal across phases, as a percentage.
func (d *Data) OverallProgress() float64 {
	var total, completed int
	for _, p := range d.Progress {
		total += p.Total
		completed += p.Completed
	}
	if total == 0 {
		return 0
	}
	return float64(completed) / float64(total) * 100
}

// Duration is the elapsed time since the job started, or the total runtime
// once completed. Zero before the job starts.
func (d *Data) Duration() time.Duration {
	if d.StartedAt == nil {
		return 0
	}
	end := time.Now().UTC()
	if d.CompletedAt != nil {
		end = *d.CompletedAt
	}
	return end.Sub(*d.StartedAt)
}

// ProgressSnapshot is the wire form of per-phase progress used in events and
// read models.
func (d *Data) ProgressSnapshot() map[string]any {
	snapshot := map[string]any{
		"overall_percentage": d.OverallProgress(),
	}
	for _, phase := range PhaseNames {
		p := d.Phase(phase)
		snapshot[phase] = map[string]any{
			"total":      p.Total,
			"completed":  p.Completed,
			"failed":     p.Failed,
			"percentage": p.Percentage(),
		}
	}
	return snapshot
}
