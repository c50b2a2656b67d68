package models

import "errors"

// MaxHistoryEntries is the backend's dataset retention cap. The backend
// replaces the oldest dataset past this point; the client only surfaces the
// boundary to the user.
const MaxHistoryEntries = 5

// HistoryEntry is one previously uploaded dataset.
type HistoryEntry struct {
	ID           int64  `json:"id"`
	FileName     string `json:"file_name"`
	UploadTime   string `json:"upload_time"`
	TotalRecords int    `json:"total_records"`

	// Legacy aliases kept for older call sites.
	Filename    string `json:"filename"`
	RecordCount int    `json:"record_count"`
}

// Validate checks that the entry identifies a dataset.
func (e *HistoryEntry) Validate() error {
	if e.ID == 0 && e.FileName == "" {
		return errors.New("history entry must identify a dataset")
	}
	if e.TotalRecords < 0 {
		return errors.New("total records must not be negative")
	}
	return nil
}

// HistoryPage is the backend's history listing. Order is the backend's
// (most recent first); the client never re-sorts it.
type HistoryPage struct {
	Count      int            `json:"count"`
	MaxHistory int            `json:"max_history"`
	Datasets   []HistoryEntry `json:"datasets"`
}

// AtCapacity reports whether the retention cap has been reached, which is
// when the next upload starts replacing old datasets.
func (p *HistoryPage) AtCapacity() bool {
	limit := p.MaxHistory
	if limit <= 0 {
		limit = MaxHistoryEntries
	}
	return len(p.Datasets) >= limit
}
