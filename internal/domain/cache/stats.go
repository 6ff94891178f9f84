package cache

// Stats summarizes the current contents of the result cache, refreshed on
// demand from the live task set rather than a true time-bucketed rolling
// window (see internal/service.CacheManager.Stats).
type Stats struct {
	TotalEntries    int     `json:"total_entries"`
	PendingTasks    int     `json:"pending_tasks"`
	CompletedTasks  int     `json:"completed_tasks"`
	FailedTasks     int     `json:"failed_tasks"`
	ConsumedEntries int     `json:"consumed_entries"`
	CacheHitRate    float64 `json:"cache_hit_rate"`
	MemoryBytes     int64   `json:"memory_bytes"`
}

// IntegrityIssue describes one problem found by an on-demand integrity
// check over the task set. Reporting never mutates the record it describes.
type IntegrityIssue struct {
	Fingerprint uint64 `json:"fingerprint"`
	Reason      string `json:"reason"`
}
