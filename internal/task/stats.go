package task

// TaskStats 聚合了任务状态的统计信息，常用于仪表盘或健康检查。
type TaskStats struct {
	Total           int   `json:"total"`
	Open            int   `json:"open"`
	Claimed         int   `json:"claimed"`
	Executing       int   `json:"executing"`
	Done            int   `json:"done"`
	Failed          int   `json:"failed"`
	Expired         int   `json:"expired"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *TaskStats) add(task *Task) {
	s.Total++
	switch task.Status {
	case StatusOpen:
		s.Open++
	case StatusClaimed:
		s.Claimed++
	case StatusExecuting:
		s.Executing++
	case StatusDone:
		s.Done++
	case StatusFailed:
		s.Failed++
	case StatusExpired:
		s.Expired++
	}
	updated := task.UpdatedAt.UnixMilli()
	if updated > s.NewestUpdatedAt {
		s.NewestUpdatedAt = updated
	}
	if s.OldestUpdatedAt == 0 || updated < s.OldestUpdatedAt {
		s.OldestUpdatedAt = updated
	}
}
