package dto

type CreateJobRequest struct {
	Kind   string           `json:"kind" binding:"required,jobkind"`
	Inputs JobInputsRequest `json:"inputs" binding:"required"`
}

type JobInputsRequest struct {
	ImageURLs []string `json:"image_urls" binding:"required,min=1,max=2,dive,url"`
	Prompt    string   `json:"prompt" binding:"max=1000"`
}

type CreateJobResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Balance int64  `json:"balance"`
}

type ListJobsRequest struct {
	Kind     string `form:"kind" binding:"omitempty,jobkind"`
	Status   string `form:"status" binding:"omitempty,oneof=uploading submitted in_progress completed failed"`
	PageSize int    `form:"page_size" binding:"omitempty,min=1,max=100"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID       string  `json:"job_id"`
	Kind        string  `json:"kind"`
	Status      string  `json:"status"`
	ResultRef   *string `json:"result_ref,omitempty"`
	Error       *string `json:"error,omitempty"`
	FailureKind *string `json:"failure_kind,omitempty"`
	Cost        int     `json:"cost"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}
