package dto

type SubmitVideoResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type CancelVideoResponse struct {
	JobID     string `json:"job_id"`
	Cancelled bool   `json:"cancelled"`
}
