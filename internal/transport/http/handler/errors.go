package handler

const (
	errInternalServer = "Internal server error"
	errJobNotFound    = "Job not found"
	errDuplicateJob   = "Job with this name already exists"
)
