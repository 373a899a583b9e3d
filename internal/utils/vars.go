package utils

const (
	ToolUserAgent     = "gogrepoc/1.0"
	DefaultBufferSize = 1024 * 1024 // 1MB copy buffer per worker
)
