package util

const (
	DateFormat = "2006-01-02"
	TimeFormat = "2006-01-02 15:04:05"
)

const (
	StorageLocal = "local"
	StorageMinio = "minio"
	StorageOSS   = "oss"
)

// 录音上传相关常量
const (
	MimeAudio       = "audio/"
	MimeWebm        = "video/webm" // http.DetectContentType 对 webm 容器统一返回 video/webm
	MimeOgg         = "application/ogg"
	MimeOctetStream = "application/octet-stream"

	DefaultRecordingExt = ".webm"
)

var (
	AllowedAudioExtensions = []string{".webm", ".wav", ".mp3", ".ogg", ".m4a"}
	AllowedAudioMimeTypes  = []string{MimeAudio, MimeWebm, MimeOgg}
)

const (
	HeaderClientID = "X-Client-ID"
	HeaderUserID   = "X-User-ID"
)
