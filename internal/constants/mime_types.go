package constants

// MimeTypes maps file extensions to their corresponding MIME types
var MimeTypes = map[string]string{
	// Image formats
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",

	// Video formats
	".mp4": "video/mp4",
	".mov": "video/quicktime",
	".avi": "video/x-msvideo",

	// Document formats
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".txt":  "text/plain",

	// Audio formats
	".ogg": "audio/ogg",
	".mp3": "audio/mpeg",
	".wav": "audio/wav",
	".m4a": "audio/mp4",
}

// DefaultMimeType is the fallback MIME type for unknown file extensions
const DefaultMimeType = "application/octet-stream"

// DocumentMimeTypes are non-media MIME types that are sent as documents
var DocumentMimeTypes = map[string]struct{}{
	"application/pdf":    {},
	"application/msword": {},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": {},
	"text/plain": {},
}
