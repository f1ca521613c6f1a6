package fileprovider

import (
	"mime"
	"path"
	"strings"
)

// 流媒体常见扩展名优先于系统 mime 表。
var streamingTypes = map[string]string{
	".flv":  "video/x-flv",
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".m4a":  "audio/mp4",
	".mp3":  "audio/mpeg",
	".ogg":  "application/ogg",
	".ogv":  "video/ogg",
	".oga":  "audio/ogg",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".ts":   "video/mp2t",
	".m3u8": "application/vnd.apple.mpegurl",
	".wmv":  "video/x-ms-wmv",
	".wma":  "audio/x-ms-wma",
	".asf":  "video/x-ms-asf",
	".mov":  "video/quicktime",
	".swf":  "application/x-shockwave-flash",
}

// MimeTypeOf 根据扩展名推断 mime 类型，未知时返回空串。
func MimeTypeOf(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		return ""
	}
	if t, ok := streamingTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return ""
}
