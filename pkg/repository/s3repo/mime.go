package s3repo

import (
	"mime"
	"path"
)

func guessContentType(p string) string {
	ext := path.Ext(p)
	if ext == "" {
		return ""
	}
	return mime.TypeByExtension(ext)
}
