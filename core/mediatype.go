package core

import (
	"path"
	"strings"

	lperrors "github.com/livepeer/swarm-ingest/errors"
)

type MediaType string

const (
	MediaTypeAudio MediaType = "audio"
	MediaTypeVideo MediaType = "video"
)

// MediaTypeFromPath reads the media type from the first element of a stream
// path such as /video/<name>.
func MediaTypeFromPath(streamPath string) (MediaType, error) {
	parts := strings.Split(strings.Trim(path.Clean("/"+streamPath), "/"), "/")
	if len(parts) < 2 || parts[1] == "" {
		return "", lperrors.Withf(lperrors.ErrInvalidStreamPath, "path=%q", streamPath)
	}
	switch mt := MediaType(parts[0]); mt {
	case MediaTypeAudio, MediaTypeVideo:
		return mt, nil
	}
	return "", lperrors.Withf(lperrors.ErrInvalidStreamPath, "unsupported media type %q in path=%q", parts[0], streamPath)
}
