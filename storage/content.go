package storage

import (
	"fmt"
	"log/slog"
	"path"

	"github.com/ruteri/secure-values/interfaces"
)

// objectKey is the location of content below root on every keyed backend:
// <root>/<type>/<first id byte>/<id>.
func objectKey(root string, id interfaces.ContentID, contentType interfaces.ContentType) string {
	hexID := id.String()
	return path.Join(root, contentType.String(), hexID[:2], hexID)
}

// verify checks fetched bytes against the id they were requested by.
func verify(backend string, id interfaces.ContentID, data []byte) ([]byte, error) {
	if got := interfaces.ComputeID(data); got != id {
		return nil, fmt.Errorf("%w: %s returned %s for %s", interfaces.ErrContentCorrupted, backend, got.Short(), id.Short())
	}
	return data, nil
}

func contentAttrs(id interfaces.ContentID, contentType interfaces.ContentType) slog.Attr {
	return slog.Group("content",
		slog.String("id", id.Short()),
		slog.String("type", contentType.String()))
}
