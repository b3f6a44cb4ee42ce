// Package eventinfo downloads an event-info content stream and verifies it
// against the backend's declared checksum (lowercase-hex SHA3-256 over
// the concatenated stream chunks).
package eventinfo

import (
	"bytes"
	"context"
	"encoding/hex"

	"golang.org/x/crypto/sha3"

	apperrors "github.com/openrangelab/rangerd/infrastructure/errors"
	"github.com/openrangelab/rangerd/internal/backend"
)

// Download drains client's EventInfo stream for id, verifying the
// concatenated bytes against expectedChecksum. A mismatch returns
// ChecksumMismatch and no bytes.
func Download(ctx context.Context, client backend.Client, id, expectedChecksum string) ([]byte, error) {
	chunks, err := client.StreamEventInfo(ctx, id)
	if err != nil {
		return nil, err
	}

	h := sha3.New256()
	var buf bytes.Buffer
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				sum := hex.EncodeToString(h.Sum(nil))
				if sum != expectedChecksum {
					return nil, apperrors.ChecksumMismatch(id)
				}
				return buf.Bytes(), nil
			}
			h.Write(chunk.Data)
			buf.Write(chunk.Data)
		}
	}
}
