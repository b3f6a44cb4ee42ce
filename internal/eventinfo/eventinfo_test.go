package eventinfo

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/sha3"

	apperrors "github.com/openrangelab/rangerd/infrastructure/errors"
	"github.com/openrangelab/rangerd/internal/backend"
)

type streamClient struct {
	backend.Client
	chunks [][]byte
}

func (s *streamClient) StreamEventInfo(ctx context.Context, id string) (<-chan backend.EventInfoChunk, error) {
	ch := make(chan backend.EventInfoChunk, len(s.chunks))
	for _, c := range s.chunks {
		ch <- backend.EventInfoChunk{Data: c}
	}
	close(ch)
	return ch, nil
}

func checksumOf(chunks ...[]byte) string {
	h := sha3.New256()
	for _, c := range chunks {
		h.Write(c)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func TestDownloadVerifiesChecksum(t *testing.T) {
	chunks := [][]byte{[]byte("hello "), []byte("world")}
	client := &streamClient{chunks: chunks}

	data, err := Download(context.Background(), client, "ei1", checksumOf(chunks...))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestDownloadRejectsMismatch(t *testing.T) {
	client := &streamClient{chunks: [][]byte{[]byte("hello")}}

	_, err := Download(context.Background(), client, "ei1", "deadbeef")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeChecksumMismatch))
}
