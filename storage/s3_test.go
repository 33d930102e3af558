package storage

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakePutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = params
	f.body, _ = io.ReadAll(params.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestArchiveKey(t *testing.T) {
	at := time.Date(2026, 3, 2, 23, 30, 0, 0, time.FixedZone("CET", 3600))
	key := ArchiveKey("seloger", at, []byte("<html></html>"))
	assert.Regexp(t, `^raw/seloger/2026/03/02/[0-9a-f]{64}\.html$`, key)
	assert.Equal(t, key, ArchiveKey("seloger", at, []byte("<html></html>")))
	assert.NotEqual(t, key, ArchiveKey("seloger", at, []byte("<html>changed</html>")))
}

func TestS3Archiver_ArchivePage(t *testing.T) {
	putter := &fakePutter{}
	a := NewS3ArchiverWithClient(putter, "pages")
	a.now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }

	key, err := a.ArchivePage(context.Background(), "pap", "https://www.pap.fr/annonce/location-lyon", []byte("<html>pap</html>"))
	require.NoError(t, err)

	require.NotNil(t, putter.input)
	assert.Equal(t, "pages", *putter.input.Bucket)
	assert.Equal(t, key, *putter.input.Key)
	assert.Equal(t, "<html>pap</html>", string(putter.body))
	assert.Equal(t, "https://www.pap.fr/annonce/location-lyon", putter.input.Metadata["source-url"])
}

func TestS3Archiver_PropagatesErrors(t *testing.T) {
	a := NewS3ArchiverWithClient(&fakePutter{err: errors.New("access denied")}, "pages")
	_, err := a.ArchivePage(context.Background(), "pap", "https://www.pap.fr", []byte("x"))
	assert.ErrorContains(t, err, "access denied")
}
