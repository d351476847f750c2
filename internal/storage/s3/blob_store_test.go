package s3

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeClient) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = params
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, nil
}

func TestBlobStore_PutObject(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	store, err := New(client, Config{Bucket: "archive"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "invocations/2024/01/02/inv.out", "text/plain", strings.NewReader("not json"))
	require.NoError(t, err)
	require.Equal(t, "s3://archive/invocations/2024/01/02/inv.out", uri)
	require.Equal(t, "archive", aws.ToString(client.input.Bucket))
	require.Equal(t, "invocations/2024/01/02/inv.out", aws.ToString(client.input.Key))
	require.Equal(t, "text/plain", aws.ToString(client.input.ContentType))
	require.Equal(t, "not json", string(client.body))
}

func TestBlobStore_Errors(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	_, err = New(&fakeClient{}, Config{})
	require.Error(t, err)

	store, err := New(&fakeClient{err: errors.New("access denied")}, Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "k", "", strings.NewReader("x"))
	require.ErrorContains(t, err, "access denied")

	_, err = store.PutObject(context.Background(), "", "", strings.NewReader("x"))
	require.Error(t, err)
}
