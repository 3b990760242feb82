// client_test.go - Tests for the S3 mirror.

package s3

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeAPI is an in-memory bucket.
type fakeAPI struct {
	objects map[string][]byte
	meta    map[string]map[string]string
	puts    int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{objects: map[string][]byte{}, meta: map[string]map[string]string{}}
}

func (f *fakeAPI) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NotFound{}
	}
	n := int64(len(data))
	return &s3.HeadObjectOutput{ContentLength: &n, Metadata: f.meta[*in.Key]}, nil
}

func (f *fakeAPI) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.puts++
	f.objects[*in.Key] = data
	f.meta[*in.Key] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

func TestMirror(t *testing.T) {
	api := newFakeAPI()
	c := NewWithAPI(api, Config{Bucket: "photos", Prefix: "d7200/"})
	data := bytes.Repeat([]byte("nef"), 1000)
	path := writeFile(t, "DSC_0001.NEF", data)

	if err := c.Mirror(context.Background(), path, "DSC_0001.NEF"); err != nil {
		t.Fatalf("Mirror: %v", err)
	}
	if got := api.objects["d7200/DSC_0001.NEF"]; !bytes.Equal(got, data) {
		t.Fatalf("uploaded %d bytes, want %d", len(got), len(data))
	}
	if api.meta["d7200/DSC_0001.NEF"][checksumKey] == "" {
		t.Fatalf("checksum metadata missing")
	}

	// Identical content is not uploaded again.
	if err := c.Mirror(context.Background(), path, "DSC_0001.NEF"); err != nil {
		t.Fatalf("Mirror: %v", err)
	}
	if api.puts != 1 {
		t.Fatalf("PutObject called %d times, want 1", api.puts)
	}

	// Changed content under the same name is.
	changed := writeFile(t, "DSC_0001.NEF", bytes.Repeat([]byte("NEF"), 1000))
	if err := c.Mirror(context.Background(), changed, "DSC_0001.NEF"); err != nil {
		t.Fatalf("Mirror: %v", err)
	}
	if api.puts != 2 {
		t.Fatalf("PutObject called %d times, want 2", api.puts)
	}
}

func TestMirror_MissingFile(t *testing.T) {
	c := NewWithAPI(newFakeAPI(), Config{Bucket: "photos"})
	if err := c.Mirror(context.Background(), filepath.Join(t.TempDir(), "nope.jpg"), "nope.jpg"); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}

func TestValidateS3Key(t *testing.T) {
	tests := []struct {
		key     string
		wantErr bool
	}{
		{key: "d7200/DSC_0001.NEF"},
		{key: "", wantErr: true},
		{key: "/abs/DSC_0001.NEF", wantErr: true},
		{key: "d7200/../DSC_0001.NEF", wantErr: true},
		{key: "bad\x00key", wantErr: true},
		{key: string(bytes.Repeat([]byte("a"), 1025)), wantErr: true},
	}
	for _, tt := range tests {
		err := validateS3Key(tt.key)
		if (err != nil) != tt.wantErr {
			t.Fatalf("validateS3Key(%.20q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
		}
	}
}
