package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/drillops/pkg/drill"
	"github.com/harun/drillops/pkg/store"
)

type fakePutter struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	err     error
}

func newFakePutter() *fakePutter {
	return &fakePutter{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (f *fakePutter) PutObject(_ context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.err != nil {
		return minio.UploadInfo{}, f.err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+key] = data
	f.types[bucket+"/"+key] = opts.ContentType
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: size}, nil
}

func seedStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	for _, rec := range []drill.StepRecord{
		{DrillID: "d1", StepID: "a", Status: drill.StatusSuccess},
		{DrillID: "d1", StepID: "b", Status: drill.StatusSuccess},
		{DrillID: "d1", StepID: "c", Status: drill.StatusFailure, ResultText: "Exit code: 2"},
		{DrillID: "d2", StepID: "a", Status: drill.StatusSuccess},
	} {
		_, err := st.UpsertStepRecord(ctx, rec)
		require.NoError(t, err)
	}
	return st
}

func TestArchive_WritesReport(t *testing.T) {
	putter := newFakePutter()
	a := NewArchiver(ArchiverConfig{Client: putter, Bucket: "drills", Records: seedStore(t), Logger: zerolog.Nop()})
	ts := time.Unix(1700000000, 0)
	a.now = func() time.Time { return ts }

	key, err := a.Archive(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "drills/d1/report-1700000000.json", key)

	raw, ok := putter.objects["drills/"+key]
	require.True(t, ok)
	assert.Equal(t, "application/json", putter.types["drills/"+key])

	var report Report
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.Equal(t, "d1", report.DrillID)
	assert.Len(t, report.Steps, 3)
	assert.Equal(t, 2, report.Summary[string(drill.StatusSuccess)])
	assert.Equal(t, 1, report.Summary[string(drill.StatusFailure)])
}

func TestOnComplete_SwallowsErrors(t *testing.T) {
	putter := newFakePutter()
	putter.err = errors.New("bucket unreachable")
	a := NewArchiver(ArchiverConfig{Client: putter, Bucket: "drills", Records: seedStore(t), Logger: zerolog.Nop()})

	assert.NotPanics(t, func() { a.OnComplete(context.Background(), "d1") })
	assert.Empty(t, putter.objects)

	_, err := a.Archive(context.Background(), "d1")
	assert.ErrorContains(t, err, "bucket unreachable")
}

func TestConfigValidate(t *testing.T) {
	valid := Config{Endpoint: "localhost:9000", AccessKey: "k", SecretKey: "s", Bucket: "b"}
	require.NoError(t, valid.Validate())

	for name, mutate := range map[string]func(*Config){
		"endpoint": func(c *Config) { c.Endpoint = "" },
		"bucket":   func(c *Config) { c.Bucket = "" },
		"secret":   func(c *Config) { c.SecretKey = "" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrConfig)
		})
	}

	_, err := NewMinIOClient(Config{})
	assert.ErrorIs(t, err, ErrConfig)
}
