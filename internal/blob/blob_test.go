package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendaanalytics/agenda-analytics/internal/config"
	apperrors "github.com/agendaanalytics/agenda-analytics/internal/pkg/errors"
)

func TestIDFromURL(t *testing.T) {
	assert.Equal(t, "abc", IDFromURL("http://fs:8000/files/abc"))
	assert.Equal(t, "abc", IDFromURL("abc"))
	assert.Equal(t, "x", IDFromURL("mem://files/x"))
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	id, err := s.Put(ctx, "kpi_Müller GmbH/agenda.json", []byte(`{"a":1}`))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))

	// ids embedded in file urls resolve too
	got, err = s.Get(ctx, s.URL(id))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))

	_, err = s.Get(ctx, "does-not-exist")
	assert.True(t, apperrors.IsNotFound(err), "got %v", err)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore("http://fs.example")
	exerciseStore(t, s)

	a, _ := s.Put(context.Background(), "a", []byte("same"))
	b, _ := s.Put(context.Background(), "b", []byte("same"))
	assert.Equal(t, a, b, "content addressed")
	assert.Equal(t, "http://fs.example/files/"+a, s.URL(a))

	name, ok := s.Name(a)
	assert.True(t, ok)
	assert.Equal(t, "b", name)
}

func TestDirStore(t *testing.T) {
	s, err := NewDirStore(t.TempDir(), "")
	require.NoError(t, err)
	exerciseStore(t, s)

	id, err := s.Put(context.Background(), "Bericht für Köln.json", []byte("x"))
	require.NoError(t, err)
	name, ok := s.Name(id)
	assert.True(t, ok)
	assert.Equal(t, "Bericht_fuer_Koeln.json", name)

	_, err = s.Get(context.Background(), "..")
	assert.True(t, apperrors.IsValidation(err))

	// a file altered on disk no longer matches its address
	require.NoError(t, os.WriteFile(filepath.Join(s.root, id), []byte("y"), 0o644))
	_, err = s.Get(context.Background(), id)
	assert.Equal(t, apperrors.CodeBlob, apperrors.CodeOf(err))
}

func TestRedisStore(t *testing.T) {
	s, err := NewRedisStore(context.Background(), RedisConfig{URL: "redis://localhost:6379/15", KeyPrefix: "aa:test:blob:"})
	if err != nil {
		t.Skip("Redis not available:", err)
	}
	defer s.Close()

	exerciseStore(t, s)
}

func TestNewRedisStore_InvalidURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), RedisConfig{URL: "invalid://url"})
	assert.Error(t, err)
}

// fakeFileServer mimics the upload/download endpoints.
type fakeFileServer struct {
	mu    sync.Mutex
	files map[string][]byte
	names map[string]string
	next  int
}

func (f *fakeFileServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/files/":
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		f.next++
		id := fmt.Sprintf("uuid-%d", f.next)
		f.files[id] = data
		f.names[id] = header.Filename
		_ = json.NewEncoder(w).Encode([]string{id})

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/files/"):
		data, ok := f.files[strings.TrimPrefix(r.URL.Path, "/files/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"The file does not exist in the metadata storage."}`))
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(data)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestFileServer(t *testing.T) {
	fake := &fakeFileServer{files: map[string][]byte{}, names: map[string]string{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	fs := NewFileServer(FileServerConfig{BaseURL: srv.URL, PublicURL: "https://files.public"})
	exerciseStore(t, fs)

	assert.Equal(t, "https://files.public/files/uuid-1", fs.URL("uuid-1"))
	assert.Equal(t, "kpi_Mueller_GmbH_agenda.json", fake.names["uuid-1"])
}

func TestFileServer_UploadError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewFileServer(FileServerConfig{BaseURL: srv.URL}).Put(context.Background(), "a", []byte("b"))
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeBlob, apperrors.CodeOf(err))
}

func TestNew_Factory(t *testing.T) {
	s, err := New(context.Background(), config.BlobConfig{Type: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = New(context.Background(), config.BlobConfig{Type: "dir", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &DirStore{}, s)

	_, err = New(context.Background(), config.BlobConfig{Type: "s3"})
	assert.Error(t, err)
}
