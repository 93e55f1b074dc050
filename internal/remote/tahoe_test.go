package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riverfs/internal/common"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *TahoeClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewTahoeClient(srv.URL, "URI:DIR2:root", 5*time.Second, 4)
}

func TestGetObject_RangeHeader(t *testing.T) {
	t.Parallel()
	var gotRange string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		assert.True(t, strings.HasPrefix(r.URL.Path, "/uri/"))
		w.Write([]byte("partial"))
	})

	data, err := c.GetObject(context.Background(), "URI:CHK:abc", &ByteRange{Offset: 128, Length: 64})
	require.NoError(t, err)
	assert.Equal(t, []byte("partial"), data)
	assert.Equal(t, "bytes=128-191", gotRange)
}

func TestGetObject_NotFound(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})

	_, err := c.GetObject(context.Background(), "URI:CHK:missing", nil)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestGetObject_ServerError(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := c.GetObject(context.Background(), "URI:CHK:abc", nil)
	assert.ErrorIs(t, err, common.ErrBackendUnavailable)
}

func TestPutObject_ReturnsCapability(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/uri", r.URL.Path)
		w.Write([]byte("URI:CHK:newcap\n"))
	})

	cap, err := c.PutObject(context.Background(), []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, "URI:CHK:newcap", cap)
}

func TestGetDir_ParsesChildren(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "json", r.URL.Query().Get("t"))
		w.Write([]byte(`["dirnode", {"children": {
			"b.txt": ["filenode", {"ro_uri": "URI:CHK:b", "size": 7}],
			"a": ["dirnode", {"rw_uri": "URI:DIR2:a"}]
		}}]`))
	})

	entries, err := c.GetDir(context.Background(), "URI:DIR2:root")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Name)
	assert.Equal(t, KindDir, entries[0].Kind)
	assert.Equal(t, "URI:DIR2:a", entries[0].Ref)
	assert.Equal(t, "b.txt", entries[1].Name)
	assert.Equal(t, KindFile, entries[1].Kind)
	assert.Equal(t, int64(7), entries[1].Size)
}

func TestGetDir_FileNodeRejected(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`["filenode", {"ro_uri": "URI:CHK:x"}]`))
	})

	_, err := c.GetDir(context.Background(), "URI:CHK:x")
	assert.ErrorIs(t, err, common.ErrNotDir)
}

func TestPutDir_CreateFresh(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "mkdir-with-children", r.URL.Query().Get("t"))
		w.Write([]byte("URI:DIR2:fresh"))
	})

	cap, err := c.PutDir(context.Background(), "", []DirEntry{
		{Name: "x", Ref: "URI:CHK:x", Kind: KindFile},
	})
	require.NoError(t, err)
	assert.Equal(t, "URI:DIR2:fresh", cap)
}

func TestPutDir_ReplaceExisting(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "set-children", r.URL.Query().Get("t"))
		w.WriteHeader(http.StatusOK)
	})

	cap, err := c.PutDir(context.Background(), "URI:DIR2:existing", nil)
	require.NoError(t, err)
	assert.Equal(t, "URI:DIR2:existing", cap)
}

func TestDelete(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusOK)
	})

	assert.NoError(t, c.Delete(context.Background(), "URI:CHK:dead"))
}

func TestNetworkTimeout(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)
	c := NewTahoeClient(srv.URL, "URI:DIR2:root", 50*time.Millisecond, 4)

	_, err := c.GetObject(context.Background(), "URI:CHK:slow", nil)
	assert.ErrorIs(t, err, common.ErrBackendUnavailable)
}
