package vector_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"

	"opdsrag/internal/vector"
)

func newAdapter(t *testing.T, handler http.HandlerFunc) *vector.WeaviateClientAdapter {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/meta" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"version": "1.19.0"}`))
			return
		}
		handler(w, r)
	}))
	t.Cleanup(ts.Close)

	client, err := weaviate.NewClient(weaviate.Config{Host: ts.Listener.Addr().String(), Scheme: "http"})
	require.NoError(t, err)
	return vector.NewWeaviateClientAdapter(client)
}

func TestWeaviateClientAdapter_ClassExists(t *testing.T) {
	t.Run("Exists", func(t *testing.T) {
		adapter := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/schema/OpdsDocuments", r.URL.Path)
			json.NewEncoder(w).Encode(&models.Class{Class: "OpdsDocuments"})
		})

		exists, err := adapter.ClassExists(context.Background(), "OpdsDocuments")
		assert.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("NotFound", func(t *testing.T) {
		adapter := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})

		exists, err := adapter.ClassExists(context.Background(), "OpdsDocuments")
		assert.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestWeaviateClientAdapter_CreateClass(t *testing.T) {
	adapter := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/schema", r.URL.Path)
		assert.Equal(t, "POST", r.Method)

		var class models.Class
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&class))
		assert.Equal(t, "Books", class.Class)
		w.WriteHeader(http.StatusOK)
	})

	err := adapter.CreateClass(context.Background(), &models.Class{Class: "Books"})
	assert.NoError(t, err)
}

func TestWeaviateClientAdapter_GetClassAndAddProperty(t *testing.T) {
	adapter := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "GET" && r.URL.Path == "/v1/schema/Books":
			json.NewEncoder(w).Encode(&models.Class{Class: "Books"})
		case r.Method == "POST" && r.URL.Path == "/v1/schema/Books/properties":
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	class, err := adapter.GetClass(context.Background(), "Books")
	require.NoError(t, err)
	assert.Equal(t, "Books", class.Class)

	err = adapter.AddProperty(context.Background(), "Books", &models.Property{Name: "sourceFormat", DataType: []string{"string"}})
	assert.NoError(t, err)
}

func TestSchemaCache_EnsuresOncePerClass(t *testing.T) {
	var checks int32
	adapter := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "GET" {
			atomic.AddInt32(&checks, 1)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	cache := vector.NewSchemaCache(adapter)
	ctx := context.Background()
	require.NoError(t, cache.Ensure(ctx, "Books", "cosine"))
	require.NoError(t, cache.Ensure(ctx, "Books", "cosine"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&checks))

	require.NoError(t, cache.Ensure(ctx, "Articles", "dot"))
	assert.Equal(t, int32(2), atomic.LoadInt32(&checks))
}
