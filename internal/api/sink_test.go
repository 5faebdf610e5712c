package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/owenlers/internal/models"
)

func TestPush(t *testing.T) {
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/v1/Data/MeasurePoints/42/Consumption/CurrentArchive", r.URL.Path)
		assert.Equal(t, "Bearer lers-token", r.Header.Get("Authorization"))

		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewSinkClient(SinkConfig{ServerURL: srv.URL + "/", Token: "lers-token", Timeout: time.Second})
	err := client.Push(context.Background(), "42", []models.ConsumptionRecord{
		{
			PointID:  "42",
			DateTime: "1970-01-01T00:16:40+00:00",
			Values: []models.DataValue{
				{DataParameter: "flow", Value: 5},
				{DataParameter: "temp", Value: 20},
			},
		},
	})
	require.NoError(t, err)

	want := map[string]any{
		"data": map[string]any{
			"dataType": "Current",
			"consumption": []any{
				map[string]any{
					"dateTime": "1970-01-01T00:16:40+00:00",
					"values": []any{
						map[string]any{"dataParameter": "flow", "value": float64(5)},
						map[string]any{"dataParameter": "temp", "value": float64(20)},
					},
				},
			},
		},
	}
	assert.Equal(t, want, gotBody)
}

func TestPushFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"unknown data parameter"}`))
	}))
	defer srv.Close()

	client := NewSinkClient(SinkConfig{ServerURL: srv.URL, Token: "t"})
	err := client.Push(context.Background(), "42", nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPush)
	assert.Contains(t, err.Error(), "unknown data parameter")
}

func TestPushRateLimitHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewSinkClient(SinkConfig{ServerURL: srv.URL, Token: "t", RateLimit: 0.001, Burst: 1})
	require.NoError(t, client.Push(context.Background(), "1", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := client.Push(ctx, "1", nil)
	assert.ErrorIs(t, err, ErrPush)
}

func TestSinkChecks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/ServerInfo":
			w.Write([]byte(`{"version":"4.12.0"}`))
		case "/api/v1/Login/Current":
			if r.Header.Get("Authorization") != "Bearer t" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte(`{"account":{"displayName":"Importer"},"permissions":["readData","saveData"]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	client := NewSinkClient(SinkConfig{ServerURL: srv.URL, Token: "t"})

	info, err := client.ServerInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "4.12.0", info.Version)

	login, err := client.CurrentLogin(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Importer", login.Account.DisplayName)
	assert.True(t, login.CanSaveData())

	bad := NewSinkClient(SinkConfig{ServerURL: srv.URL, Token: "wrong"})
	_, err = bad.CurrentLogin(ctx)
	assert.ErrorIs(t, err, ErrRequest)
}
