// Integration tests for the RecordStore gRPC service
package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/attrstore/internal/config"
	"github.com/nainya/attrstore/internal/logger"
	"github.com/nainya/attrstore/internal/metrics"
	"github.com/nainya/attrstore/pkg/entitystore"
	"github.com/nainya/attrstore/pkg/eventstore"
	"github.com/nainya/attrstore/pkg/tablet"
)

const bufSize = 1024 * 1024

var day = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func setupTestServer(t *testing.T) (*Client, *metrics.Metrics) {
	t.Helper()
	cfg := config.DefaultStoreConfig()
	substrate := tablet.NewStore()

	events, err := eventstore.New(substrate, cfg)
	require.NoError(t, err)
	entities, err := entitystore.New(substrate, cfg)
	require.NoError(t, err)
	srv := NewServer(events, entities, logger.Nop())

	m := metrics.NewMetrics(prometheus.NewRegistry())
	lis := bufconn.Listen(bufSize)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(GrpcMetricsInterceptor(m, logger.Nop())))
	RegisterRecordStoreServer(grpcServer, srv)
	go func() {
		_ = grpcServer.Serve(lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		grpcServer.Stop()
		lis.Close()
		_ = srv.Close(context.Background())
	})
	return NewClient(conn), m
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func attr(key string, value any) map[string]any {
	return map[string]any{"key": key, "value": value}
}

func recordIDs(t *testing.T, resp *structpb.Struct) []string {
	t.Helper()
	var ids []string
	for _, v := range resp.GetFields()["records"].GetListValue().GetValues() {
		ids = append(ids, v.GetStructValue().GetFields()["id"].GetStringValue())
	}
	return ids
}

func TestSaveAndQueryEvents(t *testing.T) {
	client, m := setupTestServer(t)
	ctx := context.Background()

	_, err := client.Call(ctx, MethodSaveEvents, mustStruct(t, map[string]any{
		"flush": true,
		"records": []any{
			map[string]any{"type": "click", "id": "e1", "timestamp": float64(day.Add(time.Hour).UnixMilli()),
				"attributes": []any{attr("color", "red"), attr("size", 3)}},
			map[string]any{"type": "click", "id": "e2", "timestamp": day.Add(2 * time.Hour).Format(time.RFC3339),
				"attributes": []any{attr("color", "blue")}},
		},
	}))
	require.NoError(t, err)

	resp, err := client.Call(ctx, MethodQueryEvents, mustStruct(t, map[string]any{
		"start": day.Format(time.RFC3339),
		"end":   day.Add(24 * time.Hour).Format(time.RFC3339),
		"types": []any{"click"},
		"query": `attrs["color"] == "red"`,
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, recordIDs(t, resp))

	rec := resp.GetFields()["records"].GetListValue().GetValues()[0].GetStructValue().GetFields()
	assert.Equal(t, float64(day.Add(time.Hour).UnixMilli()), rec["timestamp"].GetNumberValue())
	attrs := map[string]*structpb.Struct{}
	for _, a := range rec["attributes"].GetListValue().GetValues() {
		attrs[a.GetStructValue().GetFields()["key"].GetStringValue()] = a.GetStructValue()
	}
	require.Contains(t, attrs, "size")
	assert.Equal(t, "long", attrs["size"].GetFields()["alias"].GetStringValue())
	assert.Equal(t, 3.0, attrs["size"].GetFields()["value"].GetNumberValue())

	// no query returns every event of the types in range
	resp, err = client.Call(ctx, MethodQueryEvents, mustStruct(t, map[string]any{
		"start": float64(day.UnixMilli()),
		"end":   float64(day.Add(24 * time.Hour).UnixMilli()),
		"limit": 1,
	}))
	require.NoError(t, err)
	assert.Len(t, recordIDs(t, resp), 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.GrpcRequestsTotal.WithLabelValues(fullMethod(MethodQueryEvents), codes.OK.String())))
}

func TestEntitiesAndDiscovery(t *testing.T) {
	client, _ := setupTestServer(t)
	ctx := context.Background()

	resp, err := client.Call(ctx, MethodSaveEntities, mustStruct(t, map[string]any{
		"records": []any{
			map[string]any{"type": "user", "id": "u1", "attributes": []any{attr("role", "admin")}},
			map[string]any{"type": "user", "attributes": []any{attr("role", "viewer")}},
		},
	}))
	require.NoError(t, err)
	ids := resp.GetFields()["ids"].GetListValue().GetValues()
	require.Len(t, ids, 2)
	assert.Equal(t, "u1", ids[0].GetStringValue())
	assert.Len(t, ids[1].GetStringValue(), 36, "a missing id is generated")

	require.NoError(t, client.Flush(ctx))

	resp, err = client.Call(ctx, MethodQueryEntities, mustStruct(t, map[string]any{
		"query": `has(attrs.role) && attrs.role == "admin"`,
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, recordIDs(t, resp))

	resp, err = client.Call(ctx, MethodGetEntities, mustStruct(t, map[string]any{
		"ids": []any{map[string]any{"type": "user", "id": "u1"}},
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, recordIDs(t, resp))

	resp, err = client.Call(ctx, MethodUniqueKeys, mustStruct(t, map[string]any{
		"store": "entities", "type": "user",
	}))
	require.NoError(t, err)
	keys := resp.GetFields()["keys"].GetListValue().GetValues()
	require.Len(t, keys, 1)
	assert.Equal(t, "role", keys[0].GetStructValue().GetFields()["key"].GetStringValue())
	assert.Equal(t, "string", keys[0].GetStructValue().GetFields()["alias"].GetStringValue())

	resp, err = client.Call(ctx, MethodUniqueValues, mustStruct(t, map[string]any{
		"store": "entities", "type": "user", "alias": "string", "key": "role",
	}))
	require.NoError(t, err)
	var values []string
	for _, v := range resp.GetFields()["values"].GetListValue().GetValues() {
		values = append(values, v.GetStringValue())
	}
	assert.Equal(t, []string{"admin", "viewer"}, values)

	resp, err = client.Call(ctx, MethodTypes, mustStruct(t, map[string]any{"store": "entities"}))
	require.NoError(t, err)
	assert.Equal(t, "user", resp.GetFields()["types"].GetListValue().GetValues()[0].GetStringValue())
}

func TestInvalidArguments(t *testing.T) {
	client, _ := setupTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		method string
		req    map[string]any
	}{
		{"no records", MethodSaveEvents, map[string]any{}},
		{"event without timestamp", MethodSaveEvents, map[string]any{"records": []any{
			map[string]any{"type": "click", "id": "e1", "attributes": []any{attr("color", "red")}},
		}}},
		{"value not matching alias", MethodSaveEntities, map[string]any{"records": []any{
			map[string]any{"type": "user", "id": "u1", "attributes": []any{
				map[string]any{"key": "age", "alias": "long", "value": "old"},
			}},
		}}},
		{"unsupported query", MethodQueryEntities, map[string]any{"query": `attrs.age > 3`}},
		{"inverted range", MethodQueryEvents, map[string]any{
			"start": day.Add(time.Hour).Format(time.RFC3339), "end": day.Format(time.RFC3339), "query": `has(attrs.a)`,
		}},
		{"unknown store", MethodTypes, map[string]any{"store": "documents"}},
		{"unique keys without type", MethodUniqueKeys, map[string]any{"store": "events"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Call(ctx, tt.method, mustStruct(t, tt.req))
			require.Error(t, err)
			assert.Equal(t, codes.InvalidArgument, status.Code(err), err.Error())
		})
	}
}

func TestHealth(t *testing.T) {
	client, _ := setupTestServer(t)
	resp, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.GetFields()["healthy"].GetBoolValue())
	assert.Equal(t, Version, resp.GetFields()["version"].GetStringValue())
}

func TestObservabilityEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	m.RecordStoreOperation("events", "save", nil, time.Millisecond)

	obs := NewObservabilityServer(0, reg, logger.Nop())

	rec := httptest.NewRecorder()
	obs.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "attrstore_store_operations_total"))

	rec = httptest.NewRecorder()
	obs.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "attrstore")
}
