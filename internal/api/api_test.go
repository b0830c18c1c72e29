package api

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopmonkeyus/go-common/logger"
	"github.com/shopmonkeyus/schemastore/internal"
	"github.com/shopmonkeyus/schemastore/internal/database"
	"github.com/shopmonkeyus/schemastore/internal/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) *Handler {
	service, err := database.New(database.Config{Logger: logger.NewTestLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { service.Close() })
	return New(service, logger.NewTestLogger())
}

func usersSchema() internal.TableSchema {
	return internal.TableSchema{
		Name: "users",
		Fields: internal.Fields{
			&internal.StringField{FieldBase: internal.FieldBase{Name: "name", Required: true}},
			&internal.StringField{FieldBase: internal.FieldBase{Name: "email", Unique: true}, Validation: internal.StringValidation{Format: internal.StringFormatEmail}},
		},
	}
}

func TestHandlerSuccess(t *testing.T) {
	ctx := context.Background()
	h := newTestHandler(t)
	resp := h.CreateTable(ctx, usersSchema())
	require.True(t, resp.Success, resp.Error)
	assert.Empty(t, resp.Code)

	resp = h.Create(ctx, "users", map[string]any{"_id": "u1", "name": "Alice", "email": "alice@example.com"})
	require.True(t, resp.Success, resp.Error)
	doc := resp.Data.(internal.Document)
	assert.Equal(t, "u1", doc.ID())

	resp = h.Count(ctx, "users", nil)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.Data)

	resp = h.Find(ctx, "users", map[string]any{"name": "Alice"}, database.FindOptions{})
	require.True(t, resp.Success)
	assert.Equal(t, 1, resp.Data.(query.Result).Total)

	buf, err := json.Marshal(h.FindByID(ctx, "users", "u1", false))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"data":{"_id":"u1","name":"Alice","email":"alice@example.com"}}`, string(buf))
}

func TestHandlerErrorCodes(t *testing.T) {
	ctx := context.Background()
	h := newTestHandler(t)
	require.True(t, h.CreateTable(ctx, usersSchema()).Success)

	resp := h.CreateTable(ctx, usersSchema())
	assert.False(t, resp.Success)
	assert.Equal(t, "conflict", resp.Code)

	resp = h.Create(ctx, "users", map[string]any{"email": "nope"})
	assert.False(t, resp.Success)
	assert.Equal(t, "validation", resp.Code)
	require.Len(t, resp.Issues, 2)
	assert.Nil(t, resp.Data)

	resp = h.FindByID(ctx, "users", "missing", false)
	assert.Equal(t, "not_found", resp.Code)
	assert.NotEmpty(t, resp.Error)

	resp = h.GetTable("nope")
	assert.Equal(t, "not_found", resp.Code)

	resp = h.CreateTable(ctx, internal.TableSchema{Name: "bad name!"})
	assert.Equal(t, "configuration", resp.Code)

	resp = h.AuditEntries(ctx, "yesterday")
	assert.Equal(t, "internal", resp.Code)
}

func TestHandlerRecoversPanics(t *testing.T) {
	h := New(nil, logger.NewTestLogger())
	var resp Response
	assert.NotPanics(t, func() {
		resp = h.ListTables()
	})
	assert.False(t, resp.Success)
	assert.Equal(t, CodeInternal, resp.Code)
	assert.NotEmpty(t, resp.Error)
}

func TestHandlerStats(t *testing.T) {
	h := newTestHandler(t)
	resp := h.Stats(false)
	require.True(t, resp.Success)
	stats := resp.Data.(*internal.SystemStats)
	assert.Nil(t, stats.Memory)
}
