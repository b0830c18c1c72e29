package api

import (
	"context"

	"github.com/shopmonkeyus/go-common/logger"
	"github.com/shopmonkeyus/schemastore/internal"
	"github.com/shopmonkeyus/schemastore/internal/database"
	"github.com/shopmonkeyus/schemastore/internal/query"
	"github.com/shopmonkeyus/schemastore/internal/util"
)

const CodeInternal = "internal"

// Response is the envelope every handler method returns.
type Response struct {
	Success bool             `json:"success"`
	Data    any              `json:"data,omitempty"`
	Error   string           `json:"error,omitempty"`
	Code    string           `json:"code,omitempty"`
	Issues  []internal.Issue `json:"issues,omitempty"`
}

// Handler exposes the database service as envelope returning calls. Errors and panics never cross it.
type Handler struct {
	service *database.Service
	logger  logger.Logger
}

// New returns a handler for the service.
func New(service *database.Service, log logger.Logger) *Handler {
	if log == nil {
		log = logger.NewConsoleLogger()
	}
	return &Handler{service: service, logger: log.WithPrefix("[api]")}
}

func invoke(fn func() (any, error)) (data any, err error) {
	defer util.RecoverError(&err)
	return fn()
}

func (h *Handler) call(op string, fn func() (any, error)) Response {
	data, err := invoke(fn)
	if err != nil {
		return h.failure(op, err)
	}
	return Response{Success: true, Data: data}
}

func (h *Handler) failure(op string, err error) Response {
	code := internal.ErrorCode(err)
	if util.IsPanic(err) {
		code = CodeInternal
	}
	if code == CodeInternal {
		h.logger.Error("%s failed: %+v", op, err)
	} else {
		h.logger.Debug("%s failed: %s", op, err)
	}
	return Response{Error: err.Error(), Code: code, Issues: internal.ValidationIssues(err)}
}

// Initialize creates the database, applying the schema when one is given.
func (h *Handler) Initialize(ctx context.Context, schema *internal.DatabaseSchema) Response {
	return h.call("initialize", func() (any, error) {
		if err := h.service.Initialize(ctx, schema); err != nil {
			return nil, err
		}
		return h.service.Header(), nil
	})
}

func (h *Handler) CreateTable(ctx context.Context, schema internal.TableSchema) Response {
	return h.call("createTable", func() (any, error) {
		return h.service.CreateTable(ctx, schema)
	})
}

func (h *Handler) UpdateTableSchema(ctx context.Context, schema internal.TableSchema) Response {
	return h.call("updateTableSchema", func() (any, error) {
		return h.service.UpdateTableSchema(ctx, schema)
	})
}

func (h *Handler) DropTable(ctx context.Context, name string) Response {
	return h.call("dropTable", func() (any, error) {
		return nil, h.service.DropTable(ctx, name)
	})
}

func (h *Handler) AddField(ctx context.Context, table string, field internal.Field) Response {
	return h.call("addField", func() (any, error) {
		return h.service.AddField(ctx, table, field)
	})
}

func (h *Handler) RemoveField(ctx context.Context, table string, field string) Response {
	return h.call("removeField", func() (any, error) {
		return h.service.RemoveField(ctx, table, field)
	})
}

func (h *Handler) UpdateField(ctx context.Context, table string, field string, next internal.Field) Response {
	return h.call("updateField", func() (any, error) {
		return h.service.UpdateField(ctx, table, field, next)
	})
}

func (h *Handler) GetTable(name string) Response {
	return h.call("getTable", func() (any, error) {
		return h.service.GetTable(name)
	})
}

func (h *Handler) ListTables() Response {
	return h.call("listTables", func() (any, error) {
		return h.service.ListTables(), nil
	})
}

func (h *Handler) ExportJSONSchema(name string) Response {
	return h.call("exportJSONSchema", func() (any, error) {
		return h.service.ExportJSONSchema(name)
	})
}

func (h *Handler) ExtractDefaults(name string) Response {
	return h.call("extractDefaults", func() (any, error) {
		return h.service.ExtractDefaults(name)
	})
}

func (h *Handler) Create(ctx context.Context, table string, doc map[string]any) Response {
	return h.call("create", func() (any, error) {
		return h.service.Create(ctx, table, doc)
	})
}

func (h *Handler) CreateMany(ctx context.Context, table string, docs []map[string]any) Response {
	return h.call("createMany", func() (any, error) {
		return h.service.CreateMany(ctx, table, docs)
	})
}

func (h *Handler) FindByID(ctx context.Context, table string, id string, withDeleted bool) Response {
	return h.call("findById", func() (any, error) {
		return h.service.FindByID(ctx, table, id, withDeleted)
	})
}

func (h *Handler) Find(ctx context.Context, table string, filter map[string]any, opts database.FindOptions) Response {
	return h.call("find", func() (any, error) {
		return h.service.Find(ctx, table, filter, opts)
	})
}

func (h *Handler) FindOne(ctx context.Context, table string, filter map[string]any, opts database.FindOptions) Response {
	return h.call("findOne", func() (any, error) {
		return h.service.FindOne(ctx, table, filter, opts)
	})
}

func (h *Handler) Update(ctx context.Context, table string, id string, patch map[string]any) Response {
	return h.call("update", func() (any, error) {
		return h.service.Update(ctx, table, id, patch)
	})
}

func (h *Handler) UpdateMany(ctx context.Context, table string, filter map[string]any, patch map[string]any) Response {
	return h.call("updateMany", func() (any, error) {
		return h.service.UpdateMany(ctx, table, filter, patch)
	})
}

func (h *Handler) Delete(ctx context.Context, table string, id string, opts database.DeleteOptions) Response {
	return h.call("delete", func() (any, error) {
		return h.service.Delete(ctx, table, id, opts)
	})
}

func (h *Handler) DeleteMany(ctx context.Context, table string, filter map[string]any, opts database.DeleteOptions) Response {
	return h.call("deleteMany", func() (any, error) {
		return h.service.DeleteMany(ctx, table, filter, opts)
	})
}

func (h *Handler) Count(ctx context.Context, table string, filter map[string]any) Response {
	return h.call("count", func() (any, error) {
		return h.service.Count(ctx, table, filter)
	})
}

func (h *Handler) Distinct(ctx context.Context, table string, field string, filter map[string]any) Response {
	return h.call("distinct", func() (any, error) {
		return h.service.Distinct(ctx, table, field, filter)
	})
}

func (h *Handler) Exists(ctx context.Context, table string, filter map[string]any) Response {
	return h.call("exists", func() (any, error) {
		return h.service.ExistsMatching(ctx, table, filter)
	})
}

func (h *Handler) Search(ctx context.Context, table string, term string, fields []string, opts database.FindOptions) Response {
	return h.call("search", func() (any, error) {
		return h.service.Search(ctx, table, term, fields, opts)
	})
}

func (h *Handler) Aggregate(ctx context.Context, table string, pipeline query.Pipeline) Response {
	return h.call("aggregate", func() (any, error) {
		return h.service.Aggregate(ctx, table, pipeline)
	})
}

func (h *Handler) QueryTableRecords(ctx context.Context, table string, q database.TableQuery) Response {
	return h.call("queryTableRecords", func() (any, error) {
		return h.service.QueryTableRecords(ctx, table, q)
	})
}

// AuditEntries returns the audit entries of a day (YYYY-MM-DD).
func (h *Handler) AuditEntries(ctx context.Context, day string) Response {
	return h.call("auditEntries", func() (any, error) {
		return h.service.Audit().Entries(ctx, day)
	})
}

// AuditDays returns the days that have audit entries.
func (h *Handler) AuditDays() Response {
	return h.call("auditDays", func() (any, error) {
		return h.service.Audit().Days()
	})
}

// Stats returns the operation metrics and, when system is true, memory and load of the host.
func (h *Handler) Stats(system bool) Response {
	return h.call("stats", func() (any, error) {
		if system {
			return internal.GetSystemStats()
		}
		return internal.GetMetricStats(), nil
	})
}
