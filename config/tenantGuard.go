package config

import (
	"context"
	"strings"

	"github.com/mmdatafocus/savekit/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TenantGuardPlugin enforces multi-tenant isolation by automatically scoping
// queries/updates/deletes to the request's business_id when the model has the
// tenant column.
//
// NOTE:
// - This does NOT apply to Raw SQL queries. Those must include the tenant column manually.
// - Admin/internal bypass is explicit via context flags.
type TenantGuardPlugin struct {
	// Column is the tenant discriminator column. Defaults to "business_id".
	Column string
}

func NewTenantGuardPlugin() *TenantGuardPlugin {
	return &TenantGuardPlugin{Column: "business_id"}
}

func (p *TenantGuardPlugin) Name() string { return "tenant_guard" }

func (p *TenantGuardPlugin) Initialize(db *gorm.DB) error {
	if p.Column == "" {
		p.Column = "business_id"
	}
	cb := func(db *gorm.DB) { p.scopeToTenant(db) }

	// Query
	if err := db.Callback().Query().Before("gorm:query").Register("tenant_guard:query", cb); err != nil {
		return err
	}
	// Row (First/Take)
	if err := db.Callback().Row().Before("gorm:row").Register("tenant_guard:row", cb); err != nil {
		return err
	}
	// Update
	if err := db.Callback().Update().Before("gorm:update").Register("tenant_guard:update", cb); err != nil {
		return err
	}
	// Delete
	if err := db.Callback().Delete().Before("gorm:delete").Register("tenant_guard:delete", cb); err != nil {
		return err
	}
	return nil
}

func (p *TenantGuardPlugin) scopeToTenant(db *gorm.DB) {
	if db == nil || db.Statement == nil {
		return
	}
	ctx := db.Statement.Context
	if ctx == nil {
		return
	}
	if shouldBypassTenantScope(ctx) {
		return
	}
	businessID := businessIdFromContext(ctx)
	if businessID == "" {
		return
	}

	// Only apply if the current model/table includes the tenant column.
	if db.Statement.Schema == nil {
		return
	}
	hasColumn := false
	for _, f := range db.Statement.Schema.Fields {
		if strings.EqualFold(f.DBName, p.Column) {
			hasColumn = true
			break
		}
	}
	if !hasColumn {
		return
	}

	// Don't duplicate an explicit tenant filter.
	if p.whereHasTenantColumn(db.Statement.Clauses["WHERE"]) {
		return
	}

	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: db.Statement.Table, Name: p.Column},
				Value:  businessID,
			},
		},
	})
}

func businessIdFromContext(ctx context.Context) string {
	v, _ := appctx.GetString(ctx, appctx.ContextKeyBusinessId)
	return v
}

func shouldBypassTenantScope(ctx context.Context) bool {
	if v, ok := appctx.GetBool(ctx, appctx.ContextKeySkipTenantScope); ok && v {
		return true
	}
	if v, ok := appctx.GetBool(ctx, appctx.ContextKeyIsAdmin); ok && v {
		return true
	}
	return false
}

func (p *TenantGuardPlugin) whereHasTenantColumn(c clause.Clause) bool {
	if c.Expression == nil {
		return false
	}
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, e := range w.Exprs {
		if p.exprHasTenantColumn(e) {
			return true
		}
	}
	return false
}

func (p *TenantGuardPlugin) exprHasTenantColumn(e clause.Expression) bool {
	switch v := e.(type) {
	case clause.Eq:
		return p.colIsTenant(v.Column)
	case clause.Neq:
		return p.colIsTenant(v.Column)
	case clause.Gt:
		return p.colIsTenant(v.Column)
	case clause.Gte:
		return p.colIsTenant(v.Column)
	case clause.Lt:
		return p.colIsTenant(v.Column)
	case clause.Lte:
		return p.colIsTenant(v.Column)
	case clause.IN:
		return p.colIsTenant(v.Column)
	case clause.AndConditions:
		for _, x := range v.Exprs {
			if p.exprHasTenantColumn(x) {
				return true
			}
		}
		return false
	case clause.OrConditions:
		for _, x := range v.Exprs {
			if p.exprHasTenantColumn(x) {
				return true
			}
		}
		return false
	case clause.Expr:
		// Best-effort for raw expressions.
		return strings.Contains(strings.ToLower(v.SQL), p.Column)
	default:
		return false
	}
}

func (p *TenantGuardPlugin) colIsTenant(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, p.Column)
	case clause.Column:
		return strings.EqualFold(c.Name, p.Column)
	default:
		return false
	}
}
