// Package postgres implements the store using pgx/v5 with raw SQL.
// Claims use SELECT ... FOR UPDATE SKIP LOCKED; the per-tenant cap is
// enforced under a transaction-scoped advisory lock keyed by tenant.
// Schema migrations are embedded SQL files.
package postgres
