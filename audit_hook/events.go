package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionJobEnqueued        = "job.enqueued"
	ActionJobStarted         = "job.started"
	ActionJobCompleted       = "job.completed"
	ActionJobRetrying        = "job.retrying"
	ActionJobDeadLettered    = "job.dead_lettered"
	ActionTenantConnected    = "tenant.connected"
	ActionTenantDisconnected = "tenant.disconnected"
	ActionReconnectScheduled = "tenant.reconnect_scheduled"
	ActionReconnectExhausted = "tenant.reconnect_exhausted"
)

// Audit event categories group related actions.
const (
	CategoryJob        = "conduit.job"
	CategoryConnection = "conduit.connection"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceJob    = "job"
	ResourceTenant = "tenant"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionJobEnqueued,
		ActionJobStarted,
		ActionJobCompleted,
		ActionJobRetrying,
		ActionJobDeadLettered,
		ActionTenantConnected,
		ActionTenantDisconnected,
		ActionReconnectScheduled,
		ActionReconnectExhausted,
	}
}
