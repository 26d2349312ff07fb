package durex

// SubmitOption configures Engine.Submit.
type SubmitOption func(*submitConfig)

// submitConfig holds configuration gathered from SubmitOptions.
type submitConfig struct {
	tx DBTX
}

// WithTx submits the workflow using an existing transaction for the
// find-or-create-workflow insert, instead of the pool. The transaction is
// never committed or rolled back by durex; the caller owns its lifecycle.
// This lets callers create the workflow row atomically alongside their own
// unrelated writes. The job itself is enqueued through the Engine's
// JobSystem, which does not use this transaction.
func WithTx(tx DBTX) SubmitOption {
	return func(c *submitConfig) {
		c.tx = tx
	}
}

func getSubmitConfig(opts []SubmitOption) *submitConfig {
	cfg := &submitConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}
