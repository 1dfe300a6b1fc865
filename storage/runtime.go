package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"log/slog"

	"github.com/c360/nodeflow/errors"
	"github.com/c360/nodeflow/flowstore"
	"github.com/c360/nodeflow/metric"
)

// Keys of the blobs managed by Runtime.
const (
	KeyFlows       = "flows"
	KeyCredentials = "credentials"
	KeySettings    = "settings"
)

// settingNodes is the settings entry holding node set enabled state.
const settingNodes = "nodes"

// Runtime stores the three independent blobs of a flow runtime: the
// credential-stripped flow document, the credential cache and the settings.
// A failure writing one blob never touches the others.
type Runtime struct {
	store   Store
	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewRuntime wraps store.
func NewRuntime(store Store, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{store: store, logger: logger}
}

// SetMetrics counts failed reads and writes on m.
func (r *Runtime) SetMetrics(m *metric.Metrics) {
	r.metrics = m
}

// Store returns the underlying backend.
func (r *Runtime) Store() Store {
	return r.store
}

// Revision returns the revision string of an encoded flow document.
func Revision(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// GetFlows loads the persisted flow document and its revision. A missing
// document is an empty one.
func (r *Runtime) GetFlows(ctx context.Context) (flowstore.Flows, string, error) {
	data, err := r.store.Get(ctx, KeyFlows)
	if stderrors.Is(err, ErrNotFound) {
		return flowstore.Flows{}, Revision([]byte("[]")), nil
	}
	if err != nil {
		r.metrics.RecordStorageError("get")
		return nil, "", errors.WrapTransient(err, "Runtime", "GetFlows", "read flows")
	}

	flows, err := flowstore.Parse(data)
	if err != nil {
		return nil, "", errors.Wrap(err, "Runtime", "GetFlows", "parse flows")
	}
	return flows, Revision(data), nil
}

// SaveFlows persists the flow document and returns its revision.
func (r *Runtime) SaveFlows(ctx context.Context, flows flowstore.Flows) (string, error) {
	if flows == nil {
		flows = flowstore.Flows{}
	}
	data, err := json.Marshal(flows)
	if err != nil {
		return "", errors.WrapInvalid(err, "Runtime", "SaveFlows", "encode flows")
	}
	if err := r.store.Put(ctx, KeyFlows, data); err != nil {
		r.metrics.RecordStorageError("put")
		return "", errors.WrapTransient(err, "Runtime", "SaveFlows", "write flows")
	}
	return Revision(data), nil
}

// GetCredentials loads the credential cache blob. A missing blob is empty.
func (r *Runtime) GetCredentials(ctx context.Context) (map[string]map[string]string, error) {
	out := map[string]map[string]string{}
	if err := r.getJSON(ctx, KeyCredentials, &out); err != nil {
		return nil, errors.Wrap(err, "Runtime", "GetCredentials", "read credentials")
	}
	return out, nil
}

// SaveCredentials persists the whole credential cache.
func (r *Runtime) SaveCredentials(ctx context.Context, creds map[string]map[string]string) error {
	if err := r.putJSON(ctx, KeyCredentials, creds); err != nil {
		return errors.Wrap(err, "Runtime", "SaveCredentials", "write credentials")
	}
	return nil
}

// GetSettings loads the settings blob. A missing blob is empty.
func (r *Runtime) GetSettings(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	if err := r.getJSON(ctx, KeySettings, &out); err != nil {
		return nil, errors.Wrap(err, "Runtime", "GetSettings", "read settings")
	}
	return out, nil
}

// SaveSettings persists the settings blob.
func (r *Runtime) SaveSettings(ctx context.Context, settings map[string]any) error {
	if err := r.putJSON(ctx, KeySettings, settings); err != nil {
		return errors.Wrap(err, "Runtime", "SaveSettings", "write settings")
	}
	return nil
}

// LoadNodeState returns the persisted enabled flag per node set id.
func (r *Runtime) LoadNodeState(ctx context.Context) (map[string]bool, error) {
	settings, err := r.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	state := map[string]bool{}
	raw, _ := settings[settingNodes].(map[string]any)
	for id, v := range raw {
		if enabled, ok := v.(bool); ok {
			state[id] = enabled
		}
	}
	return state, nil
}

// SaveNodeState persists the enabled flag per node set id, keeping every
// other setting intact.
func (r *Runtime) SaveNodeState(ctx context.Context, state map[string]bool) error {
	settings, err := r.GetSettings(ctx)
	if err != nil {
		return err
	}
	nodes := make(map[string]any, len(state))
	for id, enabled := range state {
		nodes[id] = enabled
	}
	settings[settingNodes] = nodes
	return r.SaveSettings(ctx, settings)
}

// Close closes the backend.
func (r *Runtime) Close() error {
	return r.store.Close()
}

func (r *Runtime) getJSON(ctx context.Context, key string, v any) error {
	data, err := r.store.Get(ctx, key)
	if stderrors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		r.metrics.RecordStorageError("get")
		return errors.WrapTransient(err, "Runtime", "getJSON", "read "+key)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.WrapInvalid(err, "Runtime", "getJSON", "decode "+key)
	}
	return nil
}

func (r *Runtime) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.WrapInvalid(err, "Runtime", "putJSON", "encode "+key)
	}
	if err := r.store.Put(ctx, key, data); err != nil {
		r.metrics.RecordStorageError("put")
		return errors.WrapTransient(err, "Runtime", "putJSON", "write "+key)
	}
	r.logger.Debug("Persisted runtime state", "key", key, "bytes", len(data))
	return nil
}
