package credentials

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/nodeflow/errors"
	"github.com/c360/nodeflow/flowstore"
	"github.com/c360/nodeflow/storage"
	"github.com/c360/nodeflow/storage/memory"
)

var brokerSchema = Schema{"user": FieldText, "password": FieldPassword}

func lookup(nodeType string) (Schema, bool) {
	if nodeType == "mqtt-broker" {
		return brokerSchema, true
	}
	return nil, false
}

type fakeStorage struct {
	saved   map[string]map[string]string
	saves   int
	loadErr error
	saveErr error
}

func (f *fakeStorage) GetCredentials(context.Context) (map[string]map[string]string, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.saved, nil
}

func (f *fakeStorage) SaveCredentials(_ context.Context, creds map[string]map[string]string) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves++
	f.saved = creds
	return nil
}

func brokerNode(creds map[string]any) *flowstore.ConfiguredNode {
	return &flowstore.ConfiguredNode{ID: "broker", Type: "mqtt-broker", Credentials: creds}
}

func TestExtractSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	rt := storage.NewRuntime(memory.New(), nil)

	s := NewStore(rt, lookup, nil)
	n := brokerNode(map[string]any{"user": "admin", "password": "s3cret"})
	assert.True(t, s.Extract(n))
	assert.Nil(t, n.Credentials, "credentials must be stripped from the node")
	require.NoError(t, s.Save(ctx))

	// the editor sends the placeholder for an unchanged password
	n = brokerNode(map[string]any{"user": "root", "password": PasswordPlaceholder})
	s.Extract(n)
	require.NoError(t, s.Save(ctx))

	reloaded := NewStore(rt, lookup, nil)
	reloaded.Load(ctx)

	rec, ok := reloaded.Get("broker")
	require.True(t, ok)
	assert.Equal(t, Record{"user": "root", "password": "s3cret"}, rec)
}

func TestExtractBlankClearsField(t *testing.T) {
	tests := []struct {
		name  string
		value any
	}{
		{"empty", ""},
		{"whitespace", "   \t"},
		{"null", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(&fakeStorage{}, lookup, nil)
			require.NoError(t, s.Add(context.Background(), "broker", Record{"user": "admin", "password": "p"}))

			changed := s.Extract(brokerNode(map[string]any{"user": tt.value}))
			assert.True(t, changed)

			rec, ok := s.Get("broker")
			require.True(t, ok)
			assert.NotContains(t, rec, "user")
			assert.Equal(t, "p", rec["password"])
		})
	}
}

func TestExtractRemovesEmptyEntry(t *testing.T) {
	s := NewStore(&fakeStorage{}, lookup, nil)
	require.NoError(t, s.Add(context.Background(), "broker", Record{"user": "admin"}))

	s.Extract(brokerNode(map[string]any{"user": " "}))

	_, ok := s.Get("broker")
	assert.False(t, ok)
}

func TestExtractIgnoresUndeclaredFields(t *testing.T) {
	s := NewStore(&fakeStorage{}, lookup, nil)

	changed := s.Extract(brokerNode(map[string]any{"user": "admin", "apiKey": "leak"}))
	assert.True(t, changed)

	rec, _ := s.Get("broker")
	assert.Equal(t, Record{"user": "admin"}, rec)
}

func TestExtractWithoutSchemaOnlyStrips(t *testing.T) {
	s := NewStore(&fakeStorage{}, lookup, nil)
	n := &flowstore.ConfiguredNode{ID: "x", Type: "debug", Credentials: map[string]any{"a": "b"}}

	assert.False(t, s.Extract(n))
	assert.Nil(t, n.Credentials)
	assert.False(t, s.Dirty())
	_, ok := s.Get("x")
	assert.False(t, ok)
}

func TestExtractNeverPersists(t *testing.T) {
	fs := &fakeStorage{}
	s := NewStore(fs, lookup, nil)

	s.Extract(brokerNode(map[string]any{"user": "admin"}))
	assert.Equal(t, 0, fs.saves)
	assert.True(t, s.Dirty())

	require.NoError(t, s.Save(context.Background()))
	assert.Equal(t, 1, fs.saves)
	assert.False(t, s.Dirty())
}

func TestUnchangedExtractIsNotDirty(t *testing.T) {
	s := NewStore(&fakeStorage{}, lookup, nil)
	require.NoError(t, s.Add(context.Background(), "broker", Record{"user": "admin"}))

	assert.False(t, s.Extract(brokerNode(map[string]any{"user": "admin", "password": PasswordPlaceholder})))
	assert.False(t, s.Dirty())
}

func TestCleanPersistsOnlyOnChange(t *testing.T) {
	ctx := context.Background()
	fs := &fakeStorage{}
	s := NewStore(fs, lookup, nil)
	require.NoError(t, s.Add(ctx, "a", Record{"k": "v"}))
	require.NoError(t, s.Add(ctx, "b", Record{"k": "v"}))
	require.Equal(t, 2, fs.saves)

	require.NoError(t, s.Clean(ctx, flowstore.Flows{{ID: "a", Type: "x"}, {ID: "b", Type: "x"}}))
	assert.Equal(t, 2, fs.saves, "nothing removed, nothing persisted")

	require.NoError(t, s.Clean(ctx, flowstore.Flows{{ID: "a", Type: "x"}}))
	assert.Equal(t, 3, fs.saves)
	_, ok := s.Get("b")
	assert.False(t, ok)
	assert.Contains(t, fs.saved, "a")
	assert.NotContains(t, fs.saved, "b")
}

func TestLoadFailureStartsEmpty(t *testing.T) {
	s := NewStore(&fakeStorage{loadErr: stderrors.New("disk gone")}, lookup, nil)
	s.Load(context.Background())

	_, ok := s.Get("anything")
	assert.False(t, ok)
}

func TestPersistFailuresPropagate(t *testing.T) {
	ctx := context.Background()
	fs := &fakeStorage{saveErr: stderrors.New("read-only filesystem")}
	s := NewStore(fs, lookup, nil)

	ops := map[string]func() error{
		"add":    func() error { return s.Add(ctx, "a", Record{"k": "v"}) },
		"delete": func() error { return s.Delete(ctx, "a") },
		"save":   func() error { return s.Save(ctx) },
		"clean":  func() error { return s.Clean(ctx, flowstore.Flows{}) },
	}

	for op, fn := range ops {
		t.Run(op, func(t *testing.T) {
			// clean only persists when something is removed
			s.mu.Lock()
			s.cache["a"] = Record{"k": "v"}
			s.mu.Unlock()

			err := fn()
			var cse *errors.CredentialStoreError
			require.ErrorAs(t, err, &cse)
			assert.Equal(t, op, cse.Op)
		})
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore(&fakeStorage{}, lookup, nil)
	require.NoError(t, s.Add(context.Background(), "a", Record{"k": "v"}))

	rec, _ := s.Get("a")
	rec["k"] = "changed"

	again, _ := s.Get("a")
	assert.Equal(t, "v", again["k"])
}

func TestRestoreUndoesExtractAndClean(t *testing.T) {
	f := &fakeStorage{}
	s := NewStore(f, lookup, nil)
	s.Extract(brokerNode(map[string]any{"user": "alice"}))
	require.NoError(t, s.Save(context.Background()))

	snap := s.Snapshot()
	assert.True(t, s.Extract(brokerNode(map[string]any{"user": "bob"})))
	assert.True(t, s.Restore(snap))

	rec, ok := s.Get("broker")
	require.True(t, ok)
	assert.Equal(t, Record{"user": "alice"}, rec)
	assert.False(t, s.Dirty())
	assert.True(t, s.Extract(brokerNode(map[string]any{"user": "bob"})), "restored cache must see the change again")

	snap = s.Snapshot()
	f.saveErr = stderrors.New("disk full")
	require.Error(t, s.Clean(context.Background(), flowstore.Flows{}))
	_, ok = s.Get("broker")
	assert.False(t, ok)
	assert.True(t, s.Restore(snap))
	_, ok = s.Get("broker")
	assert.True(t, ok)
	assert.False(t, s.Restore(s.Snapshot()))
}
